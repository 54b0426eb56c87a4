package models

import (
	"time"

	"github.com/google/uuid"
)

// User is an account record. Deactivated at the moment a user-deletion
// saga begins and hard-deleted only when the saga completes.
type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	Username     string    `json:"username"`
	IsActive     bool      `json:"is_active"`
	IsStaff      bool      `json:"is_staff"`
	PasswordHash string    `json:"-"`
	DateJoined   time.Time `json:"date_joined"`
}

// RegisterRequest contains fields for creating a new user
type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Username string `json:"username" validate:"required,min=3,max=64"`
	Password string `json:"password" validate:"required,min=8"`
}

// TokenRequest contains credentials for obtaining a token pair
type TokenRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// RefreshRequest trades a refresh token for a new pair
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// TokenResponse carries an access/refresh token pair
type TokenResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// ChangeEmailRequest contains fields for updating the account email
type ChangeEmailRequest struct {
	NewEmail        string `json:"new_email" validate:"required,email"`
	CurrentPassword string `json:"current_password" validate:"required"`
}

// ChangeUsernameRequest contains fields for updating the account username
type ChangeUsernameRequest struct {
	NewUsername     string `json:"new_username" validate:"required,min=3,max=64"`
	CurrentPassword string `json:"current_password" validate:"required"`
}

// UserResponse is the public view of a user
type UserResponse struct {
	ID         uuid.UUID `json:"id"`
	Email      string    `json:"email"`
	Username   string    `json:"username"`
	IsStaff    bool      `json:"is_staff"`
	DateJoined time.Time `json:"date_joined"`
}

// PublicView strips credential fields from a user record.
func (u *User) PublicView() UserResponse {
	return UserResponse{
		ID:         u.ID,
		Email:      u.Email,
		Username:   u.Username,
		IsStaff:    u.IsStaff,
		DateJoined: u.DateJoined,
	}
}
