// Package users manages accounts: registration, credential checks,
// profile changes, and the user-deletion saga entry point.
package users

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/loomery/loom/pkg/bus"
	"github.com/loomery/loom/pkg/database"
	"github.com/loomery/loom/pkg/errkind"
	"github.com/loomery/loom/pkg/identity"
	"github.com/loomery/loom/pkg/models"
	"github.com/loomery/loom/pkg/saga"
)

// Service implements account operations on top of the store.
type Service struct {
	db        *sql.DB
	store     *Store
	sagas     *saga.Store
	issuer    *identity.Issuer
	publisher bus.Publisher
	sagaSteps []string
}

// NewService creates the user service. sagaSteps lists the services
// that must confirm a user deletion.
func NewService(db *sql.DB, issuer *identity.Issuer, publisher bus.Publisher, sagaSteps []string) *Service {
	return &Service{
		db:        db,
		store:     NewStore(),
		sagas:     saga.NewStore(),
		issuer:    issuer,
		publisher: publisher,
		sagaSteps: sagaSteps,
	}
}

// Register creates a new account with a bcrypt password hash.
func (s *Service) Register(ctx context.Context, req models.RegisterRequest) (*models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, errkind.Internal("hash password: %v", err)
	}
	user, err := s.store.Create(ctx, s.db, req.Email, req.Username, string(hash))
	if err != nil {
		return nil, err
	}
	slog.Info("User registered", "user_id", user.ID, "username", user.Username)
	return user, nil
}

// IssueTokens verifies credentials and returns a fresh token pair.
// Inactive accounts cannot log in, including while their deletion saga
// is still running.
func (s *Service) IssueTokens(ctx context.Context, req models.TokenRequest) (*models.TokenResponse, error) {
	user, err := s.store.GetByEmail(ctx, s.db, req.Email)
	if err != nil {
		if errors.Is(err, errkind.ErrNotFound) {
			return nil, errkind.Permission("invalid credentials")
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, errkind.Permission("account is deactivated")
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		return nil, errkind.Permission("invalid credentials")
	}
	return s.issuer.IssuePair(user)
}

// RefreshTokens trades a valid refresh token for a new pair.
func (s *Service) RefreshTokens(ctx context.Context, refreshToken string) (*models.TokenResponse, error) {
	return s.issuer.Refresh(refreshToken)
}

// Get loads the account behind a principal.
func (s *Service) Get(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	return s.store.GetByID(ctx, s.db, userID)
}

// ChangeEmail updates the account email after re-verifying the password.
func (s *Service) ChangeEmail(ctx context.Context, userID uuid.UUID, req models.ChangeEmailRequest) (*models.User, error) {
	if err := s.verifyPassword(ctx, userID, req.CurrentPassword); err != nil {
		return nil, err
	}
	if err := s.store.UpdateEmail(ctx, s.db, userID, req.NewEmail); err != nil {
		return nil, err
	}
	return s.store.GetByID(ctx, s.db, userID)
}

// ChangeUsername updates the account username after re-verifying the
// password.
func (s *Service) ChangeUsername(ctx context.Context, userID uuid.UUID, req models.ChangeUsernameRequest) (*models.User, error) {
	if err := s.verifyPassword(ctx, userID, req.CurrentPassword); err != nil {
		return nil, err
	}
	if err := s.store.UpdateUsername(ctx, s.db, userID, req.NewUsername); err != nil {
		return nil, err
	}
	return s.store.GetByID(ctx, s.db, userID)
}

func (s *Service) verifyPassword(ctx context.Context, userID uuid.UUID, password string) error {
	user, err := s.store.GetByID(ctx, s.db, userID)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return errkind.Permission("current password is incorrect")
	}
	return nil
}

// InitiateDeletion starts the user-deletion saga. One transaction
// deactivates the account, records the saga with its expected steps,
// and publishes the initiating event; a failed publish rolls all of it
// back. A saga already in progress is a conflict.
func (s *Service) InitiateDeletion(ctx context.Context, userID uuid.UUID) error {
	if _, err := s.store.GetByID(ctx, s.db, userID); err != nil {
		return err
	}

	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.store.Deactivate(ctx, tx, userID); err != nil {
			return err
		}
		if _, err := s.sagas.CreateWithSteps(ctx, tx, models.SagaTypeUserDeletion, userID, s.sagaSteps); err != nil {
			return err
		}
		return s.publisher.Publish(ctx, models.ExchangeUserEvents, models.KeyUserDeletionInitiated,
			models.UserDeletionInitiatedEvent{UserID: userID})
	})
	if err != nil {
		return err
	}

	slog.Info("User deletion initiated", "user_id", userID)
	return nil
}

// DeleteRoot removes the user row inside the finalizer's transaction.
func (s *Service) DeleteRoot(ctx context.Context, tx *sql.Tx, userID uuid.UUID) error {
	return s.store.Delete(ctx, tx, userID)
}
