package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/loomery/loom/pkg/database"
	"github.com/loomery/loom/pkg/errkind"
	"github.com/loomery/loom/pkg/models"
)

const uniqueViolation = "23505"

const userColumns = `id, email, username, is_active, is_staff, password_hash, date_joined`

// Store runs the SQL for user accounts. Methods take a database.Querier
// so service code can compose them inside saga transactions.
type Store struct{}

func NewStore() *Store {
	return &Store{}
}

// Create inserts a new account. Duplicate email or username is a conflict.
func (s *Store) Create(ctx context.Context, q database.Querier, email, username, passwordHash string) (*models.User, error) {
	u := &models.User{
		ID:           uuid.New(),
		Email:        email,
		Username:     username,
		IsActive:     true,
		PasswordHash: passwordHash,
	}
	err := q.QueryRowContext(ctx,
		`INSERT INTO users (id, email, username, is_active, password_hash)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING is_staff, date_joined`,
		u.ID, u.Email, u.Username, u.IsActive, u.PasswordHash,
	).Scan(&u.IsStaff, &u.DateJoined)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, errkind.Conflict("email or username already registered")
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// GetByID loads one account by id.
func (s *Store) GetByID(ctx context.Context, q database.Querier, id uuid.UUID) (*models.User, error) {
	return s.scanOne(q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// GetByEmail loads one account by email.
func (s *Store) GetByEmail(ctx context.Context, q database.Querier, email string) (*models.User, error) {
	return s.scanOne(q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

// UpdateEmail changes the account email. Duplicate email is a conflict.
func (s *Store) UpdateEmail(ctx context.Context, q database.Querier, id uuid.UUID, email string) error {
	return s.updateField(ctx, q, `UPDATE users SET email = $2 WHERE id = $1`, id, email,
		"email already registered")
}

// UpdateUsername changes the account username. Duplicate username is a conflict.
func (s *Store) UpdateUsername(ctx context.Context, q database.Querier, id uuid.UUID, username string) error {
	return s.updateField(ctx, q, `UPDATE users SET username = $2 WHERE id = $1`, id, username,
		"username already taken")
}

func (s *Store) updateField(ctx context.Context, q database.Querier, query string, id uuid.UUID, value, conflictMsg string) error {
	res, err := q.ExecContext(ctx, query, id, value)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return errkind.Conflict("%s", conflictMsg)
		}
		return fmt.Errorf("update user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if n == 0 {
		return errkind.NotFound("user %s not found", id)
	}
	return nil
}

// Deactivate flips is_active off, locking the account out while its
// deletion saga runs.
func (s *Store) Deactivate(ctx context.Context, q database.Querier, id uuid.UUID) error {
	res, err := q.ExecContext(ctx,
		`UPDATE users SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate user: %w", err)
	}
	if n == 0 {
		return errkind.NotFound("user %s not found", id)
	}
	return nil
}

// Delete removes the account row. Called by the user-deletion finalizer
// after every participating service confirmed its cleanup.
func (s *Store) Delete(ctx context.Context, q database.Querier, id uuid.UUID) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

func (s *Store) scanOne(row *sql.Row) (*models.User, error) {
	u := &models.User{}
	err := row.Scan(&u.ID, &u.Email, &u.Username, &u.IsActive, &u.IsStaff, &u.PasswordHash, &u.DateJoined)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.NotFound("user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}
