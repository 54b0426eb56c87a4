// Package saga persists distributed-deletion state and finalizes sagas
// from confirmation events. Initiation lives with the owning services;
// this package supplies the store they write through and the finalizer
// workers that complete the flow.
package saga

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/loomery/loom/pkg/database"
	"github.com/loomery/loom/pkg/errkind"
	"github.com/loomery/loom/pkg/models"
)

// uniqueViolation is the Postgres error code raised when a second
// IN_PROGRESS saga lands on the partial unique index.
const uniqueViolation = "23505"

// Store reads and writes saga rows. Methods take a Querier so they
// compose with the caller's transaction.
type Store struct{}

func NewStore() *Store {
	return &Store{}
}

// CreateWithSteps inserts an IN_PROGRESS saga and one PENDING step per
// confirming service. A live saga for the same resource is a conflict.
func (s *Store) CreateWithSteps(ctx context.Context, q database.Querier, sagaType models.SagaType, resourceID uuid.UUID, services []string) (*models.Saga, error) {
	if len(services) == 0 {
		return nil, errkind.Validation("saga %s has no confirming services configured", sagaType)
	}

	saga := &models.Saga{
		ID:                uuid.New(),
		Type:              sagaType,
		RelatedResourceID: resourceID,
		Status:            models.SagaStatusInProgress,
	}
	err := q.QueryRowContext(ctx,
		`INSERT INTO sagas (id, type, related_resource_id, status)
		 VALUES ($1, $2, $3, $4)
		 RETURNING created_at, updated_at`,
		saga.ID, saga.Type, saga.RelatedResourceID, saga.Status,
	).Scan(&saga.CreatedAt, &saga.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, errkind.Conflict("%s already in progress for %s", sagaType, resourceID)
		}
		return nil, fmt.Errorf("insert saga: %w", err)
	}

	for _, svc := range services {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO saga_steps (id, saga_id, service_name, status)
			 VALUES ($1, $2, $3, $4)`,
			uuid.New(), saga.ID, svc, models.SagaStepPending,
		); err != nil {
			return nil, fmt.Errorf("insert saga step %s: %w", svc, err)
		}
	}
	return saga, nil
}

// LockInProgress loads the live saga for a resource and takes a row
// lock, serializing concurrent confirmations.
func (s *Store) LockInProgress(ctx context.Context, q database.Querier, sagaType models.SagaType, resourceID uuid.UUID) (*models.Saga, error) {
	saga := &models.Saga{}
	err := q.QueryRowContext(ctx,
		`SELECT id, type, related_resource_id, status, created_at, updated_at
		 FROM sagas
		 WHERE type = $1 AND related_resource_id = $2 AND status = $3
		 FOR UPDATE`,
		sagaType, resourceID, models.SagaStatusInProgress,
	).Scan(&saga.ID, &saga.Type, &saga.RelatedResourceID, &saga.Status, &saga.CreatedAt, &saga.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.NotFound("no %s in progress for %s", sagaType, resourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock saga: %w", err)
	}
	return saga, nil
}

// CompleteStep marks a step COMPLETED. The first confirmation reports
// true; duplicates report false; an unknown service name is not_found.
func (s *Store) CompleteStep(ctx context.Context, q database.Querier, sagaID uuid.UUID, serviceName string) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE saga_steps SET status = $1
		 WHERE saga_id = $2 AND service_name = $3 AND status = $4`,
		models.SagaStepCompleted, sagaID, serviceName, models.SagaStepPending,
	)
	if err != nil {
		return false, fmt.Errorf("complete saga step: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete saga step: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	var exists bool
	err = q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM saga_steps WHERE saga_id = $1 AND service_name = $2)`,
		sagaID, serviceName,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check saga step: %w", err)
	}
	if !exists {
		return false, errkind.NotFound("saga %s has no step %s", sagaID, serviceName)
	}
	return false, nil
}

// CountPending returns how many confirmations are still outstanding.
func (s *Store) CountPending(ctx context.Context, q database.Querier, sagaID uuid.UUID) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM saga_steps WHERE saga_id = $1 AND status = $2`,
		sagaID, models.SagaStepPending,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending steps: %w", err)
	}
	return n, nil
}

// MarkCompleted closes the saga.
func (s *Store) MarkCompleted(ctx context.Context, q database.Querier, sagaID uuid.UUID) error {
	return s.setStatus(ctx, q, sagaID, models.SagaStatusCompleted)
}

// MarkFailed flags the saga for operator attention. Nothing automatic
// compensates; the soft-deleted resource stays unusable.
func (s *Store) MarkFailed(ctx context.Context, q database.Querier, sagaID uuid.UUID) error {
	return s.setStatus(ctx, q, sagaID, models.SagaStatusFailed)
}

func (s *Store) setStatus(ctx context.Context, q database.Querier, sagaID uuid.UUID, status models.SagaStatus) error {
	res, err := q.ExecContext(ctx,
		`UPDATE sagas SET status = $1, updated_at = now() WHERE id = $2`,
		status, sagaID,
	)
	if err != nil {
		return fmt.Errorf("set saga status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errkind.NotFound("saga %s not found", sagaID)
	}
	return nil
}

// DeleteFinishedBefore prunes COMPLETED and FAILED sagas last touched
// before the cutoff. Steps cascade with their saga; IN_PROGRESS rows
// are never touched.
func (s *Store) DeleteFinishedBefore(ctx context.Context, q database.Querier, cutoff time.Time) (int64, error) {
	res, err := q.ExecContext(ctx,
		`DELETE FROM sagas WHERE status IN ($1, $2) AND updated_at < $3`,
		models.SagaStatusCompleted, models.SagaStatusFailed, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete finished sagas: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete finished sagas: %w", err)
	}
	return n, nil
}

// Steps lists a saga's steps ordered by service name.
func (s *Store) Steps(ctx context.Context, q database.Querier, sagaID uuid.UUID) ([]models.SagaStep, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, saga_id, service_name, status
		 FROM saga_steps WHERE saga_id = $1 ORDER BY service_name`,
		sagaID,
	)
	if err != nil {
		return nil, fmt.Errorf("list saga steps: %w", err)
	}
	defer rows.Close()

	var steps []models.SagaStep
	for rows.Next() {
		var st models.SagaStep
		if err := rows.Scan(&st.ID, &st.SagaID, &st.ServiceName, &st.Status); err != nil {
			return nil, fmt.Errorf("scan saga step: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}
