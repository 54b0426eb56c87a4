// Package projects manages project lifecycle, including the
// project-deletion saga entry point and the user-deletion fan-out that
// tears down every project a deleted user owns.
package projects

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/loomery/loom/pkg/bus"
	"github.com/loomery/loom/pkg/database"
	"github.com/loomery/loom/pkg/errkind"
	"github.com/loomery/loom/pkg/models"
	"github.com/loomery/loom/pkg/saga"
)

// Service implements project operations on top of the store.
type Service struct {
	db        *sql.DB
	store     *Store
	sagas     *saga.Store
	publisher bus.Publisher
	sagaSteps []string
}

// NewService creates the project service. sagaSteps lists the services
// that must confirm a project deletion.
func NewService(db *sql.DB, publisher bus.Publisher, sagaSteps []string) *Service {
	return &Service{
		db:        db,
		store:     NewStore(),
		sagas:     saga.NewStore(),
		publisher: publisher,
		sagaSteps: sagaSteps,
	}
}

// Create makes a new ACTIVE project owned by the caller.
func (s *Service) Create(ctx context.Context, ownerID uuid.UUID, req models.CreateProjectRequest) (*models.Project, error) {
	return s.store.Create(ctx, s.db, ownerID, req.Name, req.Metadata)
}

// List returns the caller's projects.
func (s *Service) List(ctx context.Context, ownerID uuid.UUID) (*models.ProjectListResponse, error) {
	projects, err := s.store.ListByOwner(ctx, s.db, ownerID)
	if err != nil {
		return nil, err
	}
	if projects == nil {
		projects = []*models.Project{}
	}
	return &models.ProjectListResponse{Projects: projects, TotalCount: len(projects)}, nil
}

// Get returns one of the caller's projects. Other users' projects are
// reported as absent.
func (s *Service) Get(ctx context.Context, callerID, projectID uuid.UUID) (*models.Project, error) {
	p, err := s.store.Get(ctx, s.db, projectID)
	if err != nil {
		return nil, err
	}
	if p.OwnerID != callerID {
		return nil, errkind.NotFound("project not found")
	}
	return p, nil
}

// Update renames one of the caller's projects. Projects pending
// deletion reject all mutations.
func (s *Service) Update(ctx context.Context, callerID, projectID uuid.UUID, req models.UpdateProjectRequest) (*models.Project, error) {
	p, err := s.Get(ctx, callerID, projectID)
	if err != nil {
		return nil, err
	}
	if p.Status == models.ProjectStatusPendingDeletion {
		return nil, errkind.Conflict("project is pending deletion")
	}
	if err := s.store.Update(ctx, s.db, projectID, req.Name, req.Metadata); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, s.db, projectID)
}

// Authorize reports whether the caller may act on the project. The
// distinction between forbidden and absent feeds the internal authorize
// endpoint.
func (s *Service) Authorize(ctx context.Context, callerID, projectID uuid.UUID) error {
	p, err := s.store.Get(ctx, s.db, projectID)
	if err != nil {
		return err
	}
	if p.OwnerID != callerID {
		return errkind.Permission("project belongs to another user")
	}
	return nil
}

// InitiateDeletion starts the project-deletion saga for one of the
// caller's projects.
func (s *Service) InitiateDeletion(ctx context.Context, callerID, projectID uuid.UUID) error {
	p, err := s.Get(ctx, callerID, projectID)
	if err != nil {
		return err
	}
	return s.initiate(ctx, p)
}

// initiate runs the shared saga-start transaction: flip the project to
// PENDING_DELETION, record the saga with its expected steps, publish
// the initiating event. A failed publish rolls all of it back, and a
// live saga for the project is a conflict.
func (s *Service) initiate(ctx context.Context, p *models.Project) error {
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.store.SetStatus(ctx, tx, p.ID, models.ProjectStatusPendingDeletion); err != nil {
			return err
		}
		if _, err := s.sagas.CreateWithSteps(ctx, tx, models.SagaTypeProjectDeletion, p.ID, s.sagaSteps); err != nil {
			return err
		}
		return s.publisher.Publish(ctx, models.ExchangeProjectEvents, models.KeyProjectDeletionInitiated,
			models.ProjectDeletionInitiatedEvent{ProjectID: p.ID, OwnerID: p.OwnerID})
	})
	if err != nil {
		return err
	}

	slog.Info("Project deletion initiated", "project_id", p.ID, "owner_id", p.OwnerID)
	return nil
}

// DeleteRoot removes the project row inside the finalizer's transaction.
func (s *Service) DeleteRoot(ctx context.Context, tx *sql.Tx, projectID uuid.UUID) error {
	return s.store.Delete(ctx, tx, projectID)
}

// DeleteAllForUser starts a deletion saga for every ACTIVE project the
// user owns, then reports completion of the ProjectService step of the
// user-deletion saga. Projects whose saga is already running are
// skipped; the nested sagas confirm independently.
func (s *Service) DeleteAllForUser(ctx context.Context, userID uuid.UUID) error {
	active, err := s.store.ListActiveByOwner(ctx, s.db, userID)
	if err != nil {
		return err
	}

	for _, p := range active {
		if err := s.initiate(ctx, p); err != nil {
			if errors.Is(err, errkind.ErrConflict) {
				slog.Warn("Project deletion already in progress", "project_id", p.ID)
				continue
			}
			return err
		}
	}

	return s.publisher.Publish(ctx, models.ExchangeUserEvents, models.KeyAllProjectsDeleted,
		models.AllProjectsDeletedEvent{UserID: userID})
}
