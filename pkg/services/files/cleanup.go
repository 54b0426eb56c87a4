package files

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/loomery/loom/pkg/bus"
	"github.com/loomery/loom/pkg/models"
)

// Cleanup queues. Files participate in both deletion sagas.
const (
	UserCleanupQueue    = "file_user_cleanup_queue"
	ProjectCleanupQueue = "file_project_cleanup_queue"
)

// Cleanup deletes stored files when their owning user or project is
// deleted and confirms the DataService saga steps.
type Cleanup struct {
	svc *Service
}

func NewCleanup(svc *Service) *Cleanup {
	return &Cleanup{svc: svc}
}

// RunUser consumes user-deletion events until ctx is cancelled.
func (c *Cleanup) RunUser(ctx context.Context, bc *bus.Client) error {
	return bc.Subscribe(ctx, bus.SubscribeOptions{
		Exchange: models.ExchangeUserEvents,
		Queue:    UserCleanupQueue,
		Bindings: []string{models.KeyUserDeletionInitiated},
		Handler:  c.handleUser,
	})
}

// RunProject consumes project-deletion events until ctx is cancelled.
func (c *Cleanup) RunProject(ctx context.Context, bc *bus.Client) error {
	return bc.Subscribe(ctx, bus.SubscribeOptions{
		Exchange: models.ExchangeProjectEvents,
		Queue:    ProjectCleanupQueue,
		Bindings: []string{models.KeyProjectDeletionInitiated},
		Handler:  c.handleProject,
	})
}

func (c *Cleanup) handleUser(ctx context.Context, d bus.Delivery) error {
	var ev models.UserDeletionInitiatedEvent
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		return fmt.Errorf("%w: decode %s: %v", bus.ErrDrop, d.RoutingKey, err)
	}
	if ev.UserID == uuid.Nil {
		return fmt.Errorf("%w: %s without user_id", bus.ErrDrop, d.RoutingKey)
	}
	return c.svc.CleanupForUser(ctx, ev.UserID)
}

func (c *Cleanup) handleProject(ctx context.Context, d bus.Delivery) error {
	var ev models.ProjectDeletionInitiatedEvent
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		return fmt.Errorf("%w: decode %s: %v", bus.ErrDrop, d.RoutingKey, err)
	}
	if ev.ProjectID == uuid.Nil {
		return fmt.Errorf("%w: %s without project_id", bus.ErrDrop, d.RoutingKey)
	}
	return c.svc.CleanupForProject(ctx, ev.ProjectID)
}

// CleanupForUser deletes every file the user owns and confirms this
// service's step of the user-deletion saga. Metadata rows are the
// source of truth, so row deletion must succeed even when an object
// is already gone.
func (s *Service) CleanupForUser(ctx context.Context, userID uuid.UUID) error {
	removed, err := s.store.DeleteByOwner(ctx, s.db, userID)
	if err != nil {
		return err
	}
	s.removeObjects(ctx, removed)
	if len(removed) > 0 {
		slog.Info("Deleted user files", "user_id", userID, "count", len(removed))
	}
	return s.publisher.Publish(ctx, models.ExchangeUserEvents,
		models.KeyResourceForUserDeleted+"."+models.ServiceData,
		models.ResourceForUserDeletedEvent{UserID: userID, ServiceName: models.ServiceData})
}

// CleanupForProject deletes every file of the project and confirms
// this service's step of the project-deletion saga.
func (s *Service) CleanupForProject(ctx context.Context, projectID uuid.UUID) error {
	removed, err := s.store.DeleteByProject(ctx, s.db, projectID)
	if err != nil {
		return err
	}
	s.removeObjects(ctx, removed)
	if len(removed) > 0 {
		slog.Info("Deleted project files", "project_id", projectID, "count", len(removed))
	}
	return s.publisher.Publish(ctx, models.ExchangeProjectEvents,
		models.KeyResourceForProjDeleted+"."+models.ServiceData,
		models.ResourceForProjectDeletedEvent{ProjectID: projectID, ServiceName: models.ServiceData})
}

func (s *Service) removeObjects(ctx context.Context, removed []*models.StoredFile) {
	for _, f := range removed {
		if err := s.objects.Delete(ctx, f.StoragePath); err != nil {
			slog.Warn("Failed to remove file object", "path", f.StoragePath, "error", err)
		}
	}
}
