package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/loomery/loom/pkg/bus"
	"github.com/loomery/loom/pkg/models"
)

// Cleanup queues. Memory participates in both deletion sagas.
const (
	UserCleanupQueue    = "memory_user_cleanup_queue"
	ProjectCleanupQueue = "memory_project_cleanup_queue"
)

// Cleanup deletes buckets when their owning user or project is deleted
// and confirms the MemoryService saga steps.
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

// CleanupForUser deletes every bucket the user owns, notifies
// dependents, and confirms this service's step of the user-deletion
// saga.
func (s *Service) CleanupForUser(ctx context.Context, userID uuid.UUID) error {
	ids, err := s.store.DeleteBucketsByOwner(ctx, s.db, userID)
	if err != nil {
		return err
	}
	if err := s.notifyDeleted(ctx, ids); err != nil {
		return err
	}
	if len(ids) > 0 {
		slog.Info("Deleted user memory buckets", "user_id", userID, "count", len(ids))
	}
	return s.publisher.Publish(ctx, models.ExchangeUserEvents,
		models.KeyResourceForUserDeleted+"."+models.ServiceMemory,
		models.ResourceForUserDeletedEvent{UserID: userID, ServiceName: models.ServiceMemory})
}

// CleanupForProject deletes every bucket of the project and confirms
// this service's step of the project-deletion saga.
func (s *Service) CleanupForProject(ctx context.Context, projectID uuid.UUID) error {
	ids, err := s.store.DeleteBucketsByProject(ctx, s.db, projectID)
	if err != nil {
		return err
	}
	if err := s.notifyDeleted(ctx, ids); err != nil {
		return err
	}
	if len(ids) > 0 {
		slog.Info("Deleted project memory buckets", "project_id", projectID, "count", len(ids))
	}
	return s.publisher.Publish(ctx, models.ExchangeProjectEvents,
		models.KeyResourceForProjDeleted+"."+models.ServiceMemory,
		models.ResourceForProjectDeletedEvent{ProjectID: projectID, ServiceName: models.ServiceMemory})
}

func (s *Service) notifyDeleted(ctx context.Context, ids []uuid.UUID) error {
	for _, id := range ids {
		if err := s.publisher.Publish(ctx, models.ExchangeResourceEvents, models.KeyBucketDeleted,
			models.BucketDeletedEvent{BucketID: id}); err != nil {
			return err
		}
	}
	return nil
}
