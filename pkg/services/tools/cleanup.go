package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/loomery/loom/pkg/bus"
	"github.com/loomery/loom/pkg/models"
)

// UserCleanupQueue is the durable queue for the user-deletion fan-out.
const UserCleanupQueue = "tool_user_cleanup_queue"

// UserCleanup deletes a user's tools when their account is deleted and
// confirms the ToolService saga step.
type UserCleanup struct {
	svc *Service
}

func NewUserCleanup(svc *Service) *UserCleanup {
	return &UserCleanup{svc: svc}
}

// Run consumes deletion events until ctx is cancelled.
func (c *UserCleanup) Run(ctx context.Context, bc *bus.Client) error {
	return bc.Subscribe(ctx, bus.SubscribeOptions{
		Exchange: models.ExchangeUserEvents,
		Queue:    UserCleanupQueue,
		Bindings: []string{models.KeyUserDeletionInitiated},
		Handler:  c.handle,
	})
}

func (c *UserCleanup) handle(ctx context.Context, d bus.Delivery) error {
	var ev models.UserDeletionInitiatedEvent
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		return fmt.Errorf("%w: decode %s: %v", bus.ErrDrop, d.RoutingKey, err)
	}
	if ev.UserID == uuid.Nil {
		return fmt.Errorf("%w: %s without user_id", bus.ErrDrop, d.RoutingKey)
	}
	return c.svc.CleanupForUser(ctx, ev.UserID)
}

// CleanupForUser deletes every tool the user owns, notifies dependents
// of each, and confirms this service's step of the user-deletion saga.
func (s *Service) CleanupForUser(ctx context.Context, userID uuid.UUID) error {
	ids, err := s.store.DeleteByOwner(ctx, s.db, userID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.publisher.Publish(ctx, models.ExchangeResourceEvents, models.KeyToolDeleted,
			models.ToolDeletedEvent{ToolID: id}); err != nil {
			return err
		}
	}
	if len(ids) > 0 {
		slog.Info("Deleted user tools", "user_id", userID, "count", len(ids))
	}
	return s.publisher.Publish(ctx, models.ExchangeUserEvents,
		models.KeyResourceForUserDeleted+"."+models.ServiceTools,
		models.ResourceForUserDeletedEvent{UserID: userID, ServiceName: models.ServiceTools})
}
