package projects

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/loomery/loom/pkg/bus"
	"github.com/loomery/loom/pkg/models"
)

// UserCleanupQueue is the durable queue for the user-deletion fan-out.
const UserCleanupQueue = "project_user_cleanup_queue"

// UserCleanup consumes user.deletion.initiated and tears down the
// user's projects through nested project-deletion sagas.
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
	return c.svc.DeleteAllForUser(ctx, ev.UserID)
}
