package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/loomery/loom/pkg/bus"
	"github.com/loomery/loom/pkg/errkind"
	"github.com/loomery/loom/pkg/models"
)

// ContextUpdateQueue is the durable queue for post-job memory writes.
const ContextUpdateQueue = "memory_context_update_queue"

// ContextConsumer folds executor memory updates into buckets. The
// executor publishes one batch per job; redeliveries are deduplicated
// by the idempotency key, and updates for buckets deleted in the
// meantime are acknowledged and dropped.
type ContextConsumer struct {
	svc *Service
}

func NewContextConsumer(svc *Service) *ContextConsumer {
	return &ContextConsumer{svc: svc}
}

// Run consumes context updates until ctx is cancelled.
func (c *ContextConsumer) Run(ctx context.Context, bc *bus.Client) error {
	return bc.Subscribe(ctx, bus.SubscribeOptions{
		Exchange: models.ExchangeMemory,
		Queue:    ContextUpdateQueue,
		Bindings: []string{models.KeyMemoryContextUpdate},
		Handler:  c.handle,
	})
}

func (c *ContextConsumer) handle(ctx context.Context, d bus.Delivery) error {
	var ev models.MemoryContextUpdateEvent
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		return fmt.Errorf("%w: decode %s: %v", bus.ErrDrop, d.RoutingKey, err)
	}
	if ev.IdempotencyKey == "" || ev.MemoryBucketID == uuid.Nil || len(ev.MessagesToAdd) == 0 {
		return fmt.Errorf("%w: incomplete context update", bus.ErrDrop)
	}

	err := c.svc.AppendContext(ctx, ev)
	switch {
	case err == nil:
		slog.Info("Memory context applied",
			"bucket_id", ev.MemoryBucketID,
			"idempotency_key", ev.IdempotencyKey,
			"messages", len(ev.MessagesToAdd))
		return nil
	case errors.Is(err, errkind.ErrAlreadyExists):
		slog.Info("Memory context already applied, skipping",
			"bucket_id", ev.MemoryBucketID, "idempotency_key", ev.IdempotencyKey)
		return nil
	case errors.Is(err, errkind.ErrNotFound):
		slog.Warn("Memory context for a deleted bucket, skipping",
			"bucket_id", ev.MemoryBucketID, "idempotency_key", ev.IdempotencyKey)
		return nil
	}
	return err
}
