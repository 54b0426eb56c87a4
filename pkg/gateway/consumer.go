package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loomery/loom/pkg/bus"
	"github.com/loomery/loom/pkg/models"
)

const resultsQueue = "gateway_results_queue"

// resultSink is the manager surface the consumer routes into.
type resultSink interface {
	Send(jobID uuid.UUID, payload []byte)
	Close(jobID uuid.UUID, reason string)
}

// Consumer binds a per-instance feed to the results exchange and
// routes each message to the socket waiting on that job. The binding
// is exclusive: every gateway instance sees every result and delivers
// the ones whose socket it holds.
type Consumer struct {
	bus  *bus.Client
	sink resultSink
}

func NewConsumer(b *bus.Client, manager *Manager) *Consumer {
	return &Consumer{bus: b, sink: manager}
}

// Run consumes until ctx is cancelled, reconnecting with a fixed delay
// on subscription failure.
func (c *Consumer) Run(ctx context.Context) {
	for {
		err := c.bus.Subscribe(ctx, bus.SubscribeOptions{
			Exchange:  models.ExchangeResults,
			Queue:     resultsQueue,
			Bindings:  []string{"inference.result.#"},
			Handler:   c.route,
			Exclusive: true,
		})
		if ctx.Err() != nil {
			return
		}
		slog.Error("Results subscription failed, retrying in 5s", "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// route forwards one result message to its job's socket and closes the
// socket after a terminal message. Messages for sockets held elsewhere
// fall through silently.
func (c *Consumer) route(_ context.Context, d bus.Delivery) error {
	var msg models.ResultMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		slog.Error("Result message is malformed, discarding", "routing_key", d.RoutingKey, "error", err)
		return bus.ErrDrop
	}
	if msg.JobID == uuid.Nil {
		slog.Warn("Result message without job id, discarding", "routing_key", d.RoutingKey)
		return bus.ErrDrop
	}

	c.sink.Send(msg.JobID, d.Body)
	if msg.IsTerminal() {
		c.sink.Close(msg.JobID, "Job finished")
	}
	return nil
}
