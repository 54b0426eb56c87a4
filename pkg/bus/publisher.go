package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/loomery/loom/pkg/errkind"
	"github.com/loomery/loom/pkg/metrics"
)

// schemaVersion stamps every published entry so consumers can reject
// payloads from a future incompatible writer.
const schemaVersion = "1"

// Publisher is the outbound half of the bus. Services depend on this
// interface so tests can capture published events.
type Publisher interface {
	// Publish appends a message to a topic exchange. The message is
	// retained until every bound queue's consumer group has acked it.
	Publish(ctx context.Context, exchange, routingKey string, body any) error

	// Broadcast sends a message to a fanout exchange. Only instances
	// subscribed at this moment receive it; nothing is retained.
	Broadcast(ctx context.Context, exchange string, body any) error
}

// Publish appends the JSON-encoded body to the exchange stream, with
// exponential backoff on transient failures.
func (c *Client) Publish(ctx context.Context, exchange, routingKey string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", exchange, routingKey, err)
	}

	err = retry.Do(
		func() error {
			return c.rdb.XAdd(ctx, &redis.XAddArgs{
				Stream: streamKey(exchange),
				MaxLen: c.cfg.StreamMaxLen,
				Approx: true,
				Values: map[string]any{
					"routing_key":    routingKey,
					"body":           string(data),
					"event_id":       uuid.NewString(),
					"schema_version": schemaVersion,
					"emitted_at":     time.Now().UTC().Format(time.RFC3339Nano),
				},
			}).Err()
		},
		retry.Attempts(c.cfg.PublishAttempts),
		retry.Delay(c.cfg.PublishDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("Publish failed, retrying",
				"exchange", exchange,
				"routing_key", routingKey,
				"attempt", n+1,
				"error", err)
		}),
	)
	if err != nil {
		// Callers inside saga-initiating transactions roll back on this.
		return errkind.Unavailable("publish %s/%s: %v", exchange, routingKey, err)
	}

	metrics.EventsPublished.WithLabelValues(exchange).Inc()
	return nil
}

// Broadcast publishes the JSON-encoded body on the fanout channel.
func (c *Client) Broadcast(ctx context.Context, exchange string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode fanout %s: %w", exchange, err)
	}

	if err := c.rdb.Publish(ctx, fanoutChannel(exchange), data).Err(); err != nil {
		return fmt.Errorf("broadcast %s: %w", exchange, err)
	}

	metrics.EventsPublished.WithLabelValues(exchange).Inc()
	return nil
}
