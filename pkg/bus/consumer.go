package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loomery/loom/pkg/metrics"
)

// BindError reports a failed queue binding. Workers treat it as fatal
// and exit with a distinct status code.
type BindError struct {
	Exchange string
	Queue    string
	Err      error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind queue %s to %s: %v", e.Queue, e.Exchange, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// SubscribeOptions binds a durable queue to a topic exchange.
type SubscribeOptions struct {
	Exchange string
	Queue    string
	Bindings []string
	Handler  Handler

	// Exclusive appends the instance name to the queue and destroys the
	// consumer group when the subscription ends. Used for per-instance
	// feeds like the gateway's result stream.
	Exclusive bool
}

// Subscribe consumes a durable queue until ctx is cancelled. Messages
// whose routing key matches no binding are acked untouched; handler
// errors leave the message pending so a healthy consumer can claim it
// after the idle threshold; deliveries that exceed the retry budget are
// parked on the queue's dead-letter stream.
func (c *Client) Subscribe(ctx context.Context, opts SubscribeOptions) error {
	stream := streamKey(opts.Exchange)
	group := opts.Queue
	if opts.Exclusive {
		group = opts.Queue + "-" + c.consumer
	}

	if err := c.ensureGroup(ctx, stream, group); err != nil {
		return &BindError{Exchange: opts.Exchange, Queue: group, Err: err}
	}
	if opts.Exclusive {
		defer func() {
			cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := c.rdb.XGroupDestroy(cleanupCtx, stream, group).Err(); err != nil {
				slog.Warn("Failed to destroy exclusive queue", "queue", group, "error", err)
			}
		}()
	}

	slog.Info("Queue bound",
		"exchange", opts.Exchange,
		"queue", group,
		"bindings", opts.Bindings,
		"consumer", c.consumer)

	backoff := time.Second
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := c.claimStale(ctx, stream, group, opts); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("Claiming stale deliveries failed", "queue", group, "error", err)
		}

		streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: c.consumer,
			Streams:  []string{stream, ">"},
			Count:    16,
			Block:    c.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				backoff = time.Second
				continue
			}
			slog.Warn("Queue read failed, backing off",
				"queue", group, "backoff", backoff, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			continue
		}
		backoff = time.Second

		for _, s := range streams {
			for _, msg := range s.Messages {
				c.handleDelivery(ctx, stream, group, opts, msg, 1)
			}
		}
	}
}

// ensureGroup creates the consumer group at the stream tail, tolerating
// a group that already exists.
func (c *Client) ensureGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// claimStale takes over deliveries stuck pending on dead consumers and
// parks poisoned ones on the DLQ.
func (c *Client) claimStale(ctx context.Context, stream, group string, opts SubscribeOptions) error {
	pending, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Idle:   c.cfg.ClaimMinIdle,
		Start:  "-",
		End:    "+",
		Count:  64,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}

	for _, p := range pending {
		if p.RetryCount > c.cfg.MaxDeliveries {
			c.parkOnDLQ(ctx, stream, group, opts.Queue, p.ID, p.RetryCount)
			continue
		}

		claimed, err := c.rdb.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: c.consumer,
			MinIdle:  c.cfg.ClaimMinIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return err
		}
		for _, msg := range claimed {
			// XCLAIM bumped the counter, so this attempt is RetryCount+1.
			c.handleDelivery(ctx, stream, group, opts, msg, p.RetryCount+1)
		}
	}
	return nil
}

// parkOnDLQ copies an exhausted delivery to the dead-letter stream and
// acks the original.
func (c *Client) parkOnDLQ(ctx context.Context, stream, group, queue, id string, attempts int64) {
	msgs, err := c.rdb.XRange(ctx, stream, id, id).Result()
	if err != nil || len(msgs) == 0 {
		slog.Error("Failed to read delivery for DLQ, acking blind",
			"queue", queue, "id", id, "error", err)
	} else {
		values := map[string]any{
			"origin_stream": stream,
			"origin_id":     id,
			"attempts":      attempts,
		}
		for k, v := range msgs[0].Values {
			values[k] = v
		}
		if err := c.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: dlqKey(queue),
			Values: values,
		}).Err(); err != nil {
			slog.Error("Failed to park delivery on DLQ", "queue", queue, "id", id, "error", err)
			return
		}
		slog.Warn("Delivery parked on DLQ", "queue", queue, "id", id, "attempts", attempts)
	}

	if err := c.rdb.XAck(ctx, stream, group, id).Err(); err != nil {
		slog.Error("Failed to ack DLQ-parked delivery", "queue", queue, "id", id, "error", err)
	}
	metrics.EventsConsumed.WithLabelValues(queue, "dlq").Inc()
}

// handleDelivery runs the handler and settles the message.
func (c *Client) handleDelivery(ctx context.Context, stream, group string, opts SubscribeOptions, msg redis.XMessage, attempt int64) {
	routingKey, _ := msg.Values["routing_key"].(string)
	body, _ := msg.Values["body"].(string)

	if routingKey == "" || body == "" {
		slog.Warn("Malformed bus entry, acking", "queue", opts.Queue, "id", msg.ID)
		c.ack(ctx, stream, group, opts.Queue, msg.ID, "drop")
		return
	}

	if !matchAny(opts.Bindings, routingKey) {
		c.ack(ctx, stream, group, opts.Queue, msg.ID, "filtered")
		return
	}

	err := opts.Handler(ctx, Delivery{
		Exchange:   opts.Exchange,
		RoutingKey: routingKey,
		Body:       []byte(body),
		ID:         msg.ID,
		Attempt:    attempt,
	})
	switch {
	case err == nil:
		c.ack(ctx, stream, group, opts.Queue, msg.ID, "ack")
	case errors.Is(err, ErrDrop):
		slog.Warn("Delivery dropped by handler",
			"queue", opts.Queue, "routing_key", routingKey, "id", msg.ID, "error", err)
		c.ack(ctx, stream, group, opts.Queue, msg.ID, "drop")
	default:
		// Leave pending; a consumer claims it again after the idle
		// threshold, until the retry budget parks it on the DLQ.
		slog.Error("Delivery failed, leaving pending",
			"queue", opts.Queue, "routing_key", routingKey, "id", msg.ID,
			"attempt", attempt, "error", err)
		metrics.EventsConsumed.WithLabelValues(opts.Queue, "nack").Inc()
	}
}

func (c *Client) ack(ctx context.Context, stream, group, queue, id, outcome string) {
	if err := c.rdb.XAck(ctx, stream, group, id).Err(); err != nil {
		slog.Error("Failed to ack delivery", "queue", queue, "id", id, "error", err)
		return
	}
	metrics.EventsConsumed.WithLabelValues(queue, outcome).Inc()
}

// BroadcastSubscribe receives fanout messages until ctx is cancelled.
// Fanout has no redelivery: handler errors are logged and the message
// is gone.
func (c *Client) BroadcastSubscribe(ctx context.Context, exchange string, handler Handler) error {
	sub := c.rdb.Subscribe(ctx, fanoutChannel(exchange))
	defer func() {
		if err := sub.Close(); err != nil {
			slog.Warn("Failed to close fanout subscription", "exchange", exchange, "error", err)
		}
	}()

	ch := sub.Channel()
	slog.Info("Fanout bound", "exchange", exchange, "consumer", c.consumer)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := handler(ctx, Delivery{
				Exchange: exchange,
				Body:     []byte(msg.Payload),
			}); err != nil {
				slog.Error("Fanout handler failed", "exchange", exchange, "error", err)
			}
		}
	}
}
