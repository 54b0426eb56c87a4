// Package bus is the event bus adapter. It maps AMQP-style topic
// exchanges onto Redis streams: one stream per exchange, one consumer
// group per durable queue, routing-key filtering on the consumer side.
// Fanout exchanges map onto Redis pub/sub channels so every bound
// instance sees every message.
package bus

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/loomery/loom/pkg/config"
)

// ErrDrop tells the consumer loop to ack a delivery without retrying
// it. Handlers return it for malformed or semantically stale messages.
var ErrDrop = errors.New("drop delivery without retry")

// Delivery is one message handed to a Handler.
type Delivery struct {
	Exchange   string
	RoutingKey string
	Body       []byte

	// ID is the stream entry id; empty for fanout deliveries.
	ID string

	// Attempt counts deliveries of this entry, starting at 1.
	Attempt int64
}

// Handler processes one delivery. A nil return acks the message; ErrDrop
// acks without processing; any other error leaves the message pending
// for redelivery.
type Handler func(ctx context.Context, d Delivery) error

// Client is a process-wide bus connection.
type Client struct {
	rdb      *redis.Client
	cfg      *config.BusConfig
	consumer string
}

// Connect opens the bus connection and verifies it with a ping.
func Connect(ctx context.Context, url string, cfg *config.BusConfig) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid bus url: %w", err)
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to bus: %w", err)
	}

	return &Client{
		rdb:      rdb,
		cfg:      cfg,
		consumer: consumerName(),
	}, nil
}

// NewClientFromRedis wraps an existing Redis client (useful for testing)
func NewClientFromRedis(rdb *redis.Client, cfg *config.BusConfig) *Client {
	return &Client{rdb: rdb, cfg: cfg, consumer: consumerName()}
}

// Redis exposes the underlying connection for the ephemeral KV records
// (job ownership, WebSocket tickets) that share the bus instance.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// ConsumerName identifies this process within consumer groups.
func (c *Client) ConsumerName() string {
	return c.consumer
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// streamKey is the Redis stream backing a topic exchange.
func streamKey(exchange string) string {
	return "loom:events:" + exchange
}

// fanoutChannel is the pub/sub channel backing a fanout exchange.
func fanoutChannel(exchange string) string {
	return "loom:fanout:" + exchange
}

// dlqKey is the parking stream for a queue's poisoned deliveries.
func dlqKey(queue string) string {
	return "loom:dlq:" + queue
}

// consumerName derives a stable-enough consumer identity:
// hostname plus a random suffix so restarted pods do not collide.
func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return host + "-" + uuid.NewString()[:8]
}
