package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/loomery/loom/pkg/config"
	"github.com/loomery/loom/pkg/errkind"
	"github.com/loomery/loom/pkg/metrics"
	"github.com/loomery/loom/pkg/version"
)

// ClientConn is one connection to a peer service, guarded by a circuit
// breaker. Domain errors (not-found and friends) never trip it; only
// transport failures do.
type ClientConn struct {
	target  string
	conn    *grpc.ClientConn
	breaker *gobreaker.CircuitBreaker
}

// Dial connects to a peer's RPC endpoint.
func Dial(target string, cfg *config.RPCConfig, extra ...grpc.DialOption) (*ClientConn, error) {
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUserAgent(version.Full()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
		grpc.WithChainUnaryInterceptor(
			timeoutUnaryInterceptor(cfg.Timeout),
			metricsUnaryInterceptor,
		),
	}, extra...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	bc := cfg.Breaker
	if bc == nil {
		bc = config.DefaultBreakerConfig()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        target,
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bc.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("RPC circuit state changed",
				"target", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return !transportFailure(err)
		},
	})

	return &ClientConn{target: target, conn: conn, breaker: breaker}, nil
}

// Invoke performs a unary call through the breaker and maps the result
// back to error kinds.
func (c *ClientConn) Invoke(ctx context.Context, method string, req, resp any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.conn.Invoke(ctx, method, req, resp)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errkind.Unavailable("circuit open for %s", c.target)
	}
	return fromStatusError(err)
}

func (c *ClientConn) Close() error {
	return c.conn.Close()
}

// timeoutUnaryInterceptor applies the default deadline when the caller
// set none.
func timeoutUnaryInterceptor(d time.Duration) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if _, ok := ctx.Deadline(); !ok && d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

func metricsUnaryInterceptor(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	start := time.Now()
	err := invoker(ctx, method, req, reply, cc, opts...)
	metrics.RPCClientDuration.WithLabelValues(method, status.Code(err).String()).Observe(time.Since(start).Seconds())
	return err
}

// Clients bundles the typed clients a process needs. Targets sharing
// an address share one connection.
type Clients struct {
	Nodes  *NodeServiceClient
	Models *ModelServiceClient
	Tools  *ToolServiceClient
	Memory *MemoryServiceClient
	Files  *FileServiceClient

	conns map[string]*ClientConn
}

// DialAll connects to every configured peer endpoint.
func DialAll(cfg *config.RPCConfig) (*Clients, error) {
	c := &Clients{conns: make(map[string]*ClientConn)}

	dial := func(target string) (*ClientConn, error) {
		if cc, ok := c.conns[target]; ok {
			return cc, nil
		}
		cc, err := Dial(target, cfg)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.conns[target] = cc
		return cc, nil
	}

	cc, err := dial(cfg.Endpoints.Nodes)
	if err != nil {
		return nil, err
	}
	c.Nodes = NewNodeServiceClient(cc)

	if cc, err = dial(cfg.Endpoints.AIModels); err != nil {
		return nil, err
	}
	c.Models = NewModelServiceClient(cc)

	if cc, err = dial(cfg.Endpoints.Tools); err != nil {
		return nil, err
	}
	c.Tools = NewToolServiceClient(cc)

	if cc, err = dial(cfg.Endpoints.Memory); err != nil {
		return nil, err
	}
	c.Memory = NewMemoryServiceClient(cc)

	if cc, err = dial(cfg.Endpoints.Files); err != nil {
		return nil, err
	}
	c.Files = NewFileServiceClient(cc)

	return c, nil
}

// Close closes every underlying connection.
func (c *Clients) Close() error {
	var firstErr error
	for _, cc := range c.conns {
		if err := cc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
