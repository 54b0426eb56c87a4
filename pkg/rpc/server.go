package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"

	"github.com/loomery/loom/pkg/config"
)

// Server hosts the process's RPC services.
type Server struct {
	cfg  *config.RPCConfig
	grpc *grpc.Server
}

func NewServer(cfg *config.RPCConfig) *Server {
	return &Server{
		cfg:  cfg,
		grpc: grpc.NewServer(grpc.ChainUnaryInterceptor(unaryServerLog)),
	}
}

// RegisterService attaches a hand-declared service descriptor and its
// implementation.
func (s *Server) RegisterService(desc *grpc.ServiceDesc, impl any) {
	s.grpc.RegisterService(desc, impl)
}

// Start listens on the configured address and serves until stopped.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("rpc listen on %s: %w", s.cfg.Listen, err)
	}
	slog.Info("RPC server listening", "addr", s.cfg.Listen)
	return s.grpc.Serve(lis)
}

// Serve runs on a caller-supplied listener. Tests use this with an
// in-memory pipe.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// GracefulStop drains in-flight calls and stops the server.
func (s *Server) GracefulStop() {
	s.grpc.GracefulStop()
}

// unaryServerLog times every call and converts handler errors to
// status codes carrying the error kind.
func unaryServerLog(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		slog.Warn("RPC call failed",
			"method", info.FullMethod,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
		return nil, toStatusError(err)
	}
	slog.Debug("RPC call handled",
		"method", info.FullMethod,
		"duration_ms", time.Since(start).Milliseconds())
	return resp, nil
}
