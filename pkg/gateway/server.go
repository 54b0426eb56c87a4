package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/loomery/loom/pkg/config"
	"github.com/loomery/loom/pkg/inference"
	"github.com/loomery/loom/pkg/metrics"
)

// Application close codes on the results socket.
const (
	codeTicketRequired = websocket.StatusCode(4001)
	codeTicketInvalid  = websocket.StatusCode(4003)
)

// TicketStore authorizes connect handshakes. Implemented by
// inference.KV; consuming a ticket invalidates it.
type TicketStore interface {
	ConsumeTicket(ctx context.Context, ticket string) (inference.Ticket, error)
}

// Server is the gateway's HTTP surface: the results WebSocket endpoint
// plus health and metrics.
type Server struct {
	echo    *echo.Echo
	http    *http.Server
	manager *Manager
	tickets TicketStore
	origins []string
}

func NewServer(manager *Manager, tickets TicketStore, cfg *config.GatewayConfig) *Server {
	s := &Server{manager: manager, tickets: tickets, origins: cfg.AllowedOrigins}

	e := echo.New()
	e.GET("/health", s.handleHealth)
	e.GET("/metrics", func(c *echo.Context) error {
		metrics.Handler().ServeHTTP(c.Response(), c.Request())
		return nil
	})
	e.GET("/ws/results/", s.handleResults)

	s.echo = e
	s.http = &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: e}
	return s
}

// Handler exposes the underlying HTTP handler for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	slog.Info("Gateway listening", "addr", s.http.Addr)
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "service": "gateway"})
}

// handleResults upgrades the connection, consumes the presented
// ticket, and hands the socket to the manager for the life of the job.
// Ticket failures close with an application code the client can
// distinguish from transport trouble.
func (s *Server) handleResults(c *echo.Context) error {
	ws, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns: s.origins,
	})
	if err != nil {
		return err
	}

	ticket := c.QueryParam("ticket")
	if ticket == "" {
		_ = ws.Close(codeTicketRequired, "Ticket query parameter is required.")
		return nil
	}

	t, err := s.tickets.ConsumeTicket(c.Request().Context(), ticket)
	if err != nil {
		slog.Warn("WebSocket ticket rejected", "error", err)
		_ = ws.Close(codeTicketInvalid, "Invalid, expired, or already used ticket.")
		return nil
	}

	slog.Info("WebSocket ticket accepted", "job_id", t.JobID, "user_id", t.UserID)
	s.manager.Serve(c.Request().Context(), t.JobID, ws)
	return nil
}
