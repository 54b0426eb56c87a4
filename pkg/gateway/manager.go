// Package gateway delivers inference results to clients over
// ticket-authenticated WebSockets. Each socket is keyed by the job it
// was authorized for; a per-instance feed off the results exchange
// routes result messages to whichever gateway instance holds the
// socket, and terminal messages close it.
package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/loomery/loom/pkg/config"
	"github.com/loomery/loom/pkg/metrics"
)

// Manager tracks which WebSocket is waiting for each job's results.
type Manager struct {
	// Registry: job_id -> connection. The result consumer reads it from
	// its own goroutine.
	mu    sync.RWMutex
	conns map[uuid.UUID]*conn

	writeTimeout time.Duration
}

type conn struct {
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

func NewManager(cfg *config.GatewayConfig) *Manager {
	return &Manager{
		conns:        make(map[uuid.UUID]*conn),
		writeTimeout: cfg.WriteTimeout,
	}
}

// Serve registers the socket under its job id and blocks until the
// connection closes. Client frames carry no meaning here; the read
// loop exists to notice the client going away.
func (m *Manager) Serve(ctx context.Context, jobID uuid.UUID, ws *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	c := &conn{ws: ws, ctx: connCtx, cancel: cancel}

	m.register(jobID, c)
	defer m.unregister(jobID, c)

	for {
		if _, _, err := ws.Read(connCtx); err != nil {
			return
		}
	}
}

// Send forwards one result payload to the job's socket, if this
// instance holds it. A failed write drops the connection; the client
// is gone or too slow and the stream cannot be resumed.
func (m *Manager) Send(jobID uuid.UUID, payload []byte) {
	m.mu.RLock()
	c := m.conns[jobID]
	m.mu.RUnlock()
	if c == nil {
		return
	}

	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	if err := c.ws.Write(writeCtx, websocket.MessageText, payload); err != nil {
		slog.Warn("WebSocket send failed, dropping connection", "job_id", jobID, "error", err)
		c.cancel()
	}
}

// Close ends the job's socket from the server side with a normal
// closure, after the terminal payload has been sent.
func (m *Manager) Close(jobID uuid.UUID, reason string) {
	m.mu.RLock()
	c := m.conns[jobID]
	m.mu.RUnlock()
	if c == nil {
		return
	}
	_ = c.ws.Close(websocket.StatusNormalClosure, reason)
	c.cancel()
}

// Active returns the number of registered sockets.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// register stores the connection. A job has exactly one live socket;
// tickets are single-use, so a second registration means the old
// socket is a leftover from a half-closed client.
func (m *Manager) register(jobID uuid.UUID, c *conn) {
	m.mu.Lock()
	old := m.conns[jobID]
	m.conns[jobID] = c
	n := len(m.conns)
	m.mu.Unlock()
	metrics.WebSocketsActive.Set(float64(n))

	if old != nil {
		slog.Warn("Replacing existing socket for job", "job_id", jobID)
		// Close before cancel: cancelling the read context tears the
		// connection down without delivering the close frame.
		_ = old.ws.Close(websocket.StatusPolicyViolation, "Replaced by a newer connection.")
		old.cancel()
	}
	slog.Info("WebSocket connected", "job_id", jobID, "active", n)
}

// unregister removes the connection unless a newer one already took
// the slot.
func (m *Manager) unregister(jobID uuid.UUID, c *conn) {
	m.mu.Lock()
	if cur, ok := m.conns[jobID]; ok && cur == c {
		delete(m.conns, jobID)
	}
	n := len(m.conns)
	m.mu.Unlock()
	metrics.WebSocketsActive.Set(float64(n))

	c.cancel()
	_ = c.ws.Close(websocket.StatusNormalClosure, "")
	slog.Info("WebSocket disconnected", "job_id", jobID, "active", n)
}
