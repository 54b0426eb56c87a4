package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/loomery/loom/pkg/models"
)

// ResultClient consumes a job's result stream from the gateway. It
// dials with a ticket, records every result message in arrival order,
// and remembers how the server closed the socket.
type ResultClient struct {
	conn *websocket.Conn

	mu          sync.Mutex
	messages    []models.ResultMessage
	closed      bool
	closeCode   websocket.StatusCode
	closeReason string

	done chan struct{}
}

// DialResults connects to the gateway's results endpoint. The dial
// itself succeeds even for bad tickets; rejections arrive as a close
// status, so callers assert on WaitClosed. Pass an empty ticket to
// omit the query parameter entirely.
func DialResults(ctx context.Context, t *testing.T, wsURL, ticket string) *ResultClient {
	t.Helper()

	u := wsURL
	if ticket != "" {
		u += "?ticket=" + url.QueryEscape(ticket)
	}
	conn, _, err := websocket.Dial(ctx, u, nil)
	require.NoError(t, err, "dial results socket")

	c := &ResultClient{
		conn:      conn,
		closeCode: -1,
		done:      make(chan struct{}),
	}
	go c.readLoop(ctx)

	t.Cleanup(func() {
		_ = conn.CloseNow()
		<-c.done
	})
	return c
}

// readLoop collects messages until the server closes the socket or the
// context ends.
func (c *ResultClient) readLoop(ctx context.Context) {
	defer close(c.done)
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			c.closed = true
			c.closeCode = websocket.CloseStatus(err)
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				c.closeReason = ce.Reason
			}
			c.mu.Unlock()
			return
		}

		var msg models.ResultMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // not a result frame; ignore
		}
		c.mu.Lock()
		c.messages = append(c.messages, msg)
		c.mu.Unlock()
	}
}

// Messages returns a snapshot of everything received so far.
func (c *ResultClient) Messages() []models.ResultMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.ResultMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

// Chunks returns the streamed chunk contents in arrival order.
func (c *ResultClient) Chunks() []string {
	var out []string
	for _, m := range c.Messages() {
		if m.Type == models.ResultTypeChunk {
			out = append(out, m.Content)
		}
	}
	return out
}

// WaitForTerminal blocks until a final or error message arrives and
// returns it.
func (c *ResultClient) WaitForTerminal(timeout time.Duration) (models.ResultMessage, error) {
	deadline := time.After(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		for _, m := range c.Messages() {
			if m.IsTerminal() {
				return m, nil
			}
		}
		select {
		case <-deadline:
			return models.ResultMessage{}, fmt.Errorf("no terminal result within %v (got %d messages)",
				timeout, len(c.Messages()))
		case <-ticker.C:
		case <-c.done:
			// Drain whatever arrived before the close.
			for _, m := range c.Messages() {
				if m.IsTerminal() {
					return m, nil
				}
			}
			return models.ResultMessage{}, fmt.Errorf("socket closed before a terminal result (got %d messages)",
				len(c.Messages()))
		}
	}
}

// WaitClosed blocks until the server closes the socket and returns the
// close code and reason.
func (c *ResultClient) WaitClosed(timeout time.Duration) (websocket.StatusCode, string, error) {
	select {
	case <-c.done:
	case <-time.After(timeout):
		return -1, "", fmt.Errorf("socket still open after %v", timeout)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason, nil
}
