package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomery/loom/pkg/llm"
	"github.com/loomery/loom/pkg/models"
)

// TestResultSocketTickets covers the gateway handshake rules: a ticket
// is mandatory, burned on first use, and a newer connection for the
// same job evicts the older one.
func TestResultSocketTickets(t *testing.T) {
	model := llm.NewScriptedModel(llm.ScriptStep{Content: "done"})

	// Keep the job running so sockets stay open while we probe.
	proceed := make(chan struct{})
	model.OnGenerate = func(int) { <-proceed }

	app := NewTestApp(t, WithModel(model))
	stack := app.SeedInferenceStack(t)

	jobID, ticket := app.SubmitJob(t, stack.Owner, stack.Node, map[string]any{"prompt": "hold the line"})

	t.Run("missing ticket", func(t *testing.T) {
		rc := DialResults(context.Background(), t, app.GatewayWSURL, "")
		code, reason, err := rc.WaitClosed(10 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, websocket.StatusCode(4001), code)
		assert.Equal(t, "Ticket query parameter is required.", reason)
	})

	t.Run("unknown ticket", func(t *testing.T) {
		rc := DialResults(context.Background(), t, app.GatewayWSURL, "ws_ticket_bogus")
		code, reason, err := rc.WaitClosed(10 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, websocket.StatusCode(4003), code)
		assert.Equal(t, "Invalid, expired, or already used ticket.", reason)
	})

	first := DialResults(context.Background(), t, app.GatewayWSURL, ticket)
	require.Eventually(t, func() bool { return app.Gateway.Active() == 1 },
		10*time.Second, 10*time.Millisecond, "socket never registered with the gateway")

	t.Run("ticket is single use", func(t *testing.T) {
		rc := DialResults(context.Background(), t, app.GatewayWSURL, ticket)
		code, reason, err := rc.WaitClosed(10 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, websocket.StatusCode(4003), code)
		assert.Equal(t, "Invalid, expired, or already used ticket.", reason)
	})

	t.Run("newer connection replaces the older one", func(t *testing.T) {
		fresh, err := app.KV.MintTicket(context.Background(), jobID, stack.Owner.ID)
		require.NoError(t, err)
		second := DialResults(context.Background(), t, app.GatewayWSURL, fresh)

		code, reason, err := first.WaitClosed(10 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, websocket.StatusPolicyViolation, code)
		assert.Equal(t, "Replaced by a newer connection.", reason)

		// Release the model; the surviving socket gets the result.
		close(proceed)
		final, err := second.WaitForTerminal(15 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, jobID, final.JobID)
		assert.Equal(t, models.ResultStatusSuccess, final.Status)

		code, reason, err = second.WaitClosed(10 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, websocket.StatusNormalClosure, code)
		assert.Equal(t, "Job finished", reason)
	})
}
