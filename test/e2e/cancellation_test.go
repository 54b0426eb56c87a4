package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/loomery/loom/pkg/bus"
	"github.com/loomery/loom/pkg/llm"
	"github.com/loomery/loom/pkg/models"
)

// TestJobCancellation cancels a job mid-run. The owner's request is
// broadcast to every executor, the running agent loop stops, and the
// client receives a cancellation error before the socket closes
// normally. A non-owner's attempt is refused without touching the job.
func TestJobCancellation(t *testing.T) {
	// Script more tool rounds than the cancel could ever need; the
	// loop keeps spinning until the broadcast lands.
	steps := make([]llm.ScriptStep, 0, 6)
	for i := 0; i < 6; i++ {
		steps = append(steps, llm.ScriptStep{ToolCalls: []llms.ToolCall{{
			ID:   fmt.Sprintf("call-%d", i+1),
			Type: "function",
			FunctionCall: &llms.FunctionCall{
				Name:      "get_current_weather",
				Arguments: `{"location": "Paris"}`,
			},
		}}})
	}
	model := llm.NewScriptedModel(steps...)

	started := make(chan struct{})
	proceed := make(chan struct{})
	model.OnGenerate = func(call int) {
		if call == 0 {
			close(started)
			<-proceed
		}
	}

	app := NewTestApp(t, WithModel(model))
	stack := app.SeedInferenceStack(t, models.CapabilityText, models.CapabilityToolUse)

	weatherID := app.BuiltinToolID(t, stack.Owner, "get_current_weather")
	app.putJSON(t, stack.Owner.Access, "/nodes/"+stack.Node.String(), map[string]any{
		"configuration": map[string]any{
			"tool_config": map[string]any{"tool_ids": []any{weatherID.String()}},
		},
	}, http.StatusOK)

	// A second subscriber on the control fanout tells us when the
	// cancel broadcast is actually out.
	sawCancel := make(chan models.CancelMessage, 1)
	listenCtx, stopListening := context.WithCancel(context.Background())
	t.Cleanup(stopListening)
	go func() {
		_ = app.Bus.BroadcastSubscribe(listenCtx, models.ExchangeJobControl, func(_ context.Context, d bus.Delivery) error {
			var msg models.CancelMessage
			if err := json.Unmarshal(d.Body, &msg); err == nil {
				select {
				case sawCancel <- msg:
				default:
				}
			}
			return nil
		})
	}()
	app.WaitForCancelListeners(2)

	jobID, ticket := app.SubmitJob(t, stack.Owner, stack.Node, map[string]any{"prompt": "count to a billion"})
	rc := DialResults(context.Background(), t, app.GatewayWSURL, ticket)
	require.Eventually(t, func() bool { return app.Gateway.Active() == 1 },
		10*time.Second, 10*time.Millisecond, "socket never registered with the gateway")

	select {
	case <-started:
	case <-time.After(15 * time.Second):
		t.Fatal("job never reached the model")
	}

	t.Run("non-owner is refused", func(t *testing.T) {
		intruder := app.RegisterUser(t, "intruder")
		refused := app.deleteJSON(t, intruder.Access, "/jobs/"+jobID.String(), http.StatusForbidden)
		assert.Equal(t, fmt.Sprintf("job %s belongs to another user", jobID), refused["message"])
	})

	accepted := app.deleteJSON(t, stack.Owner.Access, "/jobs/"+jobID.String(), http.StatusAccepted)
	assert.Equal(t, "cancellation_requested", accepted["status"])

	select {
	case msg := <-sawCancel:
		assert.Equal(t, jobID, msg.JobID)
		assert.Equal(t, stack.Owner.ID, msg.UserID)
	case <-time.After(15 * time.Second):
		t.Fatal("cancel broadcast never reached the fanout")
	}

	// Release the model; the executor has already cut the job context.
	close(proceed)

	final, err := rc.WaitForTerminal(15 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, jobID, final.JobID)
	assert.Equal(t, models.ResultStatusError, final.Status)
	assert.Equal(t, "Job was cancelled by the user.", final.Error)

	code, reason, err := rc.WaitClosed(10 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, websocket.StatusNormalClosure, code)
	assert.Equal(t, "Job finished", reason)

	t.Run("ownership record is burned with the cancel", func(t *testing.T) {
		gone := app.deleteJSON(t, stack.Owner.Access, "/jobs/"+jobID.String(), http.StatusNotFound)
		assert.Equal(t, fmt.Sprintf("job %s not found", jobID), gone["message"])
	})
}

// TestCancelUnknownJob rejects a cancel for a job nobody submitted.
func TestCancelUnknownJob(t *testing.T) {
	app := NewTestApp(t, WithoutExecutor())
	acct := app.RegisterUser(t, "eager-canceller")

	jobID := uuid.New()
	resp := app.deleteJSON(t, acct.Access, "/jobs/"+jobID.String(), http.StatusNotFound)
	assert.Equal(t, fmt.Sprintf("job %s not found", jobID), resp["message"])
}
