package e2e

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/loomery/loom/pkg/llm"
	"github.com/loomery/loom/pkg/models"
)

// ────────────────────────────────────────────────────────────
// Conversation memory
// ────────────────────────────────────────────────────────────

// TestMemoryAcrossJobs runs two jobs against a memory-bound node. The
// first turn is written back to the bucket after the job completes and
// arrives as conversation history in the second job's model call. A
// replayed update batch must not write twice.
func TestMemoryAcrossJobs(t *testing.T) {
	const (
		question1 = "Remember this: the access code is 7-2-9."
		answer1   = "Noted: the access code is 7-2-9."
		question2 = "What is the access code?"
		answer2   = "The access code you told me is 7-2-9."
	)

	model := llm.NewScriptedModel(
		llm.ScriptStep{Content: answer1},
		llm.ScriptStep{Content: answer2},
	)

	// One gate per job so neither publishes before its socket attaches.
	gates := []chan struct{}{make(chan struct{}), make(chan struct{})}
	model.OnGenerate = func(call int) {
		if call < len(gates) {
			<-gates[call]
		}
	}

	app := NewTestApp(t, WithModel(model))
	stack := app.SeedInferenceStack(t)

	bucketID := app.CreateBucket(t, stack.Owner, stack.Project, "conversation", nil)
	app.putJSON(t, stack.Owner.Access, "/nodes/"+stack.Node.String(), map[string]any{
		"configuration": map[string]any{
			"memory_config": map[string]any{"is_enabled": true, "bucket_id": bucketID.String()},
		},
	}, http.StatusOK)

	runTurn := func(prompt string, call int) (uuid.UUID, models.ResultMessage) {
		t.Helper()
		jobID, ticket := app.SubmitJob(t, stack.Owner, stack.Node, map[string]any{
			"prompt":        prompt,
			"output_config": map[string]any{"mode": "blocking"},
		})
		rc := DialResults(context.Background(), t, app.GatewayWSURL, ticket)
		require.Eventually(t, func() bool { return app.Gateway.Active() == 1 },
			10*time.Second, 10*time.Millisecond, "socket never registered with the gateway")
		close(gates[call])

		final, err := rc.WaitForTerminal(15 * time.Second)
		require.NoError(t, err)
		require.Equal(t, jobID, final.JobID)
		require.Equal(t, models.ResultStatusSuccess, final.Status)

		_, _, err = rc.WaitClosed(10 * time.Second)
		require.NoError(t, err)
		return jobID, final
	}

	firstJob, first := runTurn(question1, 0)
	assert.Equal(t, answer1, first.Content)
	app.WaitForMessageCount(t, bucketID, 2)

	_, second := runTurn(question2, 1)
	assert.Equal(t, answer2, second.Content)
	app.WaitForMessageCount(t, bucketID, 4)

	// The second model call must carry the first turn as history.
	require.Equal(t, 2, model.CallCount())
	msgs := model.Calls()[1].Messages
	require.Len(t, msgs, 4, "expected system, prior user, prior assistant, and current user turns")
	assert.Equal(t, llms.ChatMessageTypeSystem, msgs[0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, msgs[1].Role)
	assert.Equal(t, question1, turnText(t, msgs[1]))
	assert.Equal(t, llms.ChatMessageTypeAI, msgs[2].Role)
	assert.Equal(t, answer1, turnText(t, msgs[2]))
	assert.Equal(t, llms.ChatMessageTypeHuman, msgs[3].Role)
	assert.Equal(t, question2, turnText(t, msgs[3]))

	// The recall window mirrors the stored transcript.
	hist := app.getJSON(t, stack.Owner.Access, "/buckets/"+bucketID.String()+"/history", http.StatusOK)
	entries := historyEntries(t, hist)
	require.Len(t, entries, 4)
	for i, want := range []string{models.RoleUser, models.RoleAssistant, models.RoleUser, models.RoleAssistant} {
		assert.Equal(t, want, entries[i]["role"], "entry %d", i)
	}

	t.Run("replayed update batch is dropped", func(t *testing.T) {
		replay := models.MemoryContextUpdateEvent{
			IdempotencyKey: firstJob.String(),
			MemoryBucketID: bucketID,
			MessagesToAdd: []models.MessageToAdd{
				{Role: models.RoleUser, Content: []models.ContentPart{{Type: models.ContentTypeText, Text: question1}}},
				{Role: models.RoleAssistant, Content: []models.ContentPart{{Type: models.ContentTypeText, Text: answer1}}},
			},
		}
		require.NoError(t, app.Bus.Publish(context.Background(),
			models.ExchangeMemory, models.KeyMemoryContextUpdate, replay))

		// The update queue is consumed in order: once a probe batch for
		// a fresh bucket lands, the replay has already been processed.
		sentinel := app.CreateBucket(t, stack.Owner, stack.Project, "sentinel", nil)
		probe := models.MemoryContextUpdateEvent{
			IdempotencyKey: uuid.NewString(),
			MemoryBucketID: sentinel,
			MessagesToAdd: []models.MessageToAdd{
				{Role: models.RoleUser, Content: []models.ContentPart{{Type: models.ContentTypeText, Text: "probe"}}},
			},
		}
		require.NoError(t, app.Bus.Publish(context.Background(),
			models.ExchangeMemory, models.KeyMemoryContextUpdate, probe))
		app.WaitForMessageCount(t, sentinel, 1)

		assert.Equal(t, 4, app.MessageCount(t, bucketID), "replay must not append a second copy")
	})
}

// TestFileInputsPersistedInMemory submits file-backed jobs against a
// memory-bound node, once with input persistence and once without. The
// persisted turn stores the resolved file text; the default keeps a
// reference.
func TestFileInputsPersistedInMemory(t *testing.T) {
	const fileBody = "the vault combination is 41-8-15"

	model := llm.NewScriptedModel(
		llm.ScriptStep{Content: "Understood."},
		llm.ScriptStep{Content: "Still understood."},
	)
	gates := []chan struct{}{make(chan struct{}), make(chan struct{})}
	model.OnGenerate = func(call int) {
		if call < len(gates) {
			<-gates[call]
		}
	}

	app := NewTestApp(t, WithModel(model))
	stack := app.SeedInferenceStack(t)

	bucketID := app.CreateBucket(t, stack.Owner, stack.Project, "dossier", nil)
	app.putJSON(t, stack.Owner.Access, "/nodes/"+stack.Node.String(), map[string]any{
		"configuration": map[string]any{
			"memory_config": map[string]any{"is_enabled": true, "bucket_id": bucketID.String()},
		},
	}, http.StatusOK)

	fileID := app.UploadFile(t, stack.Owner, stack.Project, "vault.txt", fileBody)

	submit := func(call int, persist bool) {
		t.Helper()
		jobID, ticket := app.SubmitJob(t, stack.Owner, stack.Node, map[string]any{
			"prompt": "Keep this safe.",
			"inputs": []map[string]any{{"type": models.InputTypeFileID, "id": fileID}},
			"output_config": map[string]any{
				"mode":                     "blocking",
				"persist_inputs_in_memory": persist,
			},
		})
		rc := DialResults(context.Background(), t, app.GatewayWSURL, ticket)
		require.Eventually(t, func() bool { return app.Gateway.Active() == 1 },
			10*time.Second, 10*time.Millisecond, "socket never registered with the gateway")
		close(gates[call])

		final, err := rc.WaitForTerminal(15 * time.Second)
		require.NoError(t, err)
		require.Equal(t, jobID, final.JobID)
		require.Equal(t, models.ResultStatusSuccess, final.Status)

		_, _, err = rc.WaitClosed(10 * time.Second)
		require.NoError(t, err)
	}

	submit(0, true)
	app.WaitForMessageCount(t, bucketID, 2)
	submit(1, false)
	app.WaitForMessageCount(t, bucketID, 4)

	hist := app.getJSON(t, stack.Owner.Access, "/buckets/"+bucketID.String()+"/history", http.StatusOK)
	entries := historyEntries(t, hist)
	require.Len(t, entries, 4)

	// Persisted turn: prompt text plus the file's resolved content.
	parts := entryParts(t, entries[0])
	require.Len(t, parts, 2)
	assert.Equal(t, models.ContentTypeText, parts[0]["type"])
	assert.Equal(t, "Keep this safe.", parts[0]["text"])
	assert.Equal(t, models.ContentTypeText, parts[1]["type"])
	assert.Equal(t, fileBody, parts[1]["text"])

	// Default turn: the file stays a reference.
	parts = entryParts(t, entries[2])
	require.Len(t, parts, 2)
	assert.Equal(t, models.ContentTypeFileRef, parts[1]["type"])
	assert.Equal(t, fileID.String(), parts[1]["file_id"])
}

// turnText unwraps a single-part text turn.
func turnText(t *testing.T, msg llms.MessageContent) string {
	t.Helper()
	require.Len(t, msg.Parts, 1)
	part, ok := msg.Parts[0].(llms.TextContent)
	require.True(t, ok, "turn should be a single text part")
	return part.Text
}

// historyEntries unwraps the history array of a GET history response.
func historyEntries(t *testing.T, resp map[string]any) []map[string]any {
	t.Helper()
	raw, ok := resp["history"].([]any)
	require.True(t, ok, "history response has no history array: %v", resp)
	out := make([]map[string]any, len(raw))
	for i, r := range raw {
		entry, ok := r.(map[string]any)
		require.True(t, ok)
		out[i] = entry
	}
	return out
}

// entryParts unwraps the content parts of one history entry.
func entryParts(t *testing.T, entry map[string]any) []map[string]any {
	t.Helper()
	raw, ok := entry["content"].([]any)
	require.True(t, ok, "history entry has no content array: %v", entry)
	out := make([]map[string]any, len(raw))
	for i, r := range raw {
		part, ok := r.(map[string]any)
		require.True(t, ok)
		out[i] = part
	}
	return out
}
