package e2e

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/loomery/loom/pkg/models"
)

const testPassword = "correct-horse-battery"

// ────────────────────────────────────────────────────────────
// Accounts
// ────────────────────────────────────────────────────────────

// Account is a registered test user plus its bearer tokens.
type Account struct {
	ID       uuid.UUID
	Email    string
	Username string
	Access   string
	Refresh  string
}

// RegisterUser creates an account through the public API and logs it
// in.
func (app *TestApp) RegisterUser(t *testing.T, username string) *Account {
	t.Helper()
	email := username + "@example.com"
	created := app.postJSON(t, "", "/auth/register", map[string]any{
		"email":    email,
		"username": username,
		"password": testPassword,
	}, http.StatusCreated)

	acct := &Account{
		ID:       fieldUUID(t, created, "id"),
		Email:    email,
		Username: username,
	}
	app.login(t, acct)
	return acct
}

// PromoteToStaff flips the account's staff flag directly in the
// database (there is no public route for it) and re-issues tokens so
// the claim is present.
func (app *TestApp) PromoteToStaff(t *testing.T, acct *Account) {
	t.Helper()
	_, err := app.DBClient.DB().ExecContext(context.Background(),
		`UPDATE users SET is_staff = TRUE WHERE id = $1`, acct.ID)
	require.NoError(t, err)
	app.login(t, acct)
}

func (app *TestApp) login(t *testing.T, acct *Account) {
	t.Helper()
	pair := app.postJSON(t, "", "/auth/token", map[string]any{
		"email":    acct.Email,
		"password": testPassword,
	}, http.StatusOK)
	acct.Access = fieldString(t, pair, "access")
	acct.Refresh = fieldString(t, pair, "refresh")
}

// ────────────────────────────────────────────────────────────
// HTTP client
// ────────────────────────────────────────────────────────────

func (app *TestApp) postJSON(t *testing.T, token, path string, body any, expectedStatus int) map[string]any {
	t.Helper()
	return app.doJSON(t, http.MethodPost, token, path, body, expectedStatus)
}

func (app *TestApp) putJSON(t *testing.T, token, path string, body any, expectedStatus int) map[string]any {
	t.Helper()
	return app.doJSON(t, http.MethodPut, token, path, body, expectedStatus)
}

func (app *TestApp) getJSON(t *testing.T, token, path string, expectedStatus int) map[string]any {
	t.Helper()
	return app.doJSON(t, http.MethodGet, token, path, nil, expectedStatus)
}

func (app *TestApp) deleteJSON(t *testing.T, token, path string, expectedStatus int) map[string]any {
	t.Helper()
	return app.doJSON(t, http.MethodDelete, token, path, nil, expectedStatus)
}

func (app *TestApp) doJSON(t *testing.T, method, token, path string, body any, expectedStatus int) map[string]any {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, app.BaseURL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, expectedStatus, resp.StatusCode,
		"%s %s returned unexpected status; body: %s", method, path, string(raw))

	if len(raw) == 0 {
		return nil
	}
	var parsed map[string]any
	require.NoError(t, json.Unmarshal(raw, &parsed), "parse response of %s %s: %s", method, path, string(raw))
	return parsed
}

func fieldString(t *testing.T, m map[string]any, key string) string {
	t.Helper()
	v, ok := m[key].(string)
	require.True(t, ok, "response field %q missing or not a string: %v", key, m)
	return v
}

func fieldUUID(t *testing.T, m map[string]any, key string) uuid.UUID {
	t.Helper()
	id, err := uuid.Parse(fieldString(t, m, key))
	require.NoError(t, err, "response field %q is not a UUID", key)
	return id
}

// ────────────────────────────────────────────────────────────
// Seeding
// ────────────────────────────────────────────────────────────

// blueprintSchema is a minimal provider blueprint: one required
// api_key credential plus the usual sampling parameters.
func blueprintSchema() map[string]any {
	return map[string]any{
		"credentials": map[string]any{
			"properties": map[string]any{
				"api_key": map[string]any{"type": "string"},
			},
			"required": []any{"api_key"},
		},
		"parameters": map[string]any{
			"properties": map[string]any{
				"model_name":  map[string]any{"type": "string"},
				"temperature": map[string]any{"type": "number"},
			},
		},
	}
}

// userModelConfig fills the blueprint shape with concrete values.
func userModelConfig() map[string]any {
	return map[string]any{
		"credentials": map[string]any{
			"properties": map[string]any{
				"api_key": map[string]any{"default": "sk-test-key"},
			},
		},
		"parameters": map[string]any{
			"properties": map[string]any{
				"model_name": map[string]any{"default": "scripted-1"},
			},
		},
	}
}

// SeedBlueprint registers a system blueprint under the staff account.
func (app *TestApp) SeedBlueprint(t *testing.T, staff *Account, provider string, capabilities ...string) uuid.UUID {
	t.Helper()
	body := map[string]any{
		"provider":      provider,
		"name":          provider + "-blueprint",
		"configuration": blueprintSchema(),
	}
	if len(capabilities) > 0 {
		body["capabilities"] = capabilities
	}
	resp := app.postJSON(t, staff.Access, "/models", body, http.StatusCreated)
	return fieldUUID(t, resp, "id")
}

// SeedUserModel registers a user model bound to the provider's
// blueprint.
func (app *TestApp) SeedUserModel(t *testing.T, acct *Account, provider, name string) uuid.UUID {
	t.Helper()
	resp := app.postJSON(t, acct.Access, "/models", map[string]any{
		"provider":      provider,
		"name":          name,
		"configuration": userModelConfig(),
	}, http.StatusCreated)
	return fieldUUID(t, resp, "id")
}

// CreateProject creates a project owned by the account.
func (app *TestApp) CreateProject(t *testing.T, acct *Account, name string) uuid.UUID {
	t.Helper()
	resp := app.postJSON(t, acct.Access, "/projects", map[string]any{"name": name}, http.StatusCreated)
	return fieldUUID(t, resp, "id")
}

// CreateDraftNode runs stage one of node creation.
func (app *TestApp) CreateDraftNode(t *testing.T, acct *Account, projectID uuid.UUID, name string) uuid.UUID {
	t.Helper()
	resp := app.postJSON(t, acct.Access, "/nodes/draft", map[string]any{
		"project_id": projectID,
		"name":       name,
	}, http.StatusCreated)
	return fieldUUID(t, resp, "id")
}

// ConfigureNodeModel runs stage two: pin a model and activate the node.
func (app *TestApp) ConfigureNodeModel(t *testing.T, acct *Account, nodeID, modelID uuid.UUID) map[string]any {
	t.Helper()
	return app.postJSON(t, acct.Access, "/nodes/"+nodeID.String()+"/configure-model",
		map[string]any{"model_id": modelID}, http.StatusOK)
}

// CreateBucket creates a memory bucket in the project.
func (app *TestApp) CreateBucket(t *testing.T, acct *Account, projectID uuid.UUID, name string, config map[string]any) uuid.UUID {
	t.Helper()
	body := map[string]any{
		"project_id":  projectID,
		"name":        name,
		"memory_type": string(models.MemoryTypeBufferWindow),
	}
	if config != nil {
		body["config"] = config
	}
	resp := app.postJSON(t, acct.Access, "/buckets", body, http.StatusCreated)
	return fieldUUID(t, resp, "id")
}

// CreateWebhookTool registers a user webhook tool.
func (app *TestApp) CreateWebhookTool(t *testing.T, acct *Account, name, execURL string) uuid.UUID {
	t.Helper()
	resp := app.postJSON(t, acct.Access, "/tools", map[string]any{
		"name":      name,
		"tool_type": string(models.ToolTypeStandard),
		"definition": map[string]any{
			"description": "test webhook tool",
			"parameters": map[string]any{
				"type":       "object",
				"properties": map[string]any{"input": map[string]any{"type": "string"}},
			},
			"execution": map[string]any{"type": string(models.ExecutionTypeWebhook), "url": execURL},
		},
	}, http.StatusCreated)
	return fieldUUID(t, resp, "id")
}

// BuiltinToolID finds a seeded system tool by name in the listing.
func (app *TestApp) BuiltinToolID(t *testing.T, acct *Account, name string) uuid.UUID {
	t.Helper()
	resp := app.getJSON(t, acct.Access, "/tools", http.StatusOK)
	tools, ok := resp["tools"].([]any)
	require.True(t, ok, "tools listing has no tools array: %v", resp)
	for _, raw := range tools {
		tool, ok := raw.(map[string]any)
		require.True(t, ok)
		if tool["name"] == name {
			return fieldUUID(t, tool, "id")
		}
	}
	t.Fatalf("built-in tool %q not in listing", name)
	return uuid.Nil
}

// UploadFile uploads text content as a project file and returns its id.
func (app *TestApp) UploadFile(t *testing.T, acct *Account, projectID uuid.UUID, filename, content string) uuid.UUID {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("project_id", projectID.String()))
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req, err := http.NewRequest(http.MethodPost, app.BaseURL+"/files", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+acct.Access)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode, "upload failed: %s", string(raw))

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(raw, &parsed))
	return fieldUUID(t, parsed, "id")
}

// Stack is the standard seeded fixture: an owner with a project and an
// ACTIVE node pinned to a user model, plus the staff account that
// registered the blueprint.
type Stack struct {
	Owner     *Account
	Staff     *Account
	Blueprint uuid.UUID
	Model     uuid.UUID
	Project   uuid.UUID
	Node      uuid.UUID
}

// SeedInferenceStack builds the fixture end to end through the public
// API. The blueprint gets the given capabilities (text if none).
func (app *TestApp) SeedInferenceStack(t *testing.T, capabilities ...string) *Stack {
	t.Helper()
	if len(capabilities) == 0 {
		capabilities = []string{models.CapabilityText}
	}

	staff := app.RegisterUser(t, "staff-"+uuid.NewString()[:8])
	app.PromoteToStaff(t, staff)
	owner := app.RegisterUser(t, "owner-"+uuid.NewString()[:8])

	blueprint := app.SeedBlueprint(t, staff, models.ProviderOpenAI, capabilities...)
	model := app.SeedUserModel(t, owner, models.ProviderOpenAI, "my-model")
	project := app.CreateProject(t, owner, "test-project")
	node := app.CreateDraftNode(t, owner, project, "test-node")
	app.ConfigureNodeModel(t, owner, node, model)

	return &Stack{Owner: owner, Staff: staff, Blueprint: blueprint, Model: model, Project: project, Node: node}
}

// ────────────────────────────────────────────────────────────
// Jobs
// ────────────────────────────────────────────────────────────

// SubmitJob posts an inference request and returns the job id and the
// WebSocket ticket from the 202 body.
func (app *TestApp) SubmitJob(t *testing.T, acct *Account, nodeID uuid.UUID, req map[string]any) (uuid.UUID, string) {
	t.Helper()
	resp := app.postJSON(t, acct.Access, "/nodes/"+nodeID.String()+"/infer", req, http.StatusAccepted)
	require.Equal(t, "submitted", resp["status"])
	return fieldUUID(t, resp, "job_id"), fieldString(t, resp, "websocket_ticket")
}

// ────────────────────────────────────────────────────────────
// Pollers
// ────────────────────────────────────────────────────────────

// WaitForNodeStatus polls the node until it reaches the expected status
// and returns the final GET body.
func (app *TestApp) WaitForNodeStatus(t *testing.T, acct *Account, nodeID uuid.UUID, expected models.NodeStatus) map[string]any {
	t.Helper()
	var last map[string]any
	require.Eventually(t, func() bool {
		last = app.getJSON(t, acct.Access, "/nodes/"+nodeID.String(), http.StatusOK)
		return last["status"] == string(expected)
	}, 30*time.Second, 100*time.Millisecond, "node never reached %s; last: %v", expected, last)
	return last
}

// GetSaga looks up the newest saga for the resource directly in the
// database. ok is false when no saga row exists yet.
func (app *TestApp) GetSaga(t *testing.T, sagaType models.SagaType, resourceID uuid.UUID) (sagaID uuid.UUID, status models.SagaStatus, ok bool) {
	t.Helper()
	row := app.DBClient.DB().QueryRowContext(context.Background(),
		`SELECT id, status FROM sagas
		 WHERE type = $1 AND related_resource_id = $2
		 ORDER BY created_at DESC LIMIT 1`,
		string(sagaType), resourceID)
	err := row.Scan(&sagaID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, "", false
	}
	require.NoError(t, err)
	return sagaID, status, true
}

// WaitForSagaStatus polls until the resource's saga reaches the status
// and returns the saga id.
func (app *TestApp) WaitForSagaStatus(t *testing.T, sagaType models.SagaType, resourceID uuid.UUID, status models.SagaStatus) uuid.UUID {
	t.Helper()
	var (
		sagaID uuid.UUID
		last   models.SagaStatus
	)
	require.Eventually(t, func() bool {
		id, got, ok := app.GetSaga(t, sagaType, resourceID)
		if !ok {
			return false
		}
		sagaID, last = id, got
		return got == status
	}, 30*time.Second, 100*time.Millisecond, "saga for %s never reached %s; last: %s", resourceID, status, last)
	return sagaID
}

// SagaSteps returns service name -> step status for the saga.
func (app *TestApp) SagaSteps(t *testing.T, sagaID uuid.UUID) map[string]models.SagaStepStatus {
	t.Helper()
	rows, err := app.DBClient.DB().QueryContext(context.Background(),
		`SELECT service_name, status FROM saga_steps WHERE saga_id = $1`, sagaID)
	require.NoError(t, err)
	defer rows.Close()

	steps := map[string]models.SagaStepStatus{}
	for rows.Next() {
		var name string
		var status models.SagaStepStatus
		require.NoError(t, rows.Scan(&name, &status))
		steps[name] = status
	}
	require.NoError(t, rows.Err())
	return steps
}

// RowExists reports whether a row with the id is present in the table.
func (app *TestApp) RowExists(t *testing.T, table string, id uuid.UUID) bool {
	t.Helper()
	var exists bool
	err := app.DBClient.DB().QueryRowContext(context.Background(),
		fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, table), id).Scan(&exists)
	require.NoError(t, err)
	return exists
}

// WaitForRowGone polls until no row with the id remains in the table.
func (app *TestApp) WaitForRowGone(t *testing.T, table string, id uuid.UUID) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !app.RowExists(t, table, id)
	}, 30*time.Second, 100*time.Millisecond, "row %s in %s was never deleted", id, table)
}

// MessageCount returns the number of stored messages in the bucket.
func (app *TestApp) MessageCount(t *testing.T, bucketID uuid.UUID) int {
	t.Helper()
	var n int
	err := app.DBClient.DB().QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM memory_messages WHERE bucket_id = $1`, bucketID).Scan(&n)
	require.NoError(t, err)
	return n
}

// WaitForMessageCount polls until the bucket holds exactly n messages.
// Counts beyond n fail immediately: they mean a replay wrote twice.
func (app *TestApp) WaitForMessageCount(t *testing.T, bucketID uuid.UUID, n int) {
	t.Helper()
	var last int
	require.Eventually(t, func() bool {
		last = app.MessageCount(t, bucketID)
		require.LessOrEqual(t, last, n, "bucket %s holds more messages than expected", bucketID)
		return last == n
	}, 30*time.Second, 100*time.Millisecond, "bucket %s never reached %d messages; last: %d", bucketID, n, last)
}
