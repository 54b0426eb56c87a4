package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loomery/loom/pkg/identity"
	"github.com/loomery/loom/pkg/models"
)

// Runner executes tool call batches. Individual call failures become
// error results; the batch itself only fails on infrastructure errors.
type Runner struct {
	svc            *Service
	builtins       *builtins
	client         *http.Client
	webhookTimeout time.Duration
}

// NewRunner creates a Runner. searcher may be nil, which selects the
// canned web_search backend.
func NewRunner(svc *Service, searcher WebSearcher, webhookTimeout time.Duration) *Runner {
	return &Runner{
		svc:            svc,
		builtins:       newBuiltins(searcher),
		client:         &http.Client{Timeout: webhookTimeout},
		webhookTimeout: webhookTimeout,
	}
}

// ExecuteBatch runs every call in parallel and returns results in call
// order.
func (r *Runner) ExecuteBatch(ctx context.Context, p identity.Principal, calls []models.ToolCallRequest) ([]models.ToolCallResult, error) {
	if len(calls) == 0 {
		return []models.ToolCallResult{}, nil
	}

	names := make([]string, 0, len(calls))
	for _, c := range calls {
		names = append(names, c.Name)
	}
	byName, err := r.svc.resolveByName(ctx, p, names)
	if err != nil {
		return nil, err
	}

	results := make([]models.ToolCallResult, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = r.executeOne(gctx, byName[call.Name], call)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *Runner) executeOne(ctx context.Context, tool *models.Tool, call models.ToolCallRequest) models.ToolCallResult {
	res := models.ToolCallResult{ToolCallID: call.ToolCallID, Name: call.Name}

	if tool == nil {
		res.Status = models.ToolCallStatusError
		res.Output = fmt.Sprintf("tool %q not found", call.Name)
		return res
	}
	if tool.ToolType == models.ToolTypeMCP {
		res.Status = models.ToolCallStatusError
		res.Output = fmt.Sprintf("tool %q is a discovery filter and cannot be executed", call.Name)
		return res
	}

	var (
		out string
		err error
	)
	switch tool.Definition.Execution.Type {
	case models.ExecutionTypeInternalFunction:
		out, err = r.builtins.call(ctx, tool.Definition.Execution.FunctionName, call.Arguments)
	case models.ExecutionTypeWebhook:
		out, err = r.callWebhook(ctx, tool, call)
	default:
		err = fmt.Errorf("tool %q has no execution strategy", call.Name)
	}

	if err != nil {
		res.Status = models.ToolCallStatusError
		res.Output = err.Error()
		return res
	}
	res.Status = models.ToolCallStatusSuccess
	res.Output = out
	return res
}

// callWebhook POSTs the call to the tool's endpoint and returns the
// response body as the observation.
func (r *Runner) callWebhook(ctx context.Context, tool *models.Tool, call models.ToolCallRequest) (string, error) {
	body, err := json.Marshal(map[string]any{
		"tool_call_id": call.ToolCallID,
		"name":         call.Name,
		"arguments":    call.Arguments,
	})
	if err != nil {
		return "", fmt.Errorf("encode webhook payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tool.Definition.Execution.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := tool.Definition.Execution.AuthToken; token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("webhook call failed: %w", err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read webhook response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(out))
	}
	return string(out), nil
}
