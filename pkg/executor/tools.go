package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/loomery/loom/pkg/identity"
	"github.com/loomery/loom/pkg/models"
	"github.com/loomery/loom/pkg/rpc"
)

// ToolStub stands in for one remote tool during the agent loop. The
// model sees the definition; invocations proxy through the tool
// service as single-call batches under the job owner's identity.
type ToolStub struct {
	Definition models.ToolDefinition

	jobID  uuid.UUID
	userID uuid.UUID
	client ToolExecClient
}

// Invoke executes the tool with the model-provided arguments and
// returns the observation text for the next iteration. Tool-side
// failures come back as text, not as errors, so the loop can let the
// model react to them.
func (s *ToolStub) Invoke(ctx context.Context, args map[string]any) (string, error) {
	if args == nil {
		args = make(map[string]any)
	}
	if s.requiresSessionID() {
		if _, present := args["session_id"]; !present {
			args["session_id"] = s.jobID.String()
			slog.Info("Injected job id as session_id argument",
				"tool", s.Definition.Name, "job_id", s.jobID)
		}
	}

	callID := fmt.Sprintf("%s-%s-%s", s.jobID, s.Definition.Name, uuid.New())
	ctx = rpc.WithPrincipal(ctx, identity.Principal{ID: s.userID})
	resp, err := s.client.ExecuteTools(ctx, &rpc.ExecuteToolsRequest{
		Calls: []models.ToolCallRequest{{
			ToolCallID: callID,
			Name:       s.Definition.Name,
			Arguments:  args,
		}},
	})
	if err != nil {
		return "", fmt.Errorf("execute tool %q: %w", s.Definition.Name, err)
	}

	if len(resp.Results) == 0 {
		return fmt.Sprintf("Error: No result from tool %q.", s.Definition.Name), nil
	}
	result := resp.Results[0]
	if result.Status != models.ToolCallStatusSuccess {
		return fmt.Sprintf("Error from tool %q: %s", s.Definition.Name, result.Output), nil
	}
	return result.Output, nil
}

// requiresSessionID reports whether the tool schema lists session_id as
// a required parameter. Models rarely supply it, so the executor fills
// in the job id.
func (s *ToolStub) requiresSessionID() bool {
	required, _ := s.Definition.Parameters["required"].([]any)
	return lo.ContainsBy(required, func(v any) bool {
		name, _ := v.(string)
		return name == "session_id"
	})
}
