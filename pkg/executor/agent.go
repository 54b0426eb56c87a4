package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/samber/lo"
	"github.com/tmc/langchaingo/llms"

	"github.com/loomery/loom/pkg/errkind"
	"github.com/loomery/loom/pkg/metrics"
	"github.com/loomery/loom/pkg/models"
)

const conclusionPrompt = "You have reached the tool-use iteration limit (%d iterations). " +
	"Please provide your final answer based on the information gathered so far, " +
	"without requesting any more tools."

// run executes the built job and publishes the final result. Jobs with
// tools go through the agent loop; plain jobs are a single model call.
// Streaming jobs additionally publish every token delta as it arrives.
func (e *Executor) run(ctx context.Context, bc *BuildContext) (string, error) {
	opts := bc.callOpts
	jobID := bc.job.JobID
	if bc.job.Output.Mode == models.OutputModeStreaming {
		opts = append(slices.Clone(opts), llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			if len(chunk) > 0 {
				e.results.Chunk(ctx, jobID, string(chunk))
			}
			return nil
		}))
	}

	var (
		final string
		err   error
	)
	if len(bc.stubs) > 0 {
		final, err = e.agentLoop(ctx, bc, opts)
	} else {
		final, err = e.plainCall(ctx, bc, opts)
	}
	if err != nil {
		return "", err
	}

	e.results.Final(ctx, jobID, final)
	return final, nil
}

func (e *Executor) plainCall(ctx context.Context, bc *BuildContext, opts []llms.CallOption) (string, error) {
	resp, err := bc.model.GenerateContent(ctx, bc.messages, opts...)
	if err != nil {
		return "", fmt.Errorf("model call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errkind.Internal("model returned no choices")
	}
	return resp.Choices[0].Content, nil
}

// agentLoop alternates model calls and tool executions until the model
// answers without requesting tools or the iteration limit forces a
// conclusion.
func (e *Executor) agentLoop(ctx context.Context, bc *BuildContext, opts []llms.CallOption) (string, error) {
	llmTools := lo.Map(bc.stubs, func(s *ToolStub, _ int) llms.Tool {
		return llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        s.Definition.Name,
				Description: s.Definition.Description,
				Parameters:  s.Definition.Parameters,
			},
		}
	})
	toolOpts := append(slices.Clone(opts), llms.WithTools(llmTools))

	messages := slices.Clone(bc.messages)
	for iteration := 1; iteration <= e.cfg.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		resp, err := bc.model.GenerateContent(ctx, messages, toolOpts...)
		if err != nil {
			return "", fmt.Errorf("model call failed on iteration %d: %w", iteration, err)
		}
		if len(resp.Choices) == 0 {
			return "", errkind.Internal("model returned no choices on iteration %d", iteration)
		}
		choice := resp.Choices[0]

		if len(choice.ToolCalls) == 0 {
			metrics.AgentIterations.Observe(float64(iteration))
			return choice.Content, nil
		}

		slog.Info("Model requested tool calls",
			"job_id", bc.job.JobID, "iteration", iteration, "count", len(choice.ToolCalls))

		assistant := llms.MessageContent{Role: llms.ChatMessageTypeAI}
		if choice.Content != "" {
			assistant.Parts = append(assistant.Parts, llms.TextContent{Text: choice.Content})
		}
		for _, tc := range choice.ToolCalls {
			assistant.Parts = append(assistant.Parts, tc)
		}
		messages = append(messages, assistant)
		messages = append(messages, e.executeToolCalls(ctx, bc, choice.ToolCalls)...)
	}

	metrics.AgentIterations.Observe(float64(e.cfg.MaxIterations))
	return e.forceConclusion(ctx, bc, messages, opts)
}

// executeToolCalls runs the requested calls in parallel and returns one
// observation message per call, in request order.
func (e *Executor) executeToolCalls(ctx context.Context, bc *BuildContext, calls []llms.ToolCall) []llms.MessageContent {
	out := make([]llms.MessageContent, len(calls))
	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = e.observe(ctx, bc, tc)
		}()
	}
	wg.Wait()
	return out
}

// observe invokes one tool call and wraps the outcome as the tool-role
// observation. Failures become observation text so the model can react
// instead of the job dying.
func (e *Executor) observe(ctx context.Context, bc *BuildContext, tc llms.ToolCall) llms.MessageContent {
	if tc.FunctionCall == nil {
		return toolResponse(tc.ID, "", "Error: malformed tool call from model.")
	}
	name := tc.FunctionCall.Name

	var args map[string]any
	if raw := tc.FunctionCall.Arguments; raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			slog.Warn("Tool arguments are not valid JSON", "job_id", bc.job.JobID, "tool", name, "error", err)
			return toolResponse(tc.ID, name, fmt.Sprintf("Error: arguments for tool %q are not valid JSON.", name))
		}
	}

	stub := bc.stubByName(name)
	if stub == nil {
		return toolResponse(tc.ID, name, fmt.Sprintf("Error: tool %q is not available for this job.", name))
	}

	output, err := stub.Invoke(ctx, args)
	if err != nil {
		slog.Error("Tool invocation failed", "job_id", bc.job.JobID, "tool", name, "error", err)
		return toolResponse(tc.ID, name, fmt.Sprintf("Error from tool %q: %v", name, err))
	}
	return toolResponse(tc.ID, name, output)
}

func toolResponse(callID, name, content string) llms.MessageContent {
	return llms.MessageContent{
		Role: llms.ChatMessageTypeTool,
		Parts: []llms.ContentPart{llms.ToolCallResponse{
			ToolCallID: callID,
			Name:       name,
			Content:    content,
		}},
	}
}

// forceConclusion asks for a final answer with tools withheld so the
// model cannot keep iterating.
func (e *Executor) forceConclusion(ctx context.Context, bc *BuildContext, messages []llms.MessageContent, opts []llms.CallOption) (string, error) {
	slog.Warn("Iteration limit reached, forcing a conclusion",
		"job_id", bc.job.JobID, "max_iterations", e.cfg.MaxIterations)

	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman,
		fmt.Sprintf(conclusionPrompt, e.cfg.MaxIterations)))

	resp, err := bc.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return "", fmt.Errorf("forced conclusion call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errkind.Internal("model returned no choices for the forced conclusion")
	}
	return resp.Choices[0].Content, nil
}
