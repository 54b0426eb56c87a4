package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/llms"
)

// ScriptStep is one scripted model turn: a text answer, tool calls, or
// an error.
type ScriptStep struct {
	Content   string
	ToolCalls []llms.ToolCall
	Err       error
}

// ScriptedModel is an llms.Model that replays a fixed script. Each
// GenerateContent call consumes the next step and records its input, so
// tests can assert the conversation the caller assembled. When the
// caller sets a streaming func and the step carries no tool calls, the
// content is delivered word by word before the response returns.
type ScriptedModel struct {
	mu    sync.Mutex
	steps []ScriptStep
	calls []RecordedCall

	// OnGenerate runs before each step is consumed, with the zero-based
	// call index. Tests use it for side effects like cancelling the
	// job context mid-run.
	OnGenerate func(call int)
}

// RecordedCall captures one GenerateContent invocation.
type RecordedCall struct {
	Messages []llms.MessageContent
	Options  llms.CallOptions
}

func NewScriptedModel(steps ...ScriptStep) *ScriptedModel {
	return &ScriptedModel{steps: steps}
}

var _ llms.Model = (*ScriptedModel)(nil)

func (m *ScriptedModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := llms.CallOptions{}
	for _, opt := range options {
		opt(&opts)
	}

	m.mu.Lock()
	idx := len(m.calls)
	m.calls = append(m.calls, RecordedCall{Messages: messages, Options: opts})
	var step ScriptStep
	if idx < len(m.steps) {
		step = m.steps[idx]
	}
	onGenerate := m.OnGenerate
	m.mu.Unlock()

	if onGenerate != nil {
		onGenerate(idx)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if idx >= len(m.steps) {
		return nil, fmt.Errorf("scripted model exhausted after %d calls", idx)
	}
	if step.Err != nil {
		return nil, step.Err
	}

	if opts.StreamingFunc != nil && len(step.ToolCalls) == 0 {
		for _, word := range strings.SplitAfter(step.Content, " ") {
			if word == "" {
				continue
			}
			if err := opts.StreamingFunc(ctx, []byte(word)); err != nil {
				return nil, err
			}
		}
	}

	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{
			Content:   step.Content,
			ToolCalls: step.ToolCalls,
		}},
	}, nil
}

// Call implements the deprecated single-prompt path.
func (m *ScriptedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	resp, err := m.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}, options...)
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Content, nil
}

// Calls returns a snapshot of every recorded invocation.
func (m *ScriptedModel) Calls() []RecordedCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the model was invoked.
func (m *ScriptedModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
