package models

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeStatusCanInfer(t *testing.T) {
	assert.True(t, NodeStatusActive.CanInfer())
	assert.True(t, NodeStatusAltered.CanInfer())
	assert.False(t, NodeStatusDraft.CanInfer())
	assert.False(t, NodeStatusInactive.CanInfer())
}

func TestNodeConfigurationOmitsAbsentSections(t *testing.T) {
	// A text-only template has memory and rag sections but no tool_config;
	// absent sections must not serialize as null keys, because template
	// key presence drives the generic-update validation.
	modelID := uuid.New()
	cfg := NodeConfiguration{
		ModelConfig:  &ModelConfig{ModelID: modelID},
		MemoryConfig: &MemoryConfig{IsEnabled: false},
		RAGConfig:    &RAGConfig{IsEnabled: false},
	}

	data, err := json.Marshal(cfg)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "model_config")
	assert.Contains(t, raw, "memory_config")
	assert.Contains(t, raw, "rag_config")
	assert.NotContains(t, raw, "tool_config")
	assert.NotContains(t, raw, "parameters")
}

func TestMemoryBucketWindowSize(t *testing.T) {
	tests := []struct {
		name   string
		config map[string]any
		want   int
	}{
		{"explicit k", map[string]any{"k": float64(5)}, 5},
		{"missing config", nil, 10},
		{"zero k falls back", map[string]any{"k": float64(0)}, 10},
		{"non-numeric k falls back", map[string]any{"k": "five"}, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &MemoryBucket{Config: tt.config}
			assert.Equal(t, tt.want, b.WindowSize())
		})
	}
}

func TestMemoryMessageFirstText(t *testing.T) {
	msg := &MemoryMessage{
		Content: []ContentPart{
			{Type: ContentTypeFileRef, FileID: uuid.New()},
			{Type: ContentTypeText, Text: "summarize this"},
			{Type: ContentTypeText, Text: "ignored second part"},
		},
	}
	assert.Equal(t, "summarize this", msg.FirstText())

	empty := &MemoryMessage{Content: []ContentPart{{Type: ContentTypeImageRef, URL: "http://x"}}}
	assert.Equal(t, "", empty.FirstText())
}

func TestResultMessageTerminal(t *testing.T) {
	jobID := uuid.New()

	chunk := NewChunkResult(jobID, "hel")
	assert.False(t, chunk.IsTerminal())
	assert.Equal(t, ResultTypeChunk, chunk.Type)

	final := NewFinalResult(jobID, "hello")
	assert.True(t, final.IsTerminal())
	assert.Equal(t, ResultStatusSuccess, final.Status)

	errMsg := NewErrorResult(jobID, "Job was cancelled by the user.")
	assert.True(t, errMsg.IsTerminal())
	assert.Equal(t, "Job was cancelled by the user.", errMsg.Error)
}

func TestAIModelHasCapability(t *testing.T) {
	m := &AIModel{Capabilities: []string{CapabilityText, CapabilityToolUse}}
	assert.True(t, m.HasCapability(CapabilityText))
	assert.True(t, m.HasCapability(CapabilityToolUse))
	assert.False(t, m.HasCapability(CapabilityVision))
}
