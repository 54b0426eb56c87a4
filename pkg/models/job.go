package models

import (
	"time"

	"github.com/google/uuid"
)

// Inference input types accepted by the orchestrator.
const (
	InputTypeFileID   = "file_id"
	InputTypeImageURL = "image_url"
)

// InferInput is one attachment to an inference request
type InferInput struct {
	Type string    `json:"type" validate:"required,oneof=file_id image_url"`
	ID   uuid.UUID `json:"id,omitempty"`
	URL  string    `json:"url,omitempty"`
}

// ResourceOverrides toggles node resources per-request. Nil fields keep
// the node's configured behavior.
type ResourceOverrides struct {
	UseRAG         *bool      `json:"use_rag,omitempty"`
	UseMemory      *bool      `json:"use_memory,omitempty"`
	MemoryBucketID *uuid.UUID `json:"memory_bucket_id,omitempty"`
}

// Output modes for inference results.
const (
	OutputModeStreaming = "streaming"
	OutputModeBlocking  = "blocking"
)

// OutputConfig selects delivery mode and memory persistence behavior
type OutputConfig struct {
	Mode string `json:"mode,omitempty" validate:"omitempty,oneof=streaming blocking"`
	// PersistInputsInMemory folds materialized file text into the saved
	// user message instead of keeping file_ref parts.
	PersistInputsInMemory bool `json:"persist_inputs_in_memory,omitempty"`
}

// InferRequest is the body of POST /nodes/{id}/infer. At least a prompt
// or one input is required.
type InferRequest struct {
	Prompt             string             `json:"prompt,omitempty"`
	Inputs             []InferInput       `json:"inputs,omitempty" validate:"dive"`
	ResourceOverrides  *ResourceOverrides `json:"resource_overrides,omitempty"`
	ParameterOverrides map[string]any     `json:"parameter_overrides,omitempty"`
	OutputConfig       *OutputConfig      `json:"output_config,omitempty"`
}

// InferResponse acknowledges a submitted job
type InferResponse struct {
	JobID           uuid.UUID `json:"job_id"`
	Status          string    `json:"status"`
	WebSocketTicket string    `json:"websocket_ticket"`
}

// JobQuery carries the user's prompt and attachments into the executor
type JobQuery struct {
	Prompt string       `json:"prompt,omitempty"`
	Inputs []InferInput `json:"inputs,omitempty"`
}

// MemoryContext is the conversation state snapshot collected at submit
// time
type MemoryContext struct {
	BucketID   uuid.UUID      `json:"bucket_id"`
	MemoryType MemoryType     `json:"memory_type"`
	History    []HistoryEntry `json:"history,omitempty"`
}

// JobResources bundles everything the executor needs that was resolved
// by the orchestrator's fan-out stages.
type JobResources struct {
	ModelConfig   ModelConfigurationResponse `json:"model_config"`
	Tools         []ToolDefinition           `json:"tools,omitempty"`
	RAGContext    []string                   `json:"rag_context,omitempty"`
	MemoryContext *MemoryContext             `json:"memory_context,omitempty"`
}

// JobPayload is the full inference job published to the executor queue.
type JobPayload struct {
	JobID              uuid.UUID      `json:"job_id"`
	UserID             uuid.UUID      `json:"user_id"`
	Timestamp          time.Time      `json:"timestamp"`
	Query              JobQuery       `json:"query"`
	DefaultParameters  map[string]any `json:"default_parameters,omitempty"`
	ParameterOverrides map[string]any `json:"parameter_overrides,omitempty"`
	Output             OutputConfig   `json:"output"`
	Resources          JobResources   `json:"resources"`
}

// Result message fields.
const (
	ResultTypeChunk     = "chunk"
	ResultStatusSuccess = "success"
	ResultStatusError   = "error"
)

// ResultMessage is one delivery on the results exchange: a streaming
// chunk, a final payload, or an error.
type ResultMessage struct {
	JobID   uuid.UUID `json:"job_id"`
	Type    string    `json:"type,omitempty"`
	Status  string    `json:"status,omitempty"`
	Content string    `json:"content,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// NewChunkResult builds a streaming delta message.
func NewChunkResult(jobID uuid.UUID, content string) ResultMessage {
	return ResultMessage{JobID: jobID, Type: ResultTypeChunk, Content: content}
}

// NewFinalResult builds the terminal success message.
func NewFinalResult(jobID uuid.UUID, content string) ResultMessage {
	return ResultMessage{JobID: jobID, Status: ResultStatusSuccess, Content: content}
}

// NewErrorResult builds the terminal failure message.
func NewErrorResult(jobID uuid.UUID, errMsg string) ResultMessage {
	return ResultMessage{JobID: jobID, Status: ResultStatusError, Error: errMsg}
}

// IsTerminal reports whether the message ends the job's stream.
func (r ResultMessage) IsTerminal() bool {
	return r.Status == ResultStatusSuccess || r.Status == ResultStatusError
}

// CancelMessage is broadcast on the job-control fanout
type CancelMessage struct {
	JobID  uuid.UUID `json:"job_id"`
	UserID uuid.UUID `json:"user_id"`
}
