package models

import (
	"time"

	"github.com/google/uuid"
)

// Model capability identifiers. A model's capability set drives the
// node configuration template and input compatibility checks.
const (
	CapabilityText    = "text"
	CapabilityVision  = "vision"
	CapabilityToolUse = "tool_use"
)

// Supported inference providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
)

// AIModel is either a system blueprint (owner nil, configuration holds
// a JSON schema) or a user model (configuration holds values validated
// against the blueprint schema, credentials encrypted at rest).
type AIModel struct {
	ID            uuid.UUID      `json:"id"`
	IsSystemModel bool           `json:"is_system_model"`
	OwnerID       *uuid.UUID     `json:"owner_id,omitempty"`
	Provider      string         `json:"provider"`
	Name          string         `json:"name"`
	Configuration map[string]any `json:"configuration"`
	Capabilities  []string       `json:"capabilities"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// HasCapability reports whether the capability list contains cap.
func (m *AIModel) HasCapability(cap string) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// CreateModelRequest contains fields for creating a model. Staff create
// system blueprints; users create models bound to a blueprint.
type CreateModelRequest struct {
	Provider      string         `json:"provider" validate:"required,oneof=openai anthropic google ollama"`
	Name          string         `json:"name" validate:"required,min=1,max=255"`
	Configuration map[string]any `json:"configuration" validate:"required"`
	Capabilities  []string       `json:"capabilities,omitempty" validate:"dive,oneof=text vision tool_use"`
}

// UpdateModelRequest contains fields for updating a model
type UpdateModelRequest struct {
	Name          string         `json:"name,omitempty" validate:"omitempty,min=1,max=255"`
	Configuration map[string]any `json:"configuration,omitempty"`
	Capabilities  []string       `json:"capabilities,omitempty" validate:"dive,oneof=text vision tool_use"`
}

// ModelListResponse contains models visible to the caller
type ModelListResponse struct {
	Models     []*AIModel `json:"models"`
	TotalCount int        `json:"total_count"`
}

// ModelConfigurationResponse is the RPC view handed to the inference
// orchestrator: decrypted configuration plus capabilities.
type ModelConfigurationResponse struct {
	ModelID       uuid.UUID      `json:"model_id"`
	Provider      string         `json:"provider"`
	Name          string         `json:"name"`
	Configuration map[string]any `json:"configuration"`
	Capabilities  []string       `json:"capabilities"`
}
