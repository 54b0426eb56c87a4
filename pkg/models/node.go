package models

import (
	"time"

	"github.com/google/uuid"
)

// NodeStatus tracks the lifecycle of a node
type NodeStatus string

const (
	// NodeStatusDraft is a node created without a model. Inference refused.
	NodeStatusDraft NodeStatus = "DRAFT"
	// NodeStatusActive is a fully configured node.
	NodeStatusActive NodeStatus = "ACTIVE"
	// NodeStatusAltered marks a node whose tool list was pruned after a
	// tool deletion. Inference proceeds with a warning.
	NodeStatusAltered NodeStatus = "ALTERED"
	// NodeStatusInactive marks a node whose model was deleted. Only an
	// explicit reconfigure-model brings it back. Inference refused.
	NodeStatusInactive NodeStatus = "INACTIVE"
)

// CanInfer reports whether inference is allowed for the status.
func (s NodeStatus) CanInfer() bool {
	return s == NodeStatusActive || s == NodeStatusAltered
}

// ModelConfig pins the node to a model. The model_id is set at
// configure-time and never changes through generic updates.
type ModelConfig struct {
	ModelID uuid.UUID `json:"model_id"`
}

// MemoryConfig attaches a memory bucket to a node
type MemoryConfig struct {
	IsEnabled bool       `json:"is_enabled"`
	BucketID  *uuid.UUID `json:"bucket_id"`
}

// RAGConfig attaches a retrieval collection to a node
type RAGConfig struct {
	IsEnabled    bool       `json:"is_enabled"`
	CollectionID *uuid.UUID `json:"collection_id"`
}

// ToolConfig lists the tools a node's agent may call
type ToolConfig struct {
	ToolIDs []uuid.UUID `json:"tool_ids"`
}

// NodeConfiguration is the template-derived configuration block. Which
// sections exist depends on the model's capabilities at configure-time:
// text adds memory_config and rag_config, tool_use adds tool_config.
type NodeConfiguration struct {
	ModelConfig  *ModelConfig   `json:"model_config,omitempty"`
	MemoryConfig *MemoryConfig  `json:"memory_config,omitempty"`
	RAGConfig    *RAGConfig     `json:"rag_config,omitempty"`
	ToolConfig   *ToolConfig    `json:"tool_config,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
}

// Node is a configured inference endpoint inside a project.
type Node struct {
	ID            uuid.UUID         `json:"id"`
	ProjectID     uuid.UUID         `json:"project_id"`
	OwnerID       uuid.UUID         `json:"owner_id"`
	Name          string            `json:"name"`
	Status        NodeStatus        `json:"status"`
	Configuration NodeConfiguration `json:"configuration"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// CreateDraftNodeRequest contains fields for stage-1 node creation
type CreateDraftNodeRequest struct {
	ProjectID uuid.UUID `json:"project_id" validate:"required"`
	Name      string    `json:"name" validate:"required,min=1,max=255"`
}

// ConfigureModelRequest binds a model to a node and regenerates the
// configuration template from the model's capabilities
type ConfigureModelRequest struct {
	ModelID    uuid.UUID      `json:"model_id" validate:"required"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// UpdateNodeRequest carries a generic configuration update. Only keys
// present in the current template may change; model_id never does.
type UpdateNodeRequest struct {
	Name          string         `json:"name,omitempty" validate:"omitempty,min=1,max=255"`
	Configuration map[string]any `json:"configuration,omitempty"`
}

// NodeListResponse contains the nodes of one project
type NodeListResponse struct {
	Nodes      []*Node `json:"nodes"`
	TotalCount int     `json:"total_count"`
}

// NodeDetailsResponse is the RPC view handed to the inference
// orchestrator.
type NodeDetailsResponse struct {
	NodeID        uuid.UUID         `json:"node_id"`
	ProjectID     uuid.UUID         `json:"project_id"`
	OwnerID       uuid.UUID         `json:"owner_id"`
	Name          string            `json:"name"`
	Status        NodeStatus        `json:"status"`
	Configuration NodeConfiguration `json:"configuration"`
}
