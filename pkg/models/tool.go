package models

import (
	"time"

	"github.com/google/uuid"
)

// ToolType distinguishes locally defined tools from MCP-discovered ones
type ToolType string

const (
	ToolTypeStandard ToolType = "STANDARD"
	ToolTypeMCP      ToolType = "MCP"
)

// Tool execution strategies. internal_function is reserved for system
// tools; user-owned tools must execute via webhook.
const (
	ExecutionTypeInternalFunction = "internal_function"
	ExecutionTypeWebhook          = "webhook"
)

// ToolExecution describes how a tool run is dispatched
type ToolExecution struct {
	Type         string `json:"type"`
	FunctionName string `json:"function_name,omitempty"`
	URL          string `json:"url,omitempty"`
	AuthToken    string `json:"auth_token,omitempty"`
}

// ToolDefinition is the callable contract handed to agents: a name, a
// description, a JSON-schema parameter block, and an execution block.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Execution   ToolExecution  `json:"execution"`
}

// Tool is a registered tool. System tools have no owner and may use
// internal_function execution.
type Tool struct {
	ID           uuid.UUID      `json:"id"`
	IsSystemTool bool           `json:"is_system_tool"`
	OwnerID      *uuid.UUID     `json:"owner_id,omitempty"`
	Name         string         `json:"name"`
	ToolType     ToolType       `json:"tool_type"`
	Definition   ToolDefinition `json:"definition"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// CreateToolRequest contains fields for registering a tool
type CreateToolRequest struct {
	Name       string         `json:"name" validate:"required,min=1,max=255"`
	ToolType   ToolType       `json:"tool_type" validate:"required,oneof=STANDARD MCP"`
	Definition ToolDefinition `json:"definition" validate:"required"`
}

// UpdateToolRequest contains fields for updating a tool definition
type UpdateToolRequest struct {
	Name       string          `json:"name,omitempty" validate:"omitempty,min=1,max=255"`
	Definition *ToolDefinition `json:"definition,omitempty"`
}

// ToolListResponse contains tools visible to the caller
type ToolListResponse struct {
	Tools      []*Tool `json:"tools"`
	TotalCount int     `json:"total_count"`
}

// ToolCallRequest is one requested tool invocation within a batch
type ToolCallRequest struct {
	ToolCallID string         `json:"tool_call_id"`
	Name       string         `json:"name"`
	Arguments  map[string]any `json:"arguments"`
}

// ToolCallResult is the outcome of one tool invocation
type ToolCallResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Output     string `json:"output"`
}

// Tool call result statuses.
const (
	ToolCallStatusSuccess = "success"
	ToolCallStatusError   = "error"
)
