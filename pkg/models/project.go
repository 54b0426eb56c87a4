package models

import (
	"time"

	"github.com/google/uuid"
)

// ProjectStatus tracks the lifecycle of a project
type ProjectStatus string

const (
	ProjectStatusActive          ProjectStatus = "ACTIVE"
	ProjectStatusPendingDeletion ProjectStatus = "PENDING_DELETION"
)

// Project groups a user's nodes, buckets, and files. PENDING_DELETION
// disables all mutations until the deletion saga finishes.
type Project struct {
	ID        uuid.UUID      `json:"id"`
	Name      string         `json:"name"`
	OwnerID   uuid.UUID      `json:"owner_id"`
	Status    ProjectStatus  `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// CreateProjectRequest contains fields for creating a project
type CreateProjectRequest struct {
	Name     string         `json:"name" validate:"required,min=1,max=255"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// UpdateProjectRequest contains fields for renaming a project
type UpdateProjectRequest struct {
	Name     string         `json:"name" validate:"required,min=1,max=255"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ProjectListResponse contains the caller's projects
type ProjectListResponse struct {
	Projects   []*Project `json:"projects"`
	TotalCount int        `json:"total_count"`
}
