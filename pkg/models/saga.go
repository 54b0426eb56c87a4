package models

import (
	"time"

	"github.com/google/uuid"
)

// SagaType identifies the orchestrated deletion flow
type SagaType string

const (
	SagaTypeUserDeletion    SagaType = "user_deletion"
	SagaTypeProjectDeletion SagaType = "project_deletion"
)

// SagaStatus tracks a saga's progress
type SagaStatus string

const (
	SagaStatusInProgress SagaStatus = "IN_PROGRESS"
	SagaStatusCompleted  SagaStatus = "COMPLETED"
	SagaStatusFailed     SagaStatus = "FAILED"
)

// SagaStepStatus tracks one participating service's confirmation
type SagaStepStatus string

const (
	SagaStepPending   SagaStepStatus = "PENDING"
	SagaStepCompleted SagaStepStatus = "COMPLETED"
)

// Saga is the persistent record of a distributed deletion. At most one
// IN_PROGRESS saga exists per (type, related_resource_id).
type Saga struct {
	ID                uuid.UUID  `json:"id"`
	Type              SagaType   `json:"type"`
	RelatedResourceID uuid.UUID  `json:"related_resource_id"`
	Status            SagaStatus `json:"status"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// SagaStep is one expected confirmation, unique per (saga, service).
type SagaStep struct {
	ID          uuid.UUID      `json:"id"`
	SagaID      uuid.UUID      `json:"saga_id"`
	ServiceName string         `json:"service_name"`
	Status      SagaStepStatus `json:"status"`
}

// Participating service names used as saga step identifiers and as the
// suffix of resource.for_*.deleted routing keys.
const (
	ServiceNodes    = "NodeService"
	ServiceMemory   = "MemoryService"
	ServiceData     = "DataService"
	ServiceProjects = "ProjectService"
	ServiceAIModels = "AIModelService"
	ServiceTools    = "ToolService"
)
