package models

import "github.com/google/uuid"

// Exchange names.
const (
	ExchangeUserEvents     = "user_events"
	ExchangeProjectEvents  = "project_events"
	ExchangeResourceEvents = "resource_events"
	ExchangeInference      = "inference_exchange"
	ExchangeResults        = "results_exchange"
	ExchangeMemory         = "memory_exchange"
	ExchangeJobControl     = "job_control_fanout_exchange"
)

// Routing keys. The resource.for_*.deleted keys carry the confirming
// service name as their final segment.
const (
	KeyUserDeletionInitiated    = "user.deletion.initiated"
	KeyResourceForUserDeleted   = "resource.for_user.deleted"
	KeyAllProjectsDeleted       = "all_projects_for_user.deleted"
	KeyProjectDeletionInitiated = "project.deletion.initiated"
	KeyResourceForProjDeleted   = "resource.for_project.deleted"
	KeyModelDeleted             = "model.deleted"
	KeyToolDeleted              = "tool.deleted"
	KeyBucketDeleted            = "memory.bucket.deleted"
	KeyModelCapabilitiesUpdated = "model.capabilities.updated"
	KeyInferenceJobStart        = "inference.job.start"
	KeyResultStreamingPrefix    = "inference.result.streaming"
	KeyResultFinal              = "inference.result.final"
	KeyResultError              = "inference.result.error"
	KeyMemoryContextUpdate      = "memory.context.update"
)

// UserDeletionInitiatedEvent starts the user-deletion saga fan-out
type UserDeletionInitiatedEvent struct {
	UserID uuid.UUID `json:"user_id"`
}

// ResourceForUserDeletedEvent confirms one service's user cleanup
type ResourceForUserDeletedEvent struct {
	UserID      uuid.UUID `json:"user_id"`
	ServiceName string    `json:"service_name"`
}

// AllProjectsDeletedEvent confirms the nested project sagas all finished
type AllProjectsDeletedEvent struct {
	UserID uuid.UUID `json:"user_id"`
}

// ProjectDeletionInitiatedEvent starts the project-deletion saga fan-out
type ProjectDeletionInitiatedEvent struct {
	ProjectID uuid.UUID `json:"project_id"`
	OwnerID   uuid.UUID `json:"owner_id"`
}

// ResourceForProjectDeletedEvent confirms one service's project cleanup
type ResourceForProjectDeletedEvent struct {
	ProjectID   uuid.UUID `json:"project_id"`
	ServiceName string    `json:"service_name"`
}

// ModelDeletedEvent notifies dependents that a model is gone
type ModelDeletedEvent struct {
	ModelID uuid.UUID `json:"model_id"`
}

// ToolDeletedEvent notifies dependents that a tool is gone
type ToolDeletedEvent struct {
	ToolID uuid.UUID `json:"tool_id"`
}

// BucketDeletedEvent notifies dependents that a memory bucket is gone
type BucketDeletedEvent struct {
	BucketID uuid.UUID `json:"bucket_id"`
}

// ModelCapabilitiesUpdatedEvent announces a blueprint capability change
type ModelCapabilitiesUpdatedEvent struct {
	ModelID         uuid.UUID `json:"model_id"`
	NewCapabilities []string  `json:"new_capabilities"`
}

// MemoryContextUpdateEvent appends a job's exchange to a bucket. The
// idempotency key is the job id; redelivery must not duplicate rows.
type MemoryContextUpdateEvent struct {
	IdempotencyKey string         `json:"idempotency_key"`
	MemoryBucketID uuid.UUID      `json:"memory_bucket_id"`
	MessagesToAdd  []MessageToAdd `json:"messages_to_add"`
}
