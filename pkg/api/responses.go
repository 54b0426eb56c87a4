package api

import (
	"github.com/google/uuid"

	"github.com/loomery/loom/pkg/database"
)

// AcceptedResponse acknowledges an asynchronous operation: saga
// initiation or job cancellation.
type AcceptedResponse struct {
	Status string `json:"status"`
}

// CapabilitiesResponse is returned by GET /models/:id/capabilities.
type CapabilitiesResponse struct {
	ModelID      uuid.UUID `json:"model_id"`
	Capabilities []string  `json:"capabilities"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string                 `json:"status"`
	Version  string                 `json:"version"`
	Database *database.HealthStatus `json:"database,omitempty"`
}
