package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/loomery/loom/pkg/database"
	"github.com/loomery/loom/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /health. Only the process's own database
// connectivity is checked; downstream services are excluded so an
// orchestrator never restarts the API over someone else's outage.
func (s *Server) healthHandler(c *echo.Context) error {
	resp := &HealthResponse{Status: healthStatusHealthy, Version: version.GitCommit}

	if s.db != nil {
		reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		dbHealth, err := database.Health(reqCtx, s.db)
		resp.Database = dbHealth
		if err != nil {
			resp.Status = healthStatusUnhealthy
			return c.JSON(http.StatusServiceUnavailable, resp)
		}
	}

	return c.JSON(http.StatusOK, resp)
}
