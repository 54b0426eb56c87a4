package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/loomery/loom/pkg/models"
)

// inferHandler handles POST /nodes/:id/infer. The orchestrator runs the
// validation gauntlet and resource fan-out synchronously, enqueues the
// job, and returns a single-use WebSocket ticket for result delivery.
func (s *Server) inferHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}
	nodeID, err := pathID(c)
	if err != nil {
		return err
	}

	var req models.InferRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return err
	}

	resp, err := s.svc.Inference.Submit(c.Request().Context(), p, nodeID, &req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusAccepted, resp)
}

// cancelJobHandler handles DELETE /jobs/:id. Only the job's owner may
// cancel; unknown or expired jobs are 404.
func (s *Server) cancelJobHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}
	jobID, err := pathID(c)
	if err != nil {
		return err
	}

	if err := s.svc.Inference.Cancel(c.Request().Context(), p, jobID); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusAccepted, &AcceptedResponse{Status: "cancellation_requested"})
}
