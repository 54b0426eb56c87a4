package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// authorizeProjectHandler handles GET /internal/projects/:id/authorize.
// 204 when the caller owns the project, 403 when it exists under
// another owner, 404 when it does not exist.
func (s *Server) authorizeProjectHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}
	projectID, err := pathID(c)
	if err != nil {
		return err
	}

	if err := s.svc.Projects.Authorize(c.Request().Context(), p.ID, projectID); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// validateToolsHandler handles POST /internal/tools/validate. An empty
// id list is trivially valid; any inaccessible id fails the batch.
func (s *Server) validateToolsHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}

	var req ValidateToolsRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return err
	}

	ok, err := s.svc.Tools.Validate(c.Request().Context(), p, req.ToolIDs)
	if err != nil {
		return mapServiceError(err)
	}
	if !ok {
		return echo.NewHTTPError(http.StatusForbidden, "one or more tools are not accessible")
	}
	return c.NoContent(http.StatusNoContent)
}

// validateBucketsHandler handles POST /internal/buckets/validate.
func (s *Server) validateBucketsHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}

	var req ValidateBucketsRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return err
	}

	ok, err := s.svc.Buckets.Validate(c.Request().Context(), p, req.BucketIDs)
	if err != nil {
		return mapServiceError(err)
	}
	if !ok {
		return echo.NewHTTPError(http.StatusForbidden, "one or more buckets are not accessible")
	}
	return c.NoContent(http.StatusNoContent)
}
