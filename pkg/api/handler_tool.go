package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/loomery/loom/pkg/models"
)

// createToolHandler handles POST /tools.
func (s *Server) createToolHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}

	var req models.CreateToolRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return err
	}

	tool, err := s.svc.Tools.Create(c.Request().Context(), p, req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, tool)
}

// listToolsHandler handles GET /tools.
func (s *Server) listToolsHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}

	list, err := s.svc.Tools.List(c.Request().Context(), p)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, list)
}

// getToolHandler handles GET /tools/:id.
func (s *Server) getToolHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}

	tool, err := s.svc.Tools.Get(c.Request().Context(), p, id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, tool)
}

// discoverToolsHandler handles GET /tools/:id/discover: the standard
// tools an MCP filter tool currently matches.
func (s *Server) discoverToolsHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}

	matched, err := s.svc.Tools.Discover(c.Request().Context(), p, id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &models.ToolListResponse{Tools: matched, TotalCount: len(matched)})
}

// updateToolHandler handles PUT /tools/:id.
func (s *Server) updateToolHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}

	var req models.UpdateToolRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return err
	}

	tool, err := s.svc.Tools.Update(c.Request().Context(), p, id, req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, tool)
}

// deleteToolHandler handles DELETE /tools/:id.
func (s *Server) deleteToolHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}

	if err := s.svc.Tools.Delete(c.Request().Context(), p, id); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
