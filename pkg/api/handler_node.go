package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/loomery/loom/pkg/models"
)

// createDraftNodeHandler handles POST /nodes/draft: stage one of node
// creation, a named placeholder without a model.
func (s *Server) createDraftNodeHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}

	var req models.CreateDraftNodeRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return err
	}

	node, err := s.svc.Nodes.CreateDraft(c.Request().Context(), p, req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, node)
}

// configureNodeModelHandler handles POST /nodes/:id/configure-model:
// stage two, binding a model and generating the configuration template
// from its capabilities.
func (s *Server) configureNodeModelHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}

	var req models.ConfigureModelRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return err
	}

	node, err := s.svc.Nodes.ConfigureModel(c.Request().Context(), p, id, req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, node)
}

// updateNodeHandler handles PUT /nodes/:id. Only keys present in the
// node's template may change; attempts to touch model_id are rejected.
func (s *Server) updateNodeHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}

	var req models.UpdateNodeRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return err
	}

	node, err := s.svc.Nodes.Update(c.Request().Context(), p, id, req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, node)
}

// getNodeHandler handles GET /nodes/:id.
func (s *Server) getNodeHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}

	node, err := s.svc.Nodes.Get(c.Request().Context(), p, id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, node)
}

// listProjectNodesHandler handles GET /projects/:id/nodes.
func (s *Server) listProjectNodesHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}
	projectID, err := pathID(c)
	if err != nil {
		return err
	}

	list, err := s.svc.Nodes.List(c.Request().Context(), p, projectID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, list)
}

// deleteNodeHandler handles DELETE /nodes/:id.
func (s *Server) deleteNodeHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}

	if err := s.svc.Nodes.Delete(c.Request().Context(), p, id); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
