package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/loomery/loom/pkg/models"
)

// createModelHandler handles POST /models. Staff callers create system
// blueprints; everyone else creates user models bound to a blueprint.
func (s *Server) createModelHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}

	var req models.CreateModelRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return err
	}

	model, err := s.svc.Models.Create(c.Request().Context(), p, req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, model)
}

// listModelsHandler handles GET /models.
func (s *Server) listModelsHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}

	list, err := s.svc.Models.List(c.Request().Context(), p)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, list)
}

// getModelHandler handles GET /models/:id.
func (s *Server) getModelHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}

	model, err := s.svc.Models.Get(c.Request().Context(), p, id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, model)
}

// modelCapabilitiesHandler handles GET /models/:id/capabilities.
func (s *Server) modelCapabilitiesHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}

	caps, err := s.svc.Models.Capabilities(c.Request().Context(), p, id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &CapabilitiesResponse{ModelID: id, Capabilities: caps})
}

// updateModelHandler handles PUT /models/:id.
func (s *Server) updateModelHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}

	var req models.UpdateModelRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return err
	}

	model, err := s.svc.Models.Update(c.Request().Context(), p, id, req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, model)
}

// deleteModelHandler handles DELETE /models/:id.
func (s *Server) deleteModelHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}

	if err := s.svc.Models.Delete(c.Request().Context(), p, id); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
