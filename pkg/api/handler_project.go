package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/loomery/loom/pkg/models"
)

// createProjectHandler handles POST /projects.
func (s *Server) createProjectHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}

	var req models.CreateProjectRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return err
	}

	project, err := s.svc.Projects.Create(c.Request().Context(), p.ID, req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, project)
}

// listProjectsHandler handles GET /projects.
func (s *Server) listProjectsHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}

	list, err := s.svc.Projects.List(c.Request().Context(), p.ID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, list)
}

// getProjectHandler handles GET /projects/:id.
func (s *Server) getProjectHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}

	project, err := s.svc.Projects.Get(c.Request().Context(), p.ID, id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, project)
}

// updateProjectHandler handles PUT /projects/:id.
func (s *Server) updateProjectHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}

	var req models.UpdateProjectRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return err
	}

	project, err := s.svc.Projects.Update(c.Request().Context(), p.ID, id, req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, project)
}

// deleteProjectHandler handles DELETE /projects/:id. Marks the project
// PENDING_DELETION and starts the deletion saga; 409 when one is
// already running.
func (s *Server) deleteProjectHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}

	if err := s.svc.Projects.InitiateDeletion(c.Request().Context(), p.ID, id); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusAccepted, &AcceptedResponse{Status: "deletion_initiated"})
}
