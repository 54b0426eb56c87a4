package api

import (
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/loomery/loom/pkg/services/files"
)

// uploadFileHandler handles POST /files: a multipart form with a
// project_id field and a file part. The service sniffs the real
// content type and enforces the size limit.
func (s *Server) uploadFileHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}

	r := c.Request()
	projectID, err := uuid.Parse(r.FormValue("project_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "project_id must be a valid UUID")
	}

	part, header, err := r.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file part is required")
	}
	defer part.Close()

	stored, err := s.svc.Files.Upload(c.Request().Context(), p, files.UploadRequest{
		ProjectID: projectID,
		Filename:  header.Filename,
		Body:      part,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, stored)
}

// listProjectFilesHandler handles GET /projects/:id/files.
func (s *Server) listProjectFilesHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}
	projectID, err := pathID(c)
	if err != nil {
		return err
	}

	list, err := s.svc.Files.List(c.Request().Context(), p, projectID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, list)
}

// getFileHandler handles GET /files/:id (metadata only).
func (s *Server) getFileHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}

	f, err := s.svc.Files.Get(c.Request().Context(), p, id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, f)
}

// downloadFileHandler handles GET /files/:id/content, streaming the
// raw object with its sniffed content type.
func (s *Server) downloadFileHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}

	f, rc, err := s.svc.Files.Open(c.Request().Context(), p, id)
	if err != nil {
		return mapServiceError(err)
	}
	defer rc.Close()

	h := c.Response().Header()
	h.Set("Content-Type", f.Mimetype)
	h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", f.Filename))
	h.Set("Content-Length", fmt.Sprintf("%d", f.SizeBytes))
	c.Response().WriteHeader(http.StatusOK)
	_, err = io.Copy(c.Response(), rc)
	return err
}

// deleteFileHandler handles DELETE /files/:id.
func (s *Server) deleteFileHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}

	if err := s.svc.Files.Delete(c.Request().Context(), p, id); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
