package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/loomery/loom/pkg/models"
)

// createBucketHandler handles POST /buckets.
func (s *Server) createBucketHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}

	var req models.CreateBucketRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return err
	}

	bucket, err := s.svc.Buckets.CreateBucket(c.Request().Context(), p, req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, bucket)
}

// listProjectBucketsHandler handles GET /projects/:id/buckets.
func (s *Server) listProjectBucketsHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}
	projectID, err := pathID(c)
	if err != nil {
		return err
	}

	list, err := s.svc.Buckets.List(c.Request().Context(), p, projectID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, list)
}

// getBucketHandler handles GET /buckets/:id.
func (s *Server) getBucketHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}

	bucket, err := s.svc.Buckets.Get(c.Request().Context(), p, id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, bucket)
}

// bucketHistoryHandler handles GET /buckets/:id/history: the recall
// window the next inference on this bucket would see.
func (s *Server) bucketHistoryHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}

	history, err := s.svc.Buckets.History(c.Request().Context(), p, id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, history)
}

// deleteBucketHandler handles DELETE /buckets/:id.
func (s *Server) deleteBucketHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}

	if err := s.svc.Buckets.Delete(c.Request().Context(), p, id); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
