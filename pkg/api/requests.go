package api

import (
	"net/http"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"
)

// ValidateToolsRequest is the body of POST /internal/tools/validate.
type ValidateToolsRequest struct {
	ToolIDs []uuid.UUID `json:"tool_ids"`
}

// ValidateBucketsRequest is the body of POST /internal/buckets/validate.
type ValidateBucketsRequest struct {
	BucketIDs []uuid.UUID `json:"bucket_ids"`
}

// bindAndValidate decodes the JSON body into req and applies its
// validate tags. Failures surface as 400 with the validator's message.
func (s *Server) bindAndValidate(c *echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// pathID parses the :id path parameter as a UUID.
func pathID(c *echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "id must be a valid UUID")
	}
	return id, nil
}
