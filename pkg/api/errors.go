package api

import (
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/loomery/loom/pkg/errkind"
)

// mapServiceError maps service-layer errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	kind := errkind.KindOf(err)
	if kind == errkind.KindInternal {
		slog.Error("Unexpected service error", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
	return echo.NewHTTPError(errkind.HTTPStatus(kind), err.Error())
}

// mapCredentialError is mapServiceError for the token endpoints, where
// a refused credential is 401 rather than 403.
func mapCredentialError(err error) *echo.HTTPError {
	if errkind.KindOf(err) == errkind.KindPermission {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	return mapServiceError(err)
}
