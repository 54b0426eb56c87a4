package api

import (
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/loomery/loom/pkg/identity"
)

// authenticate resolves the caller from the Authorization header.
// Handlers for protected routes call it first and return its error
// unchanged, so missing or bad tokens surface as 401.
func (s *Server) authenticate(c *echo.Context) (identity.Principal, error) {
	raw := bearerToken(c.Request())
	if raw == "" {
		return identity.Principal{}, echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
	}
	p, err := s.verifier.VerifyAccess(raw)
	if err != nil {
		return identity.Principal{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
	}
	return p, nil
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}
