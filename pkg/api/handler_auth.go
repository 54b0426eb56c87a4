package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/loomery/loom/pkg/models"
)

// registerHandler handles POST /auth/register.
func (s *Server) registerHandler(c *echo.Context) error {
	var req models.RegisterRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return err
	}

	user, err := s.svc.Users.Register(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, user.PublicView())
}

// tokenHandler handles POST /auth/token.
func (s *Server) tokenHandler(c *echo.Context) error {
	var req models.TokenRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return err
	}

	pair, err := s.svc.Users.IssueTokens(c.Request().Context(), req)
	if err != nil {
		return mapCredentialError(err)
	}
	return c.JSON(http.StatusOK, pair)
}

// refreshTokenHandler handles POST /auth/token/refresh.
func (s *Server) refreshTokenHandler(c *echo.Context) error {
	var req models.RefreshRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return err
	}

	pair, err := s.svc.Users.RefreshTokens(c.Request().Context(), req.RefreshToken)
	if err != nil {
		return mapCredentialError(err)
	}
	return c.JSON(http.StatusOK, pair)
}

// getMeHandler handles GET /auth/me.
func (s *Server) getMeHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}

	user, err := s.svc.Users.Get(c.Request().Context(), p.ID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, user.PublicView())
}

// deleteMeHandler handles DELETE /auth/me. The account is deactivated
// immediately; the rest of the teardown runs as a saga.
func (s *Server) deleteMeHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}

	if err := s.svc.Users.InitiateDeletion(c.Request().Context(), p.ID); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusAccepted, &AcceptedResponse{Status: "deletion_initiated"})
}

// changeEmailHandler handles POST /auth/change-email.
func (s *Server) changeEmailHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}

	var req models.ChangeEmailRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return err
	}

	user, err := s.svc.Users.ChangeEmail(c.Request().Context(), p.ID, req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, user.PublicView())
}

// changeUsernameHandler handles POST /auth/change-username.
func (s *Server) changeUsernameHandler(c *echo.Context) error {
	p, err := s.authenticate(c)
	if err != nil {
		return err
	}

	var req models.ChangeUsernameRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return err
	}

	user, err := s.svc.Users.ChangeUsername(c.Request().Context(), p.ID, req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, user.PublicView())
}
