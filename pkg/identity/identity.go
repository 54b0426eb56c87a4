// Package identity issues and verifies the HS256 bearer tokens shared by
// every service. Verification is stateless: a service that does not own
// the user table synthesizes its principal straight from the claims and
// never performs a database lookup.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/loomery/loom/pkg/config"
	"github.com/loomery/loom/pkg/models"
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"

	// verifyLeeway absorbs clock skew between services when checking exp.
	verifyLeeway = 10 * time.Second
)

var (
	ErrInvalidToken   = errors.New("invalid or expired token")
	ErrWrongTokenType = errors.New("wrong token type")
)

// Claims is the token payload. UserID duplicates the subject so peers
// can read either; username and email ride along to keep the refresh
// flow database-free.
type Claims struct {
	jwt.RegisteredClaims

	UserID    string `json:"user_id"`
	Username  string `json:"username,omitempty"`
	Email     string `json:"email,omitempty"`
	IsStaff   bool   `json:"is_staff"`
	TokenType string `json:"token_type"`
}

// Principal is the in-memory identity synthesized from verified claims.
type Principal struct {
	ID      uuid.UUID
	IsStaff bool
}

// Principal extracts the caller identity from the claims.
func (c *Claims) Principal() (Principal, error) {
	raw := c.UserID
	if raw == "" {
		raw = c.Subject
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	return Principal{ID: id, IsStaff: c.IsStaff}, nil
}

// Issuer mints and verifies token pairs with a shared HS256 key.
type Issuer struct {
	cfg *config.AuthConfig
	key []byte
	now func() time.Time
}

func NewIssuer(cfg *config.AuthConfig, key []byte) (*Issuer, error) {
	if len(key) == 0 {
		return nil, errors.New("identity: signing key is empty")
	}
	return &Issuer{cfg: cfg, key: key, now: time.Now}, nil
}

// IssuePair mints an access/refresh token pair for a user.
func (i *Issuer) IssuePair(user *models.User) (*models.TokenResponse, error) {
	access, err := i.issue(user, TokenTypeAccess, i.cfg.AccessTTL)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}
	refresh, err := i.issue(user, TokenTypeRefresh, i.cfg.RefreshTTL)
	if err != nil {
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}
	return &models.TokenResponse{Access: access, Refresh: refresh}, nil
}

func (i *Issuer) issue(user *models.User, tokenType string, ttl time.Duration) (string, error) {
	now := i.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Subject:   user.ID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		UserID:    user.ID.String(),
		Username:  user.Username,
		Email:     user.Email,
		IsStaff:   user.IsStaff,
		TokenType: tokenType,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
}

// Verify parses and validates a token of the wanted type.
func (i *Issuer) Verify(raw, wantType string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, i.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.cfg.Issuer),
		jwt.WithLeeway(verifyLeeway),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != wantType {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrWrongTokenType, claims.TokenType, wantType)
	}
	return claims, nil
}

// VerifyAccess is the common path for bearer-authenticated requests.
func (i *Issuer) VerifyAccess(raw string) (Principal, error) {
	claims, err := i.Verify(raw, TokenTypeAccess)
	if err != nil {
		return Principal{}, err
	}
	return claims.Principal()
}

// Refresh trades a valid refresh token for a new pair. The user data
// needed to mint the pair comes from the refresh claims themselves.
func (i *Issuer) Refresh(refreshToken string) (*models.TokenResponse, error) {
	claims, err := i.Verify(refreshToken, TokenTypeRefresh)
	if err != nil {
		return nil, err
	}
	principal, err := claims.Principal()
	if err != nil {
		return nil, err
	}
	return i.IssuePair(&models.User{
		ID:       principal.ID,
		Username: claims.Username,
		Email:    claims.Email,
		IsStaff:  claims.IsStaff,
	})
}

func (i *Issuer) keyFunc(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
	}
	return i.key, nil
}
