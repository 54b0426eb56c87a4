package identity

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomery/loom/pkg/config"
	"github.com/loomery/loom/pkg/models"
)

func testIssuer(t *testing.T) *Issuer {
	t.Helper()

	cfg := config.DefaultAuthConfig()
	iss, err := NewIssuer(cfg, []byte("test-signing-key"))
	require.NoError(t, err)
	return iss
}

func testUser() *models.User {
	return &models.User{
		ID:       uuid.New(),
		Email:    "alice@example.com",
		Username: "alice",
		IsStaff:  true,
	}
}

func TestNewIssuerRequiresKey(t *testing.T) {
	_, err := NewIssuer(config.DefaultAuthConfig(), nil)
	assert.Error(t, err)
}

func TestIssuePairRoundTrip(t *testing.T) {
	iss := testIssuer(t)
	user := testUser()

	pair, err := iss.IssuePair(user)
	require.NoError(t, err)
	require.NotEmpty(t, pair.Access)
	require.NotEmpty(t, pair.Refresh)

	claims, err := iss.Verify(pair.Access, TokenTypeAccess)
	require.NoError(t, err)
	assert.Equal(t, user.ID.String(), claims.UserID)
	assert.Equal(t, user.ID.String(), claims.Subject)
	assert.Equal(t, "alice", claims.Username)
	assert.True(t, claims.IsStaff)
	assert.NotEmpty(t, claims.ID, "jti must be set")

	principal, err := claims.Principal()
	require.NoError(t, err)
	assert.Equal(t, user.ID, principal.ID)
	assert.True(t, principal.IsStaff)
}

func TestVerifyRejectsWrongTokenType(t *testing.T) {
	iss := testIssuer(t)

	pair, err := iss.IssuePair(testUser())
	require.NoError(t, err)

	_, err = iss.Verify(pair.Refresh, TokenTypeAccess)
	assert.ErrorIs(t, err, ErrWrongTokenType)
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	iss := testIssuer(t)
	other, err := NewIssuer(config.DefaultAuthConfig(), []byte("a-different-key"))
	require.NoError(t, err)

	pair, err := other.IssuePair(testUser())
	require.NoError(t, err)

	_, err = iss.Verify(pair.Access, TokenTypeAccess)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	foreignCfg := config.DefaultAuthConfig()
	foreignCfg.Issuer = "someone-else"
	foreign, err := NewIssuer(foreignCfg, []byte("test-signing-key"))
	require.NoError(t, err)

	pair, err := foreign.IssuePair(testUser())
	require.NoError(t, err)

	iss := testIssuer(t)
	_, err = iss.Verify(pair.Access, TokenTypeAccess)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyExpiryLeeway(t *testing.T) {
	iss := testIssuer(t)
	user := testUser()

	// Issued far enough in the past that the access token is expired,
	// but by less than the leeway.
	iss.now = func() time.Time {
		return time.Now().Add(-iss.cfg.AccessTTL - 5*time.Second)
	}
	pair, err := iss.IssuePair(user)
	require.NoError(t, err)

	iss.now = time.Now
	_, err = iss.Verify(pair.Access, TokenTypeAccess)
	assert.NoError(t, err, "expiry within leeway must verify")

	iss.now = func() time.Time {
		return time.Now().Add(-iss.cfg.AccessTTL - time.Minute)
	}
	pair, err = iss.IssuePair(user)
	require.NoError(t, err)

	iss.now = time.Now
	_, err = iss.Verify(pair.Access, TokenTypeAccess)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefreshMintsNewPair(t *testing.T) {
	iss := testIssuer(t)
	user := testUser()

	pair, err := iss.IssuePair(user)
	require.NoError(t, err)

	renewed, err := iss.Refresh(pair.Refresh)
	require.NoError(t, err)

	claims, err := iss.Verify(renewed.Access, TokenTypeAccess)
	require.NoError(t, err)
	assert.Equal(t, user.ID.String(), claims.UserID)
	assert.Equal(t, user.Email, claims.Email)
	assert.True(t, claims.IsStaff)

	_, err = iss.Refresh(pair.Access)
	assert.ErrorIs(t, err, ErrWrongTokenType, "access token must not refresh")
}

func TestPrincipalRejectsGarbageSubject(t *testing.T) {
	c := &Claims{UserID: "not-a-uuid"}
	_, err := c.Principal()
	assert.ErrorIs(t, err, ErrInvalidToken)
}
