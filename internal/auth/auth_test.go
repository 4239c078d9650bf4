package auth_test

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/pairchat/internal/auth"
	"github.com/omochice/pairchat/internal/clock"
)

var secret = []byte("test-secret")

func newPair(t *testing.T, clk clock.Clock) (*auth.Issuer, *auth.Verifier) {
	t.Helper()
	issuer, err := auth.NewIssuer(secret, clk)
	require.NoError(t, err)
	verifier, err := auth.NewVerifier(secret, clk)
	require.NoError(t, err)
	return issuer, verifier
}

func TestVerifyValidToken(t *testing.T) {
	issuer, verifier := newPair(t, nil)

	token, err := issuer.Issue(auth.Identity{UserID: "alice", DisplayName: "Alice"}, time.Hour)
	require.NoError(t, err)

	id, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, auth.Identity{UserID: "alice", DisplayName: "Alice"}, id)
}

func TestVerifyDisplayNameFallsBackToSubject(t *testing.T) {
	issuer, verifier := newPair(t, nil)

	token, err := issuer.Issue(auth.Identity{UserID: "bob"}, time.Hour)
	require.NoError(t, err)

	id, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "bob", id.DisplayName)
}

func TestVerifyRejects(t *testing.T) {
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.Fake(start)
	issuer, verifier := newPair(t, clk)

	expired, err := issuer.Issue(auth.Identity{UserID: "alice"}, time.Minute)
	require.NoError(t, err)

	otherIssuer, err := auth.NewIssuer([]byte("other-secret"), clk)
	require.NoError(t, err)
	wrongKey, err := otherIssuer.Issue(auth.Identity{UserID: "alice"}, time.Hour)
	require.NoError(t, err)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(start.Add(time.Hour))},
	}).SignedString(secret)
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"},
	}).SignedString(secret)
	require.NoError(t, err)

	badSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice_bob",
			ExpiresAt: jwt.NewNumericDate(start.Add(time.Hour)),
		},
	}).SignedString(secret)
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)

	tests := []struct {
		name  string
		token string
	}{
		{name: "missing token", token: ""},
		{name: "garbage", token: "not-a-jwt"},
		{name: "expired", token: expired},
		{name: "wrong signature", token: wrongKey},
		{name: "missing subject", token: noSubject},
		{name: "missing expiry", token: noExpiry},
		{name: "subject contains separator", token: badSubject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			require.Error(t, err)
			assert.True(t, errors.Is(err, auth.ErrUnauthorized), "error %v should wrap ErrUnauthorized", err)
		})
	}
}

func TestNewVerifierRequiresKey(t *testing.T) {
	_, err := auth.NewVerifier(nil, nil)
	assert.ErrorIs(t, err, auth.ErrNoSigningKey)

	_, err = auth.NewIssuer([]byte{}, nil)
	assert.ErrorIs(t, err, auth.ErrNoSigningKey)
}

func TestValidUserID(t *testing.T) {
	assert.True(t, auth.ValidUserID("64f1c2a9e4b0a1b2c3d4e5f6"))
	assert.True(t, auth.ValidUserID("user-1.test"))
	assert.False(t, auth.ValidUserID(""))
	assert.False(t, auth.ValidUserID("a_b"))
	assert.False(t, auth.ValidUserID("has space"))
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=from-query", nil)
	assert.Equal(t, "from-query", auth.TokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer from-header")
	assert.Equal(t, "from-header", auth.TokenFromRequest(r))

	r.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, "", auth.TokenFromRequest(r))
}
