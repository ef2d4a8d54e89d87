package auth_test

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltgrid/ev-platform/internal/auth"
	"github.com/voltgrid/ev-platform/internal/domain/domaintest"
)

const (
	testIssuer   = "ev-platform"
	testAudience = "ev-api"
)

func newTestKeyStore(t *testing.T) *auth.StaticKeyStore {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return auth.NewStaticKeyStore(key, "kid-1")
}

func newTestMinter(t *testing.T, ks auth.KeyStore, clock *domaintest.FakeClock) *auth.Minter {
	t.Helper()
	return auth.NewMinter(auth.MinterConfig{
		KeyStore:   ks,
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
		Issuer:     testIssuer,
		Audience:   testAudience,
		Clock:      clock,
	})
}

func TestMinter(t *testing.T) {
	clock := domaintest.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 500_000_000, time.UTC))
	ks := newTestKeyStore(t)
	minter := newTestMinter(t, ks, clock)

	t.Run("access token carries expected claims", func(t *testing.T) {
		res, err := minter.MintAccessToken("user-1", "+919876543210")
		require.NoError(t, err)

		claims := parseUnverified(t, res.Token)
		assert.Equal(t, "user-1", claims.Subject)
		assert.Equal(t, auth.TokenTypeAccess, claims.TokenType)
		assert.Equal(t, "+919876543210", claims.Phone)
		assert.Equal(t, testIssuer, claims.Issuer)
		assert.Equal(t, jwt.ClaimStrings{testAudience}, claims.Audience)
		assert.Equal(t, res.JTI, claims.ID)
		assert.NotEmpty(t, res.JTI)
	})

	t.Run("issued-at is truncated to whole seconds", func(t *testing.T) {
		res, err := minter.MintAccessToken("user-1", "+919876543210")
		require.NoError(t, err)

		assert.Zero(t, res.IssuedAt.Nanosecond())
		assert.Equal(t, res.IssuedAt.Add(15*time.Minute), res.ExpiresAt)
	})

	t.Run("refresh token is typed and long-lived", func(t *testing.T) {
		res, err := minter.MintRefreshToken("user-1", "+919876543210")
		require.NoError(t, err)

		claims := parseUnverified(t, res.Token)
		assert.Equal(t, auth.TokenTypeRefresh, claims.TokenType)
		assert.Equal(t, res.IssuedAt.Add(7*24*time.Hour), res.ExpiresAt)
	})

	t.Run("pair has distinct JTIs", func(t *testing.T) {
		pair, err := minter.MintPair("user-1", "+919876543210")
		require.NoError(t, err)

		assert.NotEqual(t, pair.Access.JTI, pair.Refresh.JTI)
		assert.Equal(t, auth.TokenTypeAccess, parseUnverified(t, pair.Access.Token).TokenType)
		assert.Equal(t, auth.TokenTypeRefresh, parseUnverified(t, pair.Refresh.Token).TokenType)
	})

	t.Run("kid header is set from the keystore", func(t *testing.T) {
		res, err := minter.MintAccessToken("user-1", "+919876543210")
		require.NoError(t, err)

		parser := jwt.NewParser()
		token, _, err := parser.ParseUnverified(res.Token, &auth.Claims{})
		require.NoError(t, err)
		assert.Equal(t, "kid-1", token.Header["kid"])
	})
}

func parseUnverified(t *testing.T, tokenString string) *auth.Claims {
	t.Helper()
	var claims auth.Claims
	_, _, err := jwt.NewParser().ParseUnverified(tokenString, &claims)
	require.NoError(t, err)
	return &claims
}
