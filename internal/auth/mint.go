package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/voltgrid/ev-platform/internal/domain"
)

// MintResult holds one signed token.
type MintResult struct {
	Token     string
	JTI       string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenPair bundles the access and refresh tokens issued on verify.
type TokenPair struct {
	Access  MintResult
	Refresh MintResult
}

// Minter creates signed RS256 JWTs.
type Minter struct {
	keyStore   KeyStore
	accessTTL  time.Duration
	refreshTTL time.Duration
	issuer     string
	audience   string
	clock      domain.Clock
}

// MinterConfig holds configuration for creating a Minter.
type MinterConfig struct {
	KeyStore   KeyStore
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Issuer     string
	Audience   string
	Clock      domain.Clock
}

// NewMinter creates a new JWT minter.
func NewMinter(cfg MinterConfig) *Minter {
	return &Minter{
		keyStore:   cfg.KeyStore,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		clock:      cfg.Clock,
	}
}

// MintAccessToken creates a signed access token for the user. The issued-at
// is truncated to whole seconds so it compares cleanly against the
// seconds-precision user revocation marker.
func (m *Minter) MintAccessToken(userID, phone string) (MintResult, error) {
	return m.mint(userID, phone, TokenTypeAccess, m.accessTTL)
}

// MintRefreshToken creates a signed refresh token for the user.
func (m *Minter) MintRefreshToken(userID, phone string) (MintResult, error) {
	return m.mint(userID, phone, TokenTypeRefresh, m.refreshTTL)
}

// MintPair issues a fresh access+refresh pair.
func (m *Minter) MintPair(userID, phone string) (TokenPair, error) {
	access, err := m.MintAccessToken(userID, phone)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := m.MintRefreshToken(userID, phone)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{Access: access, Refresh: refresh}, nil
}

// AccessTTL reports the configured access token lifetime.
func (m *Minter) AccessTTL() time.Duration {
	return m.accessTTL
}

func (m *Minter) mint(userID, phone, tokenType string, ttl time.Duration) (MintResult, error) {
	privateKey, keyID, err := m.keyStore.SigningKey()
	if err != nil {
		return MintResult{}, fmt.Errorf("get signing key: %w", err)
	}

	now := m.clock.Now().UTC().Truncate(time.Second)
	jti := uuid.NewString()
	expiresAt := now.Add(ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{m.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        jti,
		},
		TokenType: tokenType,
		Phone:     phone,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, &claims)
	token.Header["kid"] = keyID

	signed, err := token.SignedString(privateKey)
	if err != nil {
		return MintResult{}, fmt.Errorf("sign %s token: %w", tokenType, err)
	}

	return MintResult{
		Token:     signed,
		JTI:       jti,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}, nil
}
