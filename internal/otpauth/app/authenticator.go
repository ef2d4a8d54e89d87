package app

import (
	"context"
	"fmt"
	"time"

	"github.com/voltgrid/ev-platform/internal/auth"
	"github.com/voltgrid/ev-platform/internal/domain"
)

// RevocationReader reads the per-user revocation marker.
type RevocationReader interface {
	GetRevocationMarker(ctx context.Context, userID string) (time.Time, bool, error)
}

// TokenAuthenticator validates access tokens for services that do not own
// the OTP flow. It enforces the same revocation rule as the auth service:
// tokens issued strictly before the user's marker are rejected.
type TokenAuthenticator struct {
	validator *auth.Validator
	sessions  RevocationReader
}

// NewTokenAuthenticator creates a TokenAuthenticator.
func NewTokenAuthenticator(validator *auth.Validator, sessions RevocationReader) *TokenAuthenticator {
	return &TokenAuthenticator{validator: validator, sessions: sessions}
}

// Authenticate validates an access token and checks the revocation marker.
func (a *TokenAuthenticator) Authenticate(ctx context.Context, accessToken string) (*auth.Claims, error) {
	claims, err := a.validator.ValidateAccessToken(accessToken)
	if err != nil {
		return nil, err
	}

	marker, found, err := a.sessions.GetRevocationMarker(ctx, claims.Subject)
	if err != nil {
		// Fail closed: a marker read error rejects the token.
		return nil, fmt.Errorf("read revocation marker: %w", err)
	}
	if found && claims.IssuedAt != nil && claims.IssuedAt.Time.Before(marker) {
		return nil, fmt.Errorf("token issued before revocation: %w", domain.ErrTokenRevoked)
	}
	return claims, nil
}
