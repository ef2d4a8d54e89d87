package app

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/voltgrid/ev-platform/internal/auth"
	"github.com/voltgrid/ev-platform/internal/domain"
	"github.com/voltgrid/ev-platform/internal/observability"
)

// RefreshResult is returned on successful token refresh.
type RefreshResult struct {
	AccessToken      string
	ExpiresInSeconds int
}

// RefreshTokens exchanges a valid refresh token for a new access token.
// All access tokens issued before this call are revoked via the user
// revocation marker; the refresh JTI stays the same.
func (s *Service) RefreshTokens(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	ctx, span := tracer.Start(ctx, "otpauth.refresh")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	if refreshToken == "" {
		return nil, fmt.Errorf("empty refresh token: %w", domain.ErrRefreshTokenRequired)
	}

	// 1. Signature, expiry, and type checks.
	claims, err := s.validator.ValidateRefreshToken(refreshToken)
	if err != nil {
		span.SetStatus(codes.Error, "refresh token rejected")
		return nil, err
	}

	// 2. The JTI must still be live server-side; a logout deletes it.
	rec, found, err := s.sessions.GetRefresh(ctx, claims.ID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load refresh record: %w", err)
	}
	if !found || rec.UserID != claims.Subject {
		revocationsTotal.Add(ctx, 1)
		return nil, fmt.Errorf("refresh jti %s not live: %w", claims.ID, domain.ErrRefreshTokenRevoked)
	}

	// 3. The user must still exist.
	user, err := s.users.GetByID(ctx, claims.Subject)
	if err != nil {
		if domain.IsNotFound(err) {
			return nil, fmt.Errorf("refresh for deleted user: %w", domain.ErrUserNotFound)
		}
		span.RecordError(err)
		return nil, fmt.Errorf("load user: %w", err)
	}

	// 4. Revoke every outstanding access token, then mint a new one.
	now := s.clock.Now().UTC().Truncate(time.Second)
	if err := s.sessions.SetRevocationMarker(ctx, user.ID, now, s.minter.AccessTTL()); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("set revocation marker: %w", err)
	}

	access, err := s.minter.MintAccessToken(user.ID, claims.Phone)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("mint access token: %w", err)
	}

	// 5. Update the session's last-login stamp, keeping the refresh JTI.
	if session, ok, err := s.sessions.GetSession(ctx, user.ID); err == nil && ok {
		session.LastLoginAt = now
		if saveErr := s.sessions.SaveSession(ctx, user.ID, session, domain.SessionLifetime); saveErr != nil {
			logger.WarnContext(ctx, "session update failed", "user_id", user.ID, "error", saveErr)
		}
	}

	s.recordAudit(ctx, AuditEntry{
		Phone: claims.Phone, EventType: domain.AuditTokenRefreshed,
		Metadata: domain.JSONMap{"userId": user.ID, "refreshJti": claims.ID},
	})
	logger.InfoContext(ctx, "access token refreshed", "user_id", user.ID)

	return &RefreshResult{
		AccessToken:      access.Token,
		ExpiresInSeconds: int(s.minter.AccessTTL().Seconds()),
	}, nil
}

// Logout revokes every refresh token for the user behind refreshToken and
// sets the revocation marker. It never discloses whether the token was
// valid; callers always get a success response.
func (s *Service) Logout(ctx context.Context, refreshToken string) {
	ctx, span := tracer.Start(ctx, "otpauth.logout")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	claims, err := s.validator.ValidateRefreshToken(refreshToken)
	if err != nil {
		logger.InfoContext(ctx, "logout with unusable token")
		return
	}
	userID := claims.Subject

	jtis, err := s.sessions.ListUserRefresh(ctx, userID)
	if err != nil {
		logger.WarnContext(ctx, "refresh index read failed on logout", "user_id", userID, "error", err)
	}
	if len(jtis) == 0 {
		jtis = []string{claims.ID}
	}
	if err := s.sessions.DeleteRefresh(ctx, jtis...); err != nil {
		logger.WarnContext(ctx, "refresh record delete failed on logout", "user_id", userID, "error", err)
	}

	now := s.clock.Now().UTC().Truncate(time.Second)
	if err := s.sessions.SetRevocationMarker(ctx, userID, now, s.minter.AccessTTL()); err != nil {
		logger.WarnContext(ctx, "revocation marker write failed on logout", "user_id", userID, "error", err)
	}
	revocationsTotal.Add(ctx, 1)

	s.recordAudit(ctx, AuditEntry{
		Phone: claims.Phone, EventType: domain.AuditLogout,
		Metadata: domain.JSONMap{"userId": userID, "revokedJtis": len(jtis)},
	})
	logger.InfoContext(ctx, "user logged out", "user_id", userID)
}

// Authenticate validates an access token and enforces the user revocation
// marker: tokens issued strictly before the marker are rejected.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*auth.Claims, error) {
	return NewTokenAuthenticator(s.validator, s.sessions).Authenticate(ctx, accessToken)
}
