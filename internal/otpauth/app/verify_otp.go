package app

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/voltgrid/ev-platform/internal/auth"
	"github.com/voltgrid/ev-platform/internal/domain"
	"github.com/voltgrid/ev-platform/internal/errmap"
	"github.com/voltgrid/ev-platform/internal/observability"
	"github.com/voltgrid/ev-platform/internal/ratelimit"
)

// VerifyInput carries one OTP verification attempt.
type VerifyInput struct {
	Phone       string
	CountryCode string
	OTP         string
	IP          string
	UserAgent   string
}

// TokenBundle is the issued token pair.
type TokenBundle struct {
	AccessToken      string
	RefreshToken     string
	ExpiresInSeconds int
}

// VerifyResult is returned on successful verification.
type VerifyResult struct {
	User   *domain.User
	Tokens TokenBundle
}

// VerifyOTP runs the verification flow: rate limits, lockout, constant-time
// code comparison with progressive delay on mismatch, then session and
// token issuance.
func (s *Service) VerifyOTP(ctx context.Context, in VerifyInput) (*VerifyResult, error) {
	ctx, span := tracer.Start(ctx, "otpauth.verify")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	// 1. Canonicalize the phone number.
	country := in.CountryCode
	if country == "" {
		country = s.defaultCountry
	}
	normalized := domain.NormalizePhone(in.Phone, country)
	if !normalized.IsValid {
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "invalid_phone")))
		s.recordAudit(ctx, AuditEntry{
			Phone: in.Phone, EventType: domain.AuditVerifyInvalidPhone,
			IP: in.IP, UserAgent: in.UserAgent,
		})
		span.SetStatus(codes.Error, "invalid phone")
		return nil, fmt.Errorf("canonicalize phone: %w", normalized.Err)
	}
	phone := normalized.Normalized

	// 2. Lockout, then verification-side limits.
	locked, retryAfter, err := s.otps.IsLocked(ctx, phone)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("check account lock: %w", err)
	}
	if locked {
		s.recordAudit(ctx, AuditEntry{
			Phone: phone, EventType: domain.AuditVerifyLocked,
			IP: in.IP, UserAgent: in.UserAgent,
		})
		return nil, errmap.WithRetryAfter(
			fmt.Errorf("account locked: %w", domain.ErrAccountLocked), retryAfter)
	}
	if res := s.limiter.CheckAll(ctx, s.verifyRules(phone, in.IP)...); !res.Allowed {
		rateLimitsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("endpoint", "verify_otp"),
			attribute.String("limit_type", res.Reason),
		))
		s.recordAudit(ctx, AuditEntry{
			Phone: phone, EventType: domain.AuditVerifyRateLimited,
			IP: in.IP, UserAgent: in.UserAgent,
			Metadata: domain.JSONMap{"reason": res.Reason},
		})
		return nil, errmap.WithRetryAfter(
			fmt.Errorf("otp verify %s limit: %w", res.Reason, domain.ErrRateLimited),
			res.RetryAfterSeconds)
	}

	// 3. Load the pending record.
	rec, found, err := s.otps.Get(ctx, phone)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("load otp record: %w", err)
	}
	if !found {
		s.recordAudit(ctx, AuditEntry{
			Phone: phone, EventType: domain.AuditVerifyNotFound,
			IP: in.IP, UserAgent: in.UserAgent,
		})
		return nil, fmt.Errorf("no pending otp: %w", domain.ErrOTPNotFound)
	}
	now := s.clock.Now().UTC()
	if now.After(rec.CreatedAt.Add(s.otpTTL)) {
		_ = s.otps.Delete(ctx, phone)
		s.recordAudit(ctx, AuditEntry{
			Phone: phone, EventType: domain.AuditVerifyExpired,
			IP: in.IP, UserAgent: in.UserAgent,
		})
		return nil, fmt.Errorf("otp expired: %w", domain.ErrOTPExpired)
	}

	// 4. Lock the account once attempts are exhausted.
	if rec.Attempts >= domain.MaxOTPVerifyAttempts {
		if err := s.otps.Lock(ctx, phone, domain.OTPLockoutDuration); err != nil {
			logger.WarnContext(ctx, "account lock write failed", "error", err)
		}
		s.recordAudit(ctx, AuditEntry{
			Phone: phone, EventType: domain.AuditVerifyLocked,
			IP: in.IP, UserAgent: in.UserAgent,
			Metadata: domain.JSONMap{"attempts": rec.Attempts},
		})
		return nil, errmap.WithRetryAfter(
			fmt.Errorf("too many attempts: %w", domain.ErrAccountLocked),
			int(domain.OTPLockoutDuration.Seconds()))
	}

	// 5. Count this attempt before comparing.
	attempts, err := s.otps.IncrementAttempts(ctx, phone)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("count verify attempt: %w", err)
	}

	// 6. Constant-time comparison; mismatches pay a progressive delay.
	if !auth.VerifyOTPHMAC(s.hmacSecret, in.OTP, phone, rec.HMAC) {
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "invalid_otp")))
		s.progressiveDelay(ctx, attempts)
		s.recordAudit(ctx, AuditEntry{
			Phone: phone, EventType: domain.AuditVerifyFailed,
			IP: in.IP, UserAgent: in.UserAgent,
			Metadata: domain.JSONMap{"attempts": attempts},
		})
		remaining := domain.MaxOTPVerifyAttempts - attempts
		if remaining < 0 {
			remaining = 0
		}
		return nil, errmap.WithDetails(
			fmt.Errorf("otp mismatch: %w", domain.ErrInvalidOTP),
			map[string]any{"remainingAttempts": remaining})
	}

	// 7. Defense in depth: the phone must still map to a registered user.
	check, err := s.phones.CheckPhoneExists(ctx, phone)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("recheck phone: %w", err)
	}
	user := check.User
	if user == nil && check.Exists {
		user, err = s.users.FindByPhone(ctx, phone)
		if err != nil && !domain.IsNotFound(err) {
			span.RecordError(err)
			return nil, fmt.Errorf("load user: %w", err)
		}
	}
	if !check.Exists || user == nil {
		s.recordAudit(ctx, AuditEntry{
			Phone: phone, EventType: domain.AuditVerifyPhoneNotRegistered,
			IP: in.IP, UserAgent: in.UserAgent,
		})
		return nil, fmt.Errorf("phone not registered: %w", domain.ErrPhoneNotRegistered)
	}

	// 8. Issue the session.
	result, err := s.establishSession(ctx, user, phone, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := s.otps.Delete(ctx, phone); err != nil {
		logger.WarnContext(ctx, "otp record delete failed", "error", err)
	}
	s.limiter.ApplyAll(ctx, s.verifyRules(phone, in.IP)...)
	s.recordAudit(ctx, AuditEntry{
		Phone: phone, EventType: domain.AuditVerified,
		IP: in.IP, UserAgent: in.UserAgent,
		Metadata: domain.JSONMap{"userId": user.ID},
	})
	otpVerifiedTotal.Add(ctx, 1)
	logger.InfoContext(ctx, "otp verified", "user_id", user.ID)

	return result, nil
}

// establishSession marks the user verified, mints the token pair, and
// writes session, refresh record, and refresh index.
func (s *Service) establishSession(ctx context.Context, user *domain.User, phone string, now time.Time) (*VerifyResult, error) {
	if err := s.users.MarkVerified(ctx, user.ID, now); err != nil {
		return nil, fmt.Errorf("mark user verified: %w", err)
	}

	pair, err := s.minter.MintPair(user.ID, phone)
	if err != nil {
		return nil, fmt.Errorf("mint tokens: %w", err)
	}

	sessionTTL := domain.SessionLifetime
	session := Session{
		Phone:       phone,
		Verified:    true,
		VerifiedAt:  now,
		LastLoginAt: now,
		RefreshJTI:  pair.Refresh.JTI,
		CreatedAt:   now,
	}
	if err := s.sessions.SaveSession(ctx, user.ID, session, sessionTTL); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	refresh := RefreshRecord{
		UserID:    user.ID,
		Token:     pair.Refresh.Token,
		CreatedAt: now,
	}
	if err := s.sessions.SaveRefresh(ctx, pair.Refresh.JTI, refresh, sessionTTL); err != nil {
		return nil, fmt.Errorf("save refresh record: %w", err)
	}
	if err := s.sessions.IndexUserRefresh(ctx, user.ID, pair.Refresh.JTI, sessionTTL); err != nil {
		return nil, fmt.Errorf("index refresh record: %w", err)
	}
	if err := s.sessions.ClearRevocationMarker(ctx, user.ID); err != nil {
		s.logger.WarnContext(ctx, "revocation marker clear failed", "user_id", user.ID, "error", err)
	}

	user.IsVerified = true

	return &VerifyResult{
		User: user,
		Tokens: TokenBundle{
			AccessToken:      pair.Access.Token,
			RefreshToken:     pair.Refresh.Token,
			ExpiresInSeconds: int(s.minter.AccessTTL().Seconds()),
		},
	}, nil
}

// progressiveDelay sleeps min(1000*2^(attempts-1), 16000) milliseconds.
// The sleep is cancellation-aware; the caller's audit write happens on a
// detached context so an early disconnect still leaves a trail.
func (s *Service) progressiveDelay(ctx context.Context, attempts int) {
	if attempts < 1 {
		attempts = 1
	}
	delay := domain.ProgressiveDelayBase << (attempts - 1)
	if delay > domain.ProgressiveDelayMax {
		delay = domain.ProgressiveDelayMax
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (s *Service) verifyRules(phone, ip string) []ratelimit.Rule {
	return []ratelimit.Rule{
		{Key: verifyKey(phone), Limit: domain.VerifyPhoneLimit, Window: domain.TenMinuteWindow, Reason: "phone"},
		{Key: verifyIPKey(ip), Limit: domain.VerifyIPLimit10Min, Window: domain.TenMinuteWindow, Reason: "ip"},
	}
}
