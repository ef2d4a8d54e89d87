package app

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/google/uuid"

	"github.com/voltgrid/ev-platform/internal/auth"
	"github.com/voltgrid/ev-platform/internal/domain"
	"github.com/voltgrid/ev-platform/internal/errmap"
	"github.com/voltgrid/ev-platform/internal/observability"
	"github.com/voltgrid/ev-platform/internal/ratelimit"
	"github.com/voltgrid/ev-platform/internal/sms"
)

// RequestInput carries one OTP request.
type RequestInput struct {
	Phone       string
	CountryCode string
	IP          string
	UserAgent   string
}

// RequestResult is returned on accepted OTP requests. Registered and
// unregistered phones both get a 202-shaped result so the two are
// indistinguishable to an enumerating client apart from the message text.
type RequestResult struct {
	Message          string
	RequestID        string
	ExpiresInSeconds int
}

// RequestOTP runs the OTP request flow: canonicalize, rate limit, check
// existence, store the code, enqueue the SMS.
func (s *Service) RequestOTP(ctx context.Context, in RequestInput) (*RequestResult, error) {
	ctx, span := tracer.Start(ctx, "otpauth.request")
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
			Phone: in.Phone, EventType: domain.AuditRequestInvalid,
			IP: in.IP, UserAgent: in.UserAgent,
			Metadata: domain.JSONMap{"error": normalized.Err.Error()},
		})
		span.SetStatus(codes.Error, "invalid phone")
		return nil, fmt.Errorf("canonicalize phone: %w", normalized.Err)
	}
	phone := normalized.Normalized

	// 2. Cooldown and layered limits. The composite check fails on the
	// first exceeded rule.
	if res := s.limiter.CheckCooldown(ctx, s.cooldownRule(phone)); !res.Allowed {
		return nil, s.requestRateLimited(ctx, phone, in, "cooldown", res.RetryAfterSeconds, domain.ErrRateLimited)
	}
	rules := s.requestRules(phone, in.IP)
	if res := s.limiter.CheckAll(ctx, rules...); !res.Allowed {
		denyErr := domain.ErrRateLimited
		if res.Reason == "hourly" || res.Reason == "daily" {
			denyErr = domain.ErrPhoneRateLimited
		}
		return nil, s.requestRateLimited(ctx, phone, in, res.Reason, res.RetryAfterSeconds, denyErr)
	}

	requestID := uuid.NewString()
	expiresIn := int(s.otpTTL.Seconds())

	// 3. Existence check. Unregistered phones get the same accepted shape
	// with no OTP stored and no SMS dispatched, and limits are burned
	// anyway so probing costs the same as a real request.
	check, err := s.phones.CheckPhoneExists(ctx, phone)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("check phone exists: %w", err)
	}
	if !check.Exists {
		s.applyRequestLimits(ctx, phone, in.IP)
		s.recordAudit(ctx, AuditEntry{
			Phone: phone, EventType: domain.AuditRequestNonexistentPhone,
			IP: in.IP, UserAgent: in.UserAgent,
			Metadata: domain.JSONMap{"source": check.Source},
		})
		otpRequestsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "nonexistent")))
		logger.InfoContext(ctx, "otp request for unregistered phone", "source", check.Source)
		return &RequestResult{
			Message:          "Phone number is not registered",
			RequestID:        requestID,
			ExpiresInSeconds: expiresIn,
		}, nil
	}

	// 4. Generate and store the code.
	otp, err := auth.GenerateOTP()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	now := s.clock.Now().UTC()
	rec := OtpRecord{
		HMAC:      auth.ComputeOTPHMAC(s.hmacSecret, otp, phone),
		CreatedAt: now,
	}
	if err := s.otps.Save(ctx, phone, rec, s.otpTTL); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("store otp: %w", err)
	}

	// 5. Burn the limits before dispatch so a crashed enqueue cannot be
	// replayed for free.
	s.applyRequestLimits(ctx, phone, in.IP)

	// 6. Hand delivery to the queue.
	jobID, err := s.queue.Enqueue(ctx, sms.Job{
		Phone:     phone,
		OTP:       otp,
		RequestID: requestID,
		IP:        in.IP,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("enqueue sms: %w", err)
	}

	// 7. Audit and accept.
	s.recordAudit(ctx, AuditEntry{
		Phone: phone, EventType: domain.AuditRequested,
		IP: in.IP, UserAgent: in.UserAgent,
		Metadata: domain.JSONMap{"requestId": requestID, "jobId": jobID},
	})
	otpRequestsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "accepted")))
	logger.InfoContext(ctx, "otp requested", "request_id", requestID)

	return &RequestResult{
		Message:          "OTP sent successfully",
		RequestID:        requestID,
		ExpiresInSeconds: expiresIn,
	}, nil
}

// ResendOTP is the request flow under another name; the cooldown enforces
// the minimum interval between sends.
func (s *Service) ResendOTP(ctx context.Context, in RequestInput) (*RequestResult, error) {
	return s.RequestOTP(ctx, in)
}

func (s *Service) cooldownRule(phone string) ratelimit.Cooldown {
	return ratelimit.Cooldown{Key: cooldownKey(phone), Duration: s.cooldown}
}

func (s *Service) requestRules(phone, ip string) []ratelimit.Rule {
	return []ratelimit.Rule{
		{Key: hourKey(phone), Limit: s.hourLimit, Window: time.Hour, Reason: "hourly"},
		{Key: dayKey(phone), Limit: s.dayLimit, Window: 24 * time.Hour, Reason: "daily"},
		{Key: requestIPKey(ip), Limit: s.ipLimit, Window: domain.TenMinuteWindow, Reason: "ip"},
	}
}

func (s *Service) applyRequestLimits(ctx context.Context, phone, ip string) {
	s.limiter.ApplyAll(ctx, s.requestRules(phone, ip)...)
	s.limiter.ApplyCooldown(ctx, s.cooldownRule(phone))
}

func (s *Service) requestRateLimited(ctx context.Context, phone string, in RequestInput, reason string, retryAfter int, denyErr error) error {
	rateLimitsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", "request_otp"),
		attribute.String("limit_type", reason),
	))
	s.recordAudit(ctx, AuditEntry{
		Phone: phone, EventType: domain.AuditRequestRateLimited,
		IP: in.IP, UserAgent: in.UserAgent,
		Metadata: domain.JSONMap{"reason": reason, "retryAfter": retryAfter},
	})
	return errmap.WithRetryAfter(fmt.Errorf("otp request %s limit: %w", reason, denyErr), retryAfter)
}

// recordAudit appends an audit row on a detached context so it survives
// client disconnects.
func (s *Service) recordAudit(ctx context.Context, entry AuditEntry) {
	s.audit.Record(context.WithoutCancel(ctx), entry)
}
