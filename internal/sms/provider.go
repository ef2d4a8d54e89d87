// Package sms delivers OTP codes through pluggable providers and a durable
// dispatch queue backed by the key/value store.
package sms

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/voltgrid/ev-platform/internal/domain"
)

// SendResult reports a successful delivery handoff. MessageID is the
// provider's identifier for the accepted message, not a delivery receipt.
type SendResult struct {
	Provider  string
	MessageID string
	Duration  time.Duration
	Attempts  int
}

// Provider abstracts the SMS vendor. Implementations accept the message
// for delivery; they do not guarantee receipt.
type Provider interface {
	Send(ctx context.Context, phone, otp string) (SendResult, error)
}

// Compile-time interface satisfaction checks.
var _ Provider = (*LogProvider)(nil)
var _ Provider = (*RetryingProvider)(nil)

// RetryingProvider wraps a Provider with a short fixed-interval retry
// layer, separate from the queue's exponential backoff across jobs.
type RetryingProvider struct {
	inner       Provider
	maxAttempts int
	interval    time.Duration
	clock       domain.Clock
}

// NewRetryingProvider wraps inner with maxAttempts tries spaced interval
// apart.
func NewRetryingProvider(inner Provider, maxAttempts int, interval time.Duration, clock domain.Clock) *RetryingProvider {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &RetryingProvider{inner: inner, maxAttempts: maxAttempts, interval: interval, clock: clock}
}

// Send attempts delivery up to maxAttempts times. The returned result's
// Attempts counts tries including the successful one.
func (p *RetryingProvider) Send(ctx context.Context, phone, otp string) (SendResult, error) {
	start := p.clock.Now()

	var res SendResult
	attempts := 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.interval), uint64(p.maxAttempts-1)), ctx)

	err := backoff.Retry(func() error {
		attempts++
		var sendErr error
		res, sendErr = p.inner.Send(ctx, phone, otp)
		return sendErr
	}, policy)
	if err != nil {
		return SendResult{}, fmt.Errorf("sms send to %s after %d attempts: %w", maskPhone(phone), attempts, err)
	}

	res.Attempts = attempts
	res.Duration = p.clock.Now().Sub(start)
	return res, nil
}

// LogProvider is a fake Provider that logs OTP delivery instead of sending
// real SMS. Suitable for local development and testing environments.
type LogProvider struct {
	logger *slog.Logger
}

// NewLogProvider creates a LogProvider that writes OTP events to the given
// structured logger.
func NewLogProvider(logger *slog.Logger) *LogProvider {
	return &LogProvider{logger: logger}
}

// Send logs the OTP delivery with a masked phone number. It never sends a
// real SMS.
func (p *LogProvider) Send(ctx context.Context, phone, otp string) (SendResult, error) {
	p.logger.InfoContext(ctx, "otp delivery (log-only)",
		slog.String("phone", maskPhone(phone)),
		slog.String("otp", otp),
	)
	return SendResult{Provider: "log", MessageID: "log-" + maskPhone(phone)}, nil
}

// maskPhone returns a masked representation of the phone number showing
// only the last 4 digits. Numbers shorter than 5 characters are fully
// masked.
func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return "***" + phone[len(phone)-4:]
}
