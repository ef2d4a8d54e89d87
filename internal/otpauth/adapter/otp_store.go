// Package adapter implements the otpauth app ports over Redis and
// Postgres.
package adapter

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/voltgrid/ev-platform/internal/otpauth/app"
	redisclient "github.com/voltgrid/ev-platform/internal/redis"
)

var tracer = otel.Tracer("otpauth/adapter")

// Key patterns for the OTP lifecycle.
const (
	otpPrefix     = "otp:"
	otpLockPrefix = "otp:lock:"
)

// Compile-time check: OTPStore satisfies app.OTPStore.
var _ app.OTPStore = (*OTPStore)(nil)

// OTPStore keeps pending OTP records in Redis, keyed by canonical phone.
type OTPStore struct {
	kv *redisclient.KV
}

// NewOTPStore creates an OTPStore over kv.
func NewOTPStore(kv *redisclient.KV) *OTPStore {
	return &OTPStore{kv: kv}
}

// Save writes the record with the OTP validity TTL.
func (s *OTPStore) Save(ctx context.Context, phone string, rec app.OtpRecord, ttl time.Duration) error {
	ctx, span := tracer.Start(ctx, "redis.otp.save")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "redis"))

	if err := s.kv.SetJSON(ctx, otpPrefix+phone, rec, ttl); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Get loads the pending record. Missing records return found=false.
func (s *OTPStore) Get(ctx context.Context, phone string) (app.OtpRecord, bool, error) {
	ctx, span := tracer.Start(ctx, "redis.otp.get")
	defer span.End()

	var rec app.OtpRecord
	found, err := s.kv.GetJSON(ctx, otpPrefix+phone, &rec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return app.OtpRecord{}, false, err
	}
	return rec, found, nil
}

// Delete removes the pending record and its verification counter.
func (s *OTPStore) Delete(ctx context.Context, phone string) error {
	ctx, span := tracer.Start(ctx, "redis.otp.delete")
	defer span.End()

	return s.kv.Del(ctx, otpPrefix+phone, "otp:verify:"+phone)
}

// IncrementAttempts bumps the record's attempt count in place, keeping the
// remaining TTL, and returns the new count.
func (s *OTPStore) IncrementAttempts(ctx context.Context, phone string) (int, error) {
	ctx, span := tracer.Start(ctx, "redis.otp.increment_attempts")
	defer span.End()

	key := otpPrefix + phone
	var rec app.OtpRecord
	found, err := s.kv.GetJSON(ctx, key, &rec)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("otp record vanished for attempt count")
	}

	ttl, err := s.kv.TTL(ctx, key)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if ttl <= 0 {
		// Record is on its way out; count the attempt without resurrecting it.
		return rec.Attempts + 1, nil
	}

	rec.Attempts++
	if err := s.kv.SetJSON(ctx, key, rec, ttl); err != nil {
		span.RecordError(err)
		return 0, err
	}
	return rec.Attempts, nil
}

// Lock locks the phone out of verification for ttl.
func (s *OTPStore) Lock(ctx context.Context, phone string, ttl time.Duration) error {
	ctx, span := tracer.Start(ctx, "redis.otp.lock")
	defer span.End()

	return s.kv.SetEx(ctx, otpLockPrefix+phone, "1", ttl)
}

// IsLocked reports whether the phone is locked and how many seconds remain.
func (s *OTPStore) IsLocked(ctx context.Context, phone string) (bool, int, error) {
	ctx, span := tracer.Start(ctx, "redis.otp.is_locked")
	defer span.End()

	key := otpLockPrefix + phone
	exists, err := s.kv.Exists(ctx, key)
	if err != nil {
		span.RecordError(err)
		return false, 0, err
	}
	if !exists {
		return false, 0, nil
	}

	retryAfter := 0
	if ttl, ttlErr := s.kv.TTL(ctx, key); ttlErr == nil && ttl > 0 {
		retryAfter = int(ttl.Seconds())
	}
	return true, retryAfter, nil
}

// Unlock clears the lockout.
func (s *OTPStore) Unlock(ctx context.Context, phone string) error {
	return s.kv.Del(ctx, otpLockPrefix+phone)
}
