// Package ratelimit implements keyed counter rate limiting backed by Redis.
//
// The limiter fails open: when the store is unreachable a check reports
// allowed with reason "store_error". Bypassed limits are preferable to a
// total outage; callers that must fail closed (none today) should inspect
// the reason.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	redisclient "github.com/voltgrid/ev-platform/internal/redis"
)

var tracer = otel.Tracer("ratelimit")

var limiterFailOpenTotal metric.Int64Counter

func init() {
	m := otel.Meter("ratelimit")
	limiterFailOpenTotal, _ = m.Int64Counter("ratelimit_fail_open_total",
		metric.WithDescription("Rate limit checks that failed open on store errors"))
}

// ReasonStoreError marks a fail-open result caused by store unavailability.
const ReasonStoreError = "store_error"

// applyScript atomically increments a counter and sets a TTL on the first
// write. MULTI/EXEC cannot conditionally EXPIRE only on the first
// increment, and EXPIRE ... NX requires Redis 7.0+.
const applyScript = `
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return count
`

// Result reports the outcome of a rate limit check.
type Result struct {
	Allowed           bool
	Count             int64
	RetryAfterSeconds int
	// Reason identifies which rule denied the request, or
	// ReasonStoreError when the check failed open.
	Reason string
}

// Rule is one (key, limit, window) tuple of a compound check.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
	Reason string
}

// Cooldown denies requests while its key exists.
type Cooldown struct {
	Key      string
	Duration time.Duration
}

// Limiter provides counter-based rate limiting over the KV store.
type Limiter struct {
	kv     *redisclient.KV
	logger *slog.Logger
}

// NewLimiter creates a Limiter backed by kv.
func NewLimiter(kv *redisclient.KV, logger *slog.Logger) *Limiter {
	return &Limiter{kv: kv, logger: logger}
}

// Check reads the counter at key without incrementing it. The request is
// denied once the count reaches limit; RetryAfterSeconds carries the key's
// remaining TTL.
func (l *Limiter) Check(ctx context.Context, key string, limit int, window time.Duration) Result {
	ctx, span := tracer.Start(ctx, "ratelimit.check")
	defer span.End()
	span.SetAttributes(attribute.String("ratelimit.key", key))

	val, found, err := l.kv.Get(ctx, key)
	if err != nil {
		return l.failOpen(ctx, key, err)
	}
	if !found {
		return Result{Allowed: true}
	}

	var count int64
	if _, scanErr := fmt.Sscanf(val, "%d", &count); scanErr != nil {
		count = 0
	}
	if count < int64(limit) {
		return Result{Allowed: true, Count: count}
	}

	retryAfter := int(window.Seconds())
	if ttl, ttlErr := l.kv.TTL(ctx, key); ttlErr == nil && ttl > 0 {
		retryAfter = int(ttl.Seconds())
	}
	return Result{Count: count, RetryAfterSeconds: retryAfter, Reason: key}
}

// Apply increments the counter at key, setting the window TTL on the first
// hit. Store errors are logged and swallowed (a missed increment only
// loosens the limit).
func (l *Limiter) Apply(ctx context.Context, key string, window time.Duration) {
	ctx, span := tracer.Start(ctx, "ratelimit.apply")
	defer span.End()

	err := l.kv.Cmd().Eval(ctx, applyScript, []string{key}, int(window.Seconds())).Err()
	if err != nil {
		l.logger.WarnContext(ctx, "rate limit apply failed", "key", key, "error", err)
	}
}

// CheckAll evaluates rules in order and returns the first denial, or an
// allowed result when every rule passes.
func (l *Limiter) CheckAll(ctx context.Context, rules ...Rule) Result {
	for _, r := range rules {
		res := l.Check(ctx, r.Key, r.Limit, r.Window)
		if !res.Allowed {
			if r.Reason != "" {
				res.Reason = r.Reason
			}
			return res
		}
	}
	return Result{Allowed: true}
}

// ApplyAll increments every rule's counter.
func (l *Limiter) ApplyAll(ctx context.Context, rules ...Rule) {
	for _, r := range rules {
		l.Apply(ctx, r.Key, r.Window)
	}
}

// CheckCooldown denies while the cooldown key exists; RetryAfterSeconds
// carries its remaining TTL.
func (l *Limiter) CheckCooldown(ctx context.Context, cd Cooldown) Result {
	exists, err := l.kv.Exists(ctx, cd.Key)
	if err != nil {
		return l.failOpen(ctx, cd.Key, err)
	}
	if !exists {
		return Result{Allowed: true}
	}

	retryAfter := int(cd.Duration.Seconds())
	if ttl, ttlErr := l.kv.TTL(ctx, cd.Key); ttlErr == nil && ttl > 0 {
		retryAfter = int(ttl.Seconds())
	}
	return Result{RetryAfterSeconds: retryAfter, Reason: cd.Key}
}

// ApplyCooldown arms the cooldown. A duplicate apply only re-extends the
// TTL, which keeps the non-atomic check+apply pair idempotent-safe.
func (l *Limiter) ApplyCooldown(ctx context.Context, cd Cooldown) {
	if err := l.kv.SetEx(ctx, cd.Key, "1", cd.Duration); err != nil {
		l.logger.WarnContext(ctx, "cooldown apply failed", "key", cd.Key, "error", err)
	}
}

func (l *Limiter) failOpen(ctx context.Context, key string, err error) Result {
	limiterFailOpenTotal.Add(ctx, 1)
	l.logger.WarnContext(ctx, "rate limit check failed open", "key", key, "error", err)
	return Result{Allowed: true, Reason: ReasonStoreError}
}
