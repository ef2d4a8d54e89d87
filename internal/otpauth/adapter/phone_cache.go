package adapter

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/voltgrid/ev-platform/internal/bloom"
	"github.com/voltgrid/ev-platform/internal/domain"
	"github.com/voltgrid/ev-platform/internal/otpauth/app"
	redisclient "github.com/voltgrid/ev-platform/internal/redis"
)

const phoneCachePrefix = "user:phone:"

// Lookup sources reported by CheckPhoneExists.
const (
	SourceCache         = "cache"
	SourceBloom         = "bloom"
	SourceDatabase      = "database"
	SourceErrorFailopen = "error_failopen"
)

var phoneChecksTotal metric.Int64Counter

func init() {
	m := otel.Meter("otpauth/adapter")
	phoneChecksTotal, _ = m.Int64Counter("phone_checks_total",
		metric.WithDescription("Phone existence checks by source"))
}

// Compile-time check: PhoneCache satisfies app.PhoneDirectory.
var _ app.PhoneDirectory = (*PhoneCache)(nil)

// cachedPhone is the cache entry stored at user:phone:{phone}.
type cachedPhone struct {
	Exists bool         `json:"exists"`
	User   *domain.User `json:"user,omitempty"`
}

// PhoneCacheConfig configures a PhoneCache.
type PhoneCacheConfig struct {
	KV          *redisclient.KV
	Filter      *bloom.Filter
	Users       app.UserStore
	Clock       domain.Clock
	Logger      *slog.Logger
	PositiveTTL time.Duration
	NegativeTTL time.Duration
}

// PhoneCache answers phone-existence queries through three tiers: the hot
// cache, the probabilistic filter, and the user database. Store failures
// on the final tier fail open as "exists" so an outage cannot block
// registered users; the OTP is still only dispatched to phones the
// database confirms.
type PhoneCache struct {
	kv          *redisclient.KV
	filter      *bloom.Filter
	users       app.UserStore
	clock       domain.Clock
	logger      *slog.Logger
	positiveTTL time.Duration
	negativeTTL time.Duration
}

// NewPhoneCache creates a PhoneCache, filling zero-valued TTLs with the
// domain defaults.
func NewPhoneCache(cfg PhoneCacheConfig) *PhoneCache {
	if cfg.PositiveTTL <= 0 {
		cfg.PositiveTTL = domain.PhoneCacheTTL
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = domain.PhoneNegativeCacheTTL
	}
	return &PhoneCache{
		kv:          cfg.KV,
		filter:      cfg.Filter,
		users:       cfg.Users,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		positiveTTL: cfg.PositiveTTL,
		negativeTTL: cfg.NegativeTTL,
	}
}

// CheckPhoneExists resolves a phone through cache, filter, then database.
func (c *PhoneCache) CheckPhoneExists(ctx context.Context, phone string) (app.PhoneCheck, error) {
	ctx, span := tracer.Start(ctx, "phonecache.check")
	defer span.End()

	start := c.clock.Now()

	// Tier 1: hot cache.
	var cached cachedPhone
	found, err := c.kv.GetJSON(ctx, phoneCachePrefix+phone, &cached)
	if err != nil {
		c.logger.WarnContext(ctx, "phone cache read failed", "error", err)
	} else if found {
		return c.result(ctx, span, app.PhoneCheck{
			Exists: cached.Exists, User: cached.User, Source: SourceCache,
		}, start), nil
	}

	// Tier 2: the filter can only prove absence.
	if res := c.filter.Check(ctx, phone); res.Confidence == bloom.ConfidenceDefinitelyNot {
		c.cacheNegative(ctx, phone)
		return c.result(ctx, span, app.PhoneCheck{Exists: false, Source: SourceBloom}, start), nil
	}

	// Tier 3: the database decides.
	user, err := c.users.FindByPhone(ctx, phone)
	if err != nil {
		if domain.IsNotFound(err) {
			// A maybe the database refuted.
			c.filter.RecordFalsePositive(ctx)
			c.cacheNegative(ctx, phone)
			return c.result(ctx, span, app.PhoneCheck{Exists: false, Source: SourceDatabase}, start), nil
		}
		c.logger.ErrorContext(ctx, "phone lookup failed, failing open", "error", err)
		return c.result(ctx, span, app.PhoneCheck{Exists: true, Source: SourceErrorFailopen}, start), nil
	}

	c.cachePositive(ctx, phone, user)
	c.filter.Add(phone)
	return c.result(ctx, span, app.PhoneCheck{Exists: true, User: user, Source: SourceDatabase}, start), nil
}

// AddPhone primes the cache and filter for a newly registered phone.
func (c *PhoneCache) AddPhone(ctx context.Context, phone string, user *domain.User) {
	c.cachePositive(ctx, phone, user)
	c.filter.Add(phone)
}

func (c *PhoneCache) cachePositive(ctx context.Context, phone string, user *domain.User) {
	entry := cachedPhone{Exists: true, User: user}
	if err := c.kv.SetJSON(ctx, phoneCachePrefix+phone, entry, c.positiveTTL); err != nil {
		c.logger.WarnContext(ctx, "phone cache write failed", "error", err)
	}
}

func (c *PhoneCache) cacheNegative(ctx context.Context, phone string) {
	entry := cachedPhone{Exists: false}
	if err := c.kv.SetJSON(ctx, phoneCachePrefix+phone, entry, c.negativeTTL); err != nil {
		c.logger.WarnContext(ctx, "phone cache write failed", "error", err)
	}
}

func (c *PhoneCache) result(ctx context.Context, span trace.Span, check app.PhoneCheck, start time.Time) app.PhoneCheck {
	check.Duration = c.clock.Now().Sub(start)
	span.SetAttributes(attribute.String("phone_check.source", check.Source))
	phoneChecksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("source", check.Source)))
	return check
}
