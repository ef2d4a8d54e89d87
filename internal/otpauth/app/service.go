// Package app orchestrates the OTP authentication flows: request, verify,
// resend, token refresh, and logout.
package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/voltgrid/ev-platform/internal/auth"
	"github.com/voltgrid/ev-platform/internal/domain"
	"github.com/voltgrid/ev-platform/internal/ratelimit"
	"github.com/voltgrid/ev-platform/internal/sms"
)

var tracer = otel.Tracer("otpauth/app")

var (
	otpRequestsTotal  metric.Int64Counter
	otpVerifiedTotal  metric.Int64Counter
	authFailuresTotal metric.Int64Counter
	rateLimitsTotal   metric.Int64Counter
	revocationsTotal  metric.Int64Counter
)

func init() {
	m := otel.Meter("otpauth/app")

	otpRequestsTotal, _ = m.Int64Counter("auth_otp_requests_total",
		metric.WithDescription("Total OTP requests"))
	otpVerifiedTotal, _ = m.Int64Counter("auth_otp_verified_total",
		metric.WithDescription("Total successful OTP verifications"))
	authFailuresTotal, _ = m.Int64Counter("security_auth_failures_total",
		metric.WithDescription("Total authentication failures"))
	rateLimitsTotal, _ = m.Int64Counter("security_rate_limits_total",
		metric.WithDescription("Total rate limit hits"))
	revocationsTotal, _ = m.Int64Counter("security_token_revocations_total",
		metric.WithDescription("Total token revocations"))
}

// OtpRecord is the pending OTP stored in the KV store, keyed by phone.
type OtpRecord struct {
	HMAC      string    `json:"hmac"`
	CreatedAt time.Time `json:"createdAt"`
	Attempts  int       `json:"attempts"`
}

// Session is the server-side session record, keyed by user ID.
type Session struct {
	Phone       string    `json:"phone"`
	Verified    bool      `json:"verified"`
	VerifiedAt  time.Time `json:"verifiedAt"`
	LastLoginAt time.Time `json:"lastLoginAt"`
	RefreshJTI  string    `json:"refreshJti"`
	CreatedAt   time.Time `json:"createdAt"`
}

// RefreshRecord tracks one issued refresh token, keyed by JTI.
type RefreshRecord struct {
	UserID    string    `json:"userId"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"createdAt"`
}

// PhoneCheck is the outcome of the tiered phone-existence lookup.
type PhoneCheck struct {
	Exists   bool
	User     *domain.User
	Source   string
	Duration time.Duration
}

// PhoneDirectory answers whether a phone belongs to a registered user,
// consulting cache, existence filter, and database in that order.
type PhoneDirectory interface {
	CheckPhoneExists(ctx context.Context, phone string) (PhoneCheck, error)
	AddPhone(ctx context.Context, phone string, user *domain.User)
}

// UserStore reads and mutates user records.
type UserStore interface {
	GetByID(ctx context.Context, userID string) (*domain.User, error)
	FindByPhone(ctx context.Context, phone string) (*domain.User, error)
	MarkVerified(ctx context.Context, userID string, at time.Time) error
}

// OTPStore persists pending OTP records in the KV store.
type OTPStore interface {
	Save(ctx context.Context, phone string, rec OtpRecord, ttl time.Duration) error
	Get(ctx context.Context, phone string) (OtpRecord, bool, error)
	Delete(ctx context.Context, phone string) error
	// IncrementAttempts bumps the record's attempt count without extending
	// its TTL and returns the new count.
	IncrementAttempts(ctx context.Context, phone string) (int, error)
	Lock(ctx context.Context, phone string, ttl time.Duration) error
	IsLocked(ctx context.Context, phone string) (bool, int, error)
	Unlock(ctx context.Context, phone string) error
}

// SessionStore persists sessions, refresh records, the per-user refresh
// index, and the user revocation marker.
type SessionStore interface {
	SaveSession(ctx context.Context, userID string, s Session, ttl time.Duration) error
	GetSession(ctx context.Context, userID string) (Session, bool, error)

	SaveRefresh(ctx context.Context, jti string, rec RefreshRecord, ttl time.Duration) error
	GetRefresh(ctx context.Context, jti string) (RefreshRecord, bool, error)
	DeleteRefresh(ctx context.Context, jtis ...string) error

	IndexUserRefresh(ctx context.Context, userID, jti string, ttl time.Duration) error
	ListUserRefresh(ctx context.Context, userID string) ([]string, error)

	SetRevocationMarker(ctx context.Context, userID string, at time.Time, ttl time.Duration) error
	GetRevocationMarker(ctx context.Context, userID string) (time.Time, bool, error)
	ClearRevocationMarker(ctx context.Context, userID string) error
}

// AuditEntry is one append-only audit row.
type AuditEntry struct {
	Phone            string
	EventType        domain.AuditEvent
	Provider         string
	ProviderResponse domain.JSONMap
	IP               string
	UserAgent        string
	Metadata         domain.JSONMap
}

// AuditStore appends audit rows. Implementations are best-effort: they log
// failures and never propagate them to the caller.
type AuditStore interface {
	Record(ctx context.Context, entry AuditEntry)
}

// SMSEnqueuer hands dispatch jobs to the SMS queue.
type SMSEnqueuer interface {
	Enqueue(ctx context.Context, job sms.Job) (string, error)
}

// ServiceConfig holds the dependencies for Service.
type ServiceConfig struct {
	Phones     PhoneDirectory
	Users      UserStore
	OTPs       OTPStore
	Sessions   SessionStore
	Audit      AuditStore
	Limiter    *ratelimit.Limiter
	Queue      SMSEnqueuer
	Minter     *auth.Minter
	Validator  *auth.Validator
	HMACSecret []byte
	Clock      domain.Clock
	Logger     *slog.Logger

	OTPTTL         time.Duration
	Cooldown       time.Duration
	HourLimit      int
	DayLimit       int
	IPLimit        int
	DefaultCountry string
}

// Service orchestrates the OTP authentication flows.
type Service struct {
	phones     PhoneDirectory
	users      UserStore
	otps       OTPStore
	sessions   SessionStore
	audit      AuditStore
	limiter    *ratelimit.Limiter
	queue      SMSEnqueuer
	minter     *auth.Minter
	validator  *auth.Validator
	hmacSecret []byte
	clock      domain.Clock
	logger     *slog.Logger

	otpTTL         time.Duration
	cooldown       time.Duration
	hourLimit      int
	dayLimit       int
	ipLimit        int
	defaultCountry string
}

// NewService creates a Service, filling zero-valued tunables with the
// domain defaults.
func NewService(cfg ServiceConfig) *Service {
	if cfg.OTPTTL <= 0 {
		cfg.OTPTTL = domain.OTPValidityDuration
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = domain.OTPCooldownDuration
	}
	if cfg.HourLimit <= 0 {
		cfg.HourLimit = domain.OTPHourLimit
	}
	if cfg.DayLimit <= 0 {
		cfg.DayLimit = domain.OTPDayLimit
	}
	if cfg.IPLimit <= 0 {
		cfg.IPLimit = domain.OTPIPLimit10Min
	}
	if cfg.DefaultCountry == "" {
		cfg.DefaultCountry = "IN"
	}

	return &Service{
		phones:         cfg.Phones,
		users:          cfg.Users,
		otps:           cfg.OTPs,
		sessions:       cfg.Sessions,
		audit:          cfg.Audit,
		limiter:        cfg.Limiter,
		queue:          cfg.Queue,
		minter:         cfg.Minter,
		validator:      cfg.Validator,
		hmacSecret:     cfg.HMACSecret,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		otpTTL:         cfg.OTPTTL,
		cooldown:       cfg.Cooldown,
		hourLimit:      cfg.HourLimit,
		dayLimit:       cfg.DayLimit,
		ipLimit:        cfg.IPLimit,
		defaultCountry: cfg.DefaultCountry,
	}
}

// Key builders for the KV store.
func cooldownKey(phone string) string { return "otp:cooldown:" + phone }
func hourKey(phone string) string     { return "otp:rate:hour:" + phone }
func dayKey(phone string) string      { return "otp:rate:day:" + phone }
func requestIPKey(ip string) string   { return "otp:ip:" + ip }
func verifyKey(phone string) string   { return "otp:verify:" + phone }
func verifyIPKey(ip string) string    { return "otp:verify:ip:" + ip }
