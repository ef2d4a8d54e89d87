package domain

import "time"

// Compiled defaults for the OTP pipeline. Every value here can be
// overridden through configuration; these are the documented defaults.
const (
	// OTP lifecycle
	OTPLength            = 6
	OTPValidityDuration  = 5 * time.Minute
	MaxOTPVerifyAttempts = 5
	OTPLockoutDuration   = 15 * time.Minute
	OTPCooldownDuration  = 60 * time.Second

	// Progressive delay after failed verification attempts.
	ProgressiveDelayBase = 1000 * time.Millisecond
	ProgressiveDelayMax  = 16 * time.Second

	// Rate limit windows and ceilings
	OTPHourLimit       = 10
	OTPDayLimit        = 20
	OTPIPLimit10Min    = 100
	VerifyPhoneLimit   = 5
	VerifyIPLimit10Min = 50
	TenMinuteWindow    = 10 * time.Minute

	// Token configuration
	AccessTokenLifetime  = 15 * time.Minute
	RefreshTokenLifetime = 7 * 24 * time.Hour
	SessionLifetime      = 7 * 24 * time.Hour

	// Phone existence cache
	PhoneCacheTTL         = 24 * time.Hour
	PhoneNegativeCacheTTL = 5 * time.Minute

	// Bloom filter sizing
	BloomExpectedPhones = 10_000_000
	BloomErrorRate      = 0.001
	BloomRefreshHours   = 24

	// SMS dispatch queue
	SMSJobAttempts     = 5
	SMSJobBackoffBase  = 2 * time.Second
	SMSJobTimeout      = 30 * time.Second
	SMSCompletedMaxAge = time.Hour
	SMSFailedMaxAge    = 24 * time.Hour
	WorkerConcurrency  = 10

	// Station discovery
	VehicleCacheTTL       = 5 * time.Minute
	ZoneCacheTTL          = 15 * time.Minute
	StationMetaTTL        = 24 * time.Hour
	GeoQueryLimit         = 100
	RouteDeviationKm      = 10.0
	NearbyDefaultRadiusKm = 20.0
	NearbyMaxRadiusKm     = 200.0

	// Paired-device listing
	ListCacheTTL       = 30 * time.Second
	ListVersionTTL     = 7 * 24 * time.Hour
	DefaultListLimit   = 20
	MaxListLimit       = 100
	LatestStatusKeyTTL = 5 * time.Minute
	PairedCounterTTL   = time.Hour

	// Vehicle spec defaults
	DefaultEfficiencyFactor = 0.88
	DefaultReserveKm        = 7.0

	// Timeout contracts
	PostgresTimeout = 5 * time.Second
	RedisTimeout    = 2 * time.Second

	// Graceful shutdown
	GracefulShutdownTimeout = 30 * time.Second
	ShutdownDrainDelay      = 2 * time.Second
	ShutdownHTTPTimeout     = 10 * time.Second
	ShutdownOTELTimeout     = 5 * time.Second
)

// AuditEvent identifies an entry kind in the append-only OTP audit log.
type AuditEvent string

// Audit event kinds recorded across the OTP lifecycle. The set is stable:
// dashboards and the enumeration-hardening alerts key off these strings.
const (
	AuditRequested                AuditEvent = "requested"
	AuditRequestRateLimited       AuditEvent = "request_rate_limited"
	AuditRequestInvalid           AuditEvent = "request_invalid"
	AuditRequestNonexistentPhone  AuditEvent = "request_nonexistent_phone"
	AuditSentFailed               AuditEvent = "sent_failed"
	AuditVerified                 AuditEvent = "verified"
	AuditVerifyFailed             AuditEvent = "verify_failed"
	AuditVerifyExpired            AuditEvent = "verify_expired"
	AuditVerifyLocked             AuditEvent = "verify_locked"
	AuditVerifyNotFound           AuditEvent = "verify_not_found"
	AuditVerifyInvalidPhone       AuditEvent = "verify_invalid_phone"
	AuditVerifyRateLimited        AuditEvent = "verify_rate_limited"
	AuditVerifyPhoneNotRegistered AuditEvent = "verify_phone_not_registered"
	AuditTokenRefreshed           AuditEvent = "token_refreshed"
	AuditLogout                   AuditEvent = "logout"
)

// ChargingUrgency classifies how urgently a vehicle needs to charge,
// derived from battery percentage bands.
type ChargingUrgency string

const (
	UrgencyNone     ChargingUrgency = "none"
	UrgencyLow      ChargingUrgency = "low"
	UrgencyMedium   ChargingUrgency = "medium"
	UrgencyHigh     ChargingUrgency = "high"
	UrgencyCritical ChargingUrgency = "critical"
)

// RouteSafetyLevel classifies whether a planned route is reachable on the
// vehicle's current charge.
type RouteSafetyLevel string

const (
	RouteSafetyCritical RouteSafetyLevel = "critical"
	RouteSafetyRisky    RouteSafetyLevel = "risky"
	RouteSafetyModerate RouteSafetyLevel = "moderate"
	RouteSafetySafe     RouteSafetyLevel = "safe"
)
