// Package domain contains pure business logic and types.
// No external dependencies allowed - this is the innermost ring of Clean Architecture.
package domain

import "errors"

// Sentinel errors for domain error conditions.
// Use errors.Is() for matching - never compare error strings.
var (
	// Input errors
	ErrValidation    = errors.New("validation failed")
	ErrInvalidPhone  = errors.New("invalid phone number")
	ErrInvalidCursor = errors.New("invalid pagination cursor")

	// Auth errors
	ErrUnauthorized         = errors.New("authentication required")
	ErrInvalidRefreshToken  = errors.New("invalid refresh token")
	ErrRefreshTokenExpired  = errors.New("refresh token has expired")
	ErrRefreshTokenRevoked  = errors.New("refresh token has been revoked")
	ErrInvalidTokenType     = errors.New("unexpected token type")
	ErrRefreshTokenRequired = errors.New("refresh token is required")
	ErrTokenRevoked         = errors.New("access token has been revoked")
	ErrUserNotFound         = errors.New("user not found")

	// OTP errors
	ErrOTPNotFound        = errors.New("no OTP request found")
	ErrOTPExpired         = errors.New("OTP has expired")
	ErrInvalidOTP         = errors.New("invalid OTP")
	ErrPhoneNotRegistered = errors.New("phone number is not registered")
	ErrAccountLocked      = errors.New("account temporarily locked")

	// Rate errors
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrPhoneRateLimited = errors.New("phone number rate limit exceeded")

	// Resource errors
	ErrVehicleNotFound  = errors.New("vehicle not found")
	ErrConflict         = errors.New("resource conflict")
	ErrResourceLocked   = errors.New("resource is locked by another operation")
	ErrInvalidReference = errors.New("referenced resource does not exist")
	ErrNotFound         = errors.New("resource not found")

	// Store errors
	ErrStoreUnavailable   = errors.New("store temporarily unavailable")
	ErrIntegrityViolation = errors.New("store integrity violation")

	// Configuration errors
	ErrConfigRequired = errors.New("required configuration key missing")
)

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrResourceLocked) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrPhoneRateLimited)
}

// clientErrors enumerates all domain errors that represent client-side issues.
var clientErrors = []error{
	ErrValidation,
	ErrInvalidPhone,
	ErrInvalidCursor,
	ErrUnauthorized,
	ErrInvalidRefreshToken,
	ErrRefreshTokenExpired,
	ErrRefreshTokenRevoked,
	ErrInvalidTokenType,
	ErrRefreshTokenRequired,
	ErrTokenRevoked,
	ErrUserNotFound,
	ErrOTPNotFound,
	ErrOTPExpired,
	ErrInvalidOTP,
	ErrPhoneNotRegistered,
	ErrAccountLocked,
	ErrVehicleNotFound,
	ErrConflict,
	ErrInvalidReference,
	ErrNotFound,
}

// IsClientError returns true if the error represents a client-side issue
// that will not succeed on retry without client-side changes.
func IsClientError(err error) bool {
	for _, target := range clientErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsNotFound returns true if the error represents a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrVehicleNotFound) ||
		errors.Is(err, ErrOTPNotFound)
}
