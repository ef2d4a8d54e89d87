// Package errmap translates domain errors into transport-level responses.
package errmap

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/voltgrid/ev-platform/internal/domain"
)

// HTTPError represents an HTTP error response.
type HTTPError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	// RetryAfter, when positive, is surfaced both in the details payload
	// and the Retry-After header.
	RetryAfter int `json:"retry_after,omitempty"`
}

func (e HTTPError) Error() string {
	return e.Message
}

// httpMapping defines a domain error to HTTP status/code mapping.
type httpMapping struct {
	err        error
	statusCode int
	code       string
}

// httpMappings maps domain errors to HTTP status codes and stable client
// error codes. Order matters: first match wins (via errors.Is).
var httpMappings = []httpMapping{
	// Input errors: 400
	{domain.ErrInvalidPhone, http.StatusBadRequest, "INVALID_PHONE"},
	{domain.ErrInvalidCursor, http.StatusBadRequest, "INVALID_CURSOR"},
	{domain.ErrValidation, http.StatusBadRequest, "VALIDATION_ERROR"},

	// OTP errors: 400
	{domain.ErrOTPNotFound, http.StatusBadRequest, "OTP_NOT_FOUND"},
	{domain.ErrOTPExpired, http.StatusBadRequest, "OTP_EXPIRED"},
	{domain.ErrInvalidOTP, http.StatusBadRequest, "INVALID_OTP"},
	{domain.ErrPhoneNotRegistered, http.StatusBadRequest, "PHONE_NOT_REGISTERED"},

	// Auth errors: 401
	{domain.ErrRefreshTokenExpired, http.StatusUnauthorized, "REFRESH_TOKEN_EXPIRED"},
	{domain.ErrRefreshTokenRevoked, http.StatusUnauthorized, "REFRESH_TOKEN_REVOKED"},
	{domain.ErrInvalidRefreshToken, http.StatusUnauthorized, "INVALID_REFRESH_TOKEN"},
	{domain.ErrInvalidTokenType, http.StatusUnauthorized, "INVALID_TOKEN_TYPE"},
	{domain.ErrRefreshTokenRequired, http.StatusUnauthorized, "REFRESH_TOKEN_REQUIRED"},
	{domain.ErrTokenRevoked, http.StatusUnauthorized, "TOKEN_REVOKED"},
	{domain.ErrUserNotFound, http.StatusUnauthorized, "USER_NOT_FOUND"},
	{domain.ErrUnauthorized, http.StatusUnauthorized, "UNAUTHORIZED"},

	// Rate limiting: 429
	{domain.ErrAccountLocked, http.StatusTooManyRequests, "ACCOUNT_LOCKED"},
	{domain.ErrPhoneRateLimited, http.StatusTooManyRequests, "PHONE_RATE_LIMIT_EXCEEDED"},
	{domain.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED"},

	// Resource errors
	{domain.ErrVehicleNotFound, http.StatusNotFound, "VEHICLE_NOT_FOUND"},
	{domain.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{domain.ErrConflict, http.StatusConflict, "CONFLICT"},
	{domain.ErrInvalidReference, http.StatusUnprocessableEntity, "INVALID_REFERENCE"},
	{domain.ErrResourceLocked, http.StatusServiceUnavailable, "RESOURCE_LOCKED"},

	// Availability
	{domain.ErrStoreUnavailable, http.StatusServiceUnavailable, "SERVICE_UNHEALTHY"},
}

// ToHTTPError converts a domain error to an HTTP error.
func ToHTTPError(err error) HTTPError {
	if err == nil {
		return HTTPError{StatusCode: http.StatusOK}
	}

	var retryable *RetryableError
	retryAfter := 0
	if errors.As(err, &retryable) {
		retryAfter = retryable.RetryAfterSeconds
	}

	for _, m := range httpMappings {
		if errors.Is(err, m.err) {
			return HTTPError{StatusCode: m.statusCode, Code: m.code, Message: m.err.Error(), RetryAfter: retryAfter}
		}
	}
	// Never expose internal error details to clients
	return HTTPError{StatusCode: http.StatusInternalServerError, Code: "INTERNAL_ERROR", Message: "internal error"}
}

// ToHTTPStatusCode extracts just the HTTP status code for a domain error.
func ToHTTPStatusCode(err error) int {
	return ToHTTPError(err).StatusCode
}

// RetryableError wraps a domain error with a retry-after hint, used for
// rate-limit and lockout responses.
type RetryableError struct {
	Err               error
	RetryAfterSeconds int
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// WithRetryAfter attaches a retry-after hint to err.
func WithRetryAfter(err error, seconds int) error {
	return &RetryableError{Err: err, RetryAfterSeconds: seconds}
}

// DetailedError wraps a domain error with extra fields for the response
// details payload, such as remaining verification attempts.
type DetailedError struct {
	Err     error
	Details map[string]any
}

func (e *DetailedError) Error() string { return e.Err.Error() }
func (e *DetailedError) Unwrap() error { return e.Err }

// WithDetails attaches a details payload to err.
func WithDetails(err error, details map[string]any) error {
	return &DetailedError{Err: err, Details: details}
}

// Envelope is the JSON response shape shared by every HTTP endpoint.
type Envelope struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
	ErrorCode string `json:"error,omitempty"`
	Details   any    `json:"details,omitempty"`
	Timestamp string `json:"timestamp"`
}

// WriteSuccess writes a success envelope with the given status code.
func WriteSuccess(w http.ResponseWriter, status int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// WriteError maps err through ToHTTPError and writes an error envelope.
func WriteError(w http.ResponseWriter, err error) {
	httpErr := ToHTTPError(err)
	w.Header().Set("Content-Type", "application/json")
	if httpErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(httpErr.RetryAfter))
	}
	w.WriteHeader(httpErr.StatusCode)

	details := map[string]any{}
	if httpErr.RetryAfter > 0 {
		details["retryAfter"] = httpErr.RetryAfter
	}
	var detailed *DetailedError
	if errors.As(err, &detailed) {
		for k, v := range detailed.Details {
			details[k] = v
		}
	}
	var detailsPayload any
	if len(details) > 0 {
		detailsPayload = details
	}
	_ = json.NewEncoder(w).Encode(Envelope{
		Success:   false,
		Message:   httpErr.Message,
		ErrorCode: httpErr.Code,
		Details:   detailsPayload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
