package domain

import "log/slog"

// SecretString holds a sensitive value such as an HMAC secret or vendor
// API key. Both fmt formatting and slog render it as a placeholder; the
// value only leaves the wrapper through an explicit Expose call.
type SecretString string

var _ slog.LogValuer = SecretString("")

// String satisfies fmt.Stringer with a placeholder.
func (s SecretString) String() string {
	return "[REDACTED]"
}

// LogValue satisfies slog.LogValuer with a placeholder, covering handlers
// whose ReplaceAttr does not catch the attribute key.
func (s SecretString) LogValue() slog.Value {
	return slog.StringValue("[REDACTED]")
}

// Expose returns the wrapped value for the call sites that genuinely need
// it, such as signing or vendor authentication.
func (s SecretString) Expose() string {
	return string(s)
}

// IsEmpty reports whether the secret is unset.
func (s SecretString) IsEmpty() bool {
	return len(s) == 0
}
