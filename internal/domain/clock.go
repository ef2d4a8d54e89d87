package domain

import "time"

// Clock supplies the current time. Services inject it so OTP expiry,
// pairing timestamps, and cache decisions stay deterministic under test.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock.
type RealClock struct{}

var _ Clock = RealClock{}

// Now returns time.Now().
func (RealClock) Now() time.Time {
	return time.Now()
}
