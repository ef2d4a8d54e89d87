package domain

import (
	"fmt"
	"strings"
)

// countryDialCodes maps two-letter country codes to international dial
// prefixes for the markets the platform operates in. "IN" is the default.
var countryDialCodes = map[string]string{
	"IN": "91",
	"US": "1",
	"GB": "44",
	"AE": "971",
	"SG": "65",
}

// NormalizedPhone is the result of canonicalizing a raw phone input.
// The Normalized form (leading '+', digits only) is the primary key for
// OTP records, caches, rate limits, and audit rows.
type NormalizedPhone struct {
	IsValid    bool
	Normalized string
	Err        error
}

// NormalizePhone canonicalizes a raw phone input into international form.
// Accepts digits, spaces, '+', '-', '(' and ')'. A bare national number is
// prefixed with the dial code for countryCode (default "IN"). The canonical
// form must contain 10-15 digits.
func NormalizePhone(raw, countryCode string) NormalizedPhone {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return invalidPhone(fmt.Errorf("phone number cannot be empty: %w", ErrInvalidPhone))
	}

	hasPlus := strings.HasPrefix(trimmed, "+")
	var digits strings.Builder
	for _, r := range trimmed {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')':
			// separator characters are stripped
		default:
			return invalidPhone(fmt.Errorf("phone number %q contains invalid character %q: %w", raw, r, ErrInvalidPhone))
		}
	}

	number := digits.String()
	if number == "" {
		return invalidPhone(fmt.Errorf("phone number %q has no digits: %w", raw, ErrInvalidPhone))
	}

	if !hasPlus {
		cc := strings.ToUpper(countryCode)
		if cc == "" {
			cc = "IN"
		}
		dial, ok := countryDialCodes[cc]
		if !ok {
			return invalidPhone(fmt.Errorf("unsupported country code %q: %w", countryCode, ErrInvalidPhone))
		}
		// Already carrying the dial prefix without '+' is accepted as-is.
		if !strings.HasPrefix(number, dial) || len(number) <= 10 {
			number = dial + strings.TrimPrefix(number, "0")
		}
	}

	if len(number) < 10 || len(number) > 15 {
		return invalidPhone(fmt.Errorf("phone number must have 10-15 digits, got %d: %w", len(number), ErrInvalidPhone))
	}

	return NormalizedPhone{IsValid: true, Normalized: "+" + number}
}

func invalidPhone(err error) NormalizedPhone {
	return NormalizedPhone{Err: err}
}
