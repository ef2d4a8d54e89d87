package domain

import "strings"

// CanonicalRegNumber normalizes a registration plate to its canonical
// uppercase form. Reg numbers are unique in canonical form, so inserts
// and lookups canonicalize before touching a store or cache key.
func CanonicalRegNumber(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}
