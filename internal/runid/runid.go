// Package runid generates and parses run identifiers in the
// YYYYMMDD_HHMMSSZ_<6-hex-chars> format required by spec §6.
package runid

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

var format = regexp.MustCompile(`^\d{8}_\d{6}Z_[0-9a-f]{6}$`)

// New generates a fresh run id from the given timestamp (the caller passes
// an explicit time so callers that need determinism in tests can do so).
func New(now time.Time) string {
	suffix := uuid.New().String()
	// Strip hyphens and take the first 6 hex characters, avoiding the need
	// for a separate crypto/rand source while staying collision-resistant.
	hex := ""
	for _, r := range suffix {
		if r == '-' {
			continue
		}
		hex += string(r)
		if len(hex) == 6 {
			break
		}
	}
	return fmt.Sprintf("%sZ_%s", now.UTC().Format("20060102_150405"), hex)
}

// Valid reports whether s matches the required run-id format.
func Valid(s string) bool {
	return format.MatchString(s)
}
