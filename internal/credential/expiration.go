package credential

import (
	"fmt"
	"strings"
	"time"
)

// ExpirationLayout is the timestamp format issued by the access manager.
const ExpirationLayout = "2006-01-02T15:04:05Z"

// ParseExpiration converts an issued expiration timestamp to a UTC instant.
// RFC 3339 timestamps with offsets or fractional seconds are accepted too.
func ParseExpiration(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if t, err := time.Parse(ExpirationLayout, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: expiration %q: %v", ErrCredentialMalformed, raw, err)
	}
	return t.UTC(), nil
}

// IsExpired reports whether exp lies strictly before now. A record is still
// valid at the exact instant it expires.
func IsExpired(now, exp time.Time) bool {
	return now.After(exp)
}
