// Package clock supplies wall-clock time and the fixed-width timestamp
// format used for every persisted instant.
//
// All expiry comparisons in goflock are performed on Stamp values, which
// are zero-padded UTC ISO-8601 strings. Because the format is fixed-width,
// lexicographic order equals chronological order, so a plain string
// comparison decides whether a lease has lapsed. Other tools read the same
// files and compare the same strings, so the format is part of the on-disk
// contract.
package clock

import (
	"fmt"
	"time"
)

// Layout is the persisted timestamp format: second precision, always UTC,
// always 20 bytes.
const Layout = "2006-01-02T15:04:05Z"

// Clock abstracts time for testability. Production code uses Real();
// tests use Fake() with explicit time control.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives after duration d.
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Stamp is a fixed-width UTC timestamp string (see Layout).
type Stamp string

// StampOf formats t as a Stamp, truncating to whole seconds.
func StampOf(t time.Time) Stamp {
	return Stamp(t.UTC().Format(Layout))
}

// ParseStamp parses s strictly. Anything that is not exactly Layout-shaped
// is rejected, including RFC3339 values with offsets or fractions, because
// such values would not sort correctly against Stamps.
func ParseStamp(s string) (Stamp, error) {
	if len(s) != len(Layout) {
		return "", fmt.Errorf("timestamp %q: want fixed-width %s", s, Layout)
	}
	if _, err := time.Parse(Layout, s); err != nil {
		return "", fmt.Errorf("timestamp %q: %w", s, err)
	}
	return Stamp(s), nil
}

// String returns the raw stamp.
func (s Stamp) String() string { return string(s) }

// IsZero reports whether the stamp is empty.
func (s Stamp) IsZero() bool { return s == "" }

// Before reports whether s sorts strictly before other.
func (s Stamp) Before(other Stamp) bool { return s < other }

// After reports whether s sorts strictly after other.
func (s Stamp) After(other Stamp) bool { return s > other }

// Time converts the stamp back to a time.Time. The zero time is returned
// for empty or malformed stamps.
func (s Stamp) Time() time.Time {
	t, err := time.Parse(Layout, string(s))
	if err != nil {
		return time.Time{}
	}
	return t
}

// Add returns the stamp shifted by d.
func (s Stamp) Add(d time.Duration) Stamp {
	return StampOf(s.Time().Add(d))
}

// Expired reports whether a lease ending at expires has lapsed at now.
// The boundary instant itself is still live: expiry requires now > expires.
func Expired(now, expires Stamp) bool {
	return now > expires
}
