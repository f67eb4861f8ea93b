package progress

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/cast"
)

var tzSuffixRe = regexp.MustCompile(`(?i)(z|[+-]\d{2}:?\d{2})$`)

var zonedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z0700",
}

var errEmptyTimestamp = errors.New("empty timestamp")

// NormalizeTimestamp parses a server timestamp. Strings without a zone
// designator are read as UTC.
func NormalizeTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errEmptyTimestamp
	}

	if strings.HasSuffix(s, "z") {
		s = strings.TrimSuffix(s, "z") + "Z"
	}
	candidate := s
	if !tzSuffixRe.MatchString(s) {
		candidate = strings.Replace(s, " ", "T", 1) + "Z"
	}
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, candidate); err == nil {
			return t.UTC(), nil
		}
	}

	t, err := cast.ToTimeInDefaultLocationE(s, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// ParseTimestamp never fails: damaged input yields now.
func ParseTimestamp(s string, now time.Time) time.Time {
	t, err := NormalizeTimestamp(s)
	if err != nil {
		return now
	}
	return t
}

// optionalTimestamp returns nil for absent input and now for damaged input.
func optionalTimestamp(s string, now time.Time) *time.Time {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	t := ParseTimestamp(s, now)
	return &t
}
