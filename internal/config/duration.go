package config

import (
	"fmt"
	"strings"
	"time"
)

// DurationField parses an optional duration-valued config field. An empty
// value means unset and yields zero; negative values are rejected.
func DurationField(field, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration: %w", field, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", field, raw)
	}
	return d, nil
}

// DurationFieldOr is DurationField with a fallback for unset fields.
func DurationFieldOr(field, raw string, fallback time.Duration) (time.Duration, error) {
	d, err := DurationField(field, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return fallback, nil
}
