package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseRFC3339 returns a time from the provided string or an error.
func ParseRFC3339(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}

// ParseWindow parses a lookback window such as "30m", "1h" or "2d". Day units
// are accepted on top of time.ParseDuration because dashboards commonly
// request day-granular windows.
func ParseWindow(value string) (time.Duration, error) {
	if value == "" {
		return 0, fmt.Errorf("empty window value")
	}
	if strings.HasSuffix(value, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(value, "d"))
		if err != nil {
			return 0, fmt.Errorf("parse window %q: %w", value, err)
		}
		if days <= 0 {
			return 0, fmt.Errorf("window must be positive, got %q", value)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse window %q: %w", value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("window must be positive, got %q", value)
	}
	return d, nil
}
