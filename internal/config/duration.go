package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration parses a config duration: a Go duration string ("90s", "1h30m")
// or a bare integer number of seconds. Empty is zero. path names the field
// in errors.
func Duration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	var d time.Duration
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		d = time.Duration(n) * time.Second
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", path, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative, got %s", path, raw)
	}
	return d, nil
}

// DurationOr is Duration with def substituted for empty or zero values.
func DurationOr(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := Duration(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
