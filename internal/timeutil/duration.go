// Package timeutil parses and formats the interval strings used in site
// configuration. Intervals are either a bare number of seconds or a compact
// string of integers suffixed by s, m, h or d whose parts are summed, for
// example "1h30m" or "2d12h".
package timeutil

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var suffixSeconds = map[byte]int64{
	's': 1,
	'm': 60,
	'h': 60 * 60,
	'd': 60 * 60 * 24,
}

var partRE = regexp.MustCompile(`^([0-9]+)([smhd])`)

// ParseInterval converts an interval string to a duration. Whitespace is
// ignored. An empty string is invalid.
func ParseInterval(s string) (time.Duration, error) {
	trimmed := strings.ReplaceAll(s, " ", "")
	if trimmed == "" {
		return 0, fmt.Errorf("empty interval")
	}
	if secs, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("negative interval %q", s)
		}
		return time.Duration(secs) * time.Second, nil
	}
	var total int64
	rest := trimmed
	for rest != "" {
		match := partRE.FindStringSubmatch(rest)
		if match == nil {
			return 0, fmt.Errorf("invalid interval %q", s)
		}
		value, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid interval %q: %w", s, err)
		}
		total += value * suffixSeconds[match[2][0]]
		rest = rest[len(match[0]):]
	}
	return time.Duration(total) * time.Second, nil
}

// Readable formats a duration as a human-readable string, for example
// "1 day, 2 hours, 20 minutes and 15 seconds". Sub-second precision is
// discarded. A zero duration formats as "0 seconds".
func Readable(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs <= 0 {
		return "0 seconds"
	}
	var parts []string
	add := func(value int64, unit string) {
		switch {
		case value == 1:
			parts = append(parts, "1 "+unit)
		case value > 1:
			parts = append(parts, fmt.Sprintf("%d %ss", value, unit))
		}
	}
	days := secs / suffixSeconds['d']
	secs %= suffixSeconds['d']
	hours := secs / suffixSeconds['h']
	secs %= suffixSeconds['h']
	mins := secs / suffixSeconds['m']
	secs %= suffixSeconds['m']
	add(days, "day")
	add(hours, "hour")
	add(mins, "minute")
	add(secs, "second")
	if len(parts) == 1 {
		return parts[0]
	}
	return strings.Join(parts[:len(parts)-1], ", ") + " and " + parts[len(parts)-1]
}
