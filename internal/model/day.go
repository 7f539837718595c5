package model

import (
	"strings"
	"time"
)

// DayLayout is the canonical layout of day bucket keys.
const DayLayout = "02-01-2006"

// isoDayLayout is the second accepted input layout.
const isoDayLayout = "2006-01-02"

// ParseDayStrict parses input in either accepted layout and returns the UTC midnight date.
func ParseDayStrict(input string) (time.Time, bool) {
	s := strings.TrimSpace(input)
	for _, layout := range []string{DayLayout, isoDayLayout} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseDay returns the canonical day key for input, falling back to now's date
// when input is empty or in neither accepted layout.
func ParseDay(input string, now time.Time) string {
	if t, ok := ParseDayStrict(input); ok {
		return t.Format(DayLayout)
	}
	return now.Format(DayLayout)
}

// DayKey returns the canonical key for input, or input itself when it does not parse.
// Lookups use it so "2024-06-01" and "01-06-2024" address the same bucket.
func DayKey(input string) string {
	if t, ok := ParseDayStrict(input); ok {
		return t.Format(DayLayout)
	}
	return input
}

// DaysBetween returns the number of whole calendar days from day to now.
func DaysBetween(day, now time.Time) int {
	d := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	n := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return int(n.Sub(d).Hours() / 24)
}
