// Package dateutils provides common date and time operations used throughout the application.
package dateutils

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Common date format constants used throughout the application
const (
	DateLayoutISO       = "2006-01-02"
	DateLayoutFull      = "2006-01-02 15:04:05"
	DateLayoutDashed    = "2-1-2006"
	DateLayoutSlashed   = "2/1/2006"
	DateLayoutWithMonth = "2-Jan-2006"
)

// CommonFormats is a list of formats carrying a year, tried in order
var CommonFormats = []string{
	DateLayoutISO,
	DateLayoutFull,
	time.RFC3339,
	DateLayoutDashed,
	DateLayoutSlashed,
	DateLayoutWithMonth,
	"2.1.2006",
	"2-1-06",
	"2/1/06",
	"2-Jan-06",
	"2 Jan 2006",
	"2 Jan 06",
	"2Jan2006",
	"2Jan06",
	"2006/01/02",
	"Jan 2, 2006",
}

// PartialFormats are day-month formats without a year, common in SMS
// notifications ("on 12-01", "on 03 Feb").
var PartialFormats = []string{
	"2-1",
	"2/1",
	"2-Jan",
	"2 Jan",
	"2Jan",
}

// ParseDate attempts to parse a date string using multiple common formats
// Returns the parsed time and the detected format
func ParseDate(dateStr string) (time.Time, string, error) {
	dateStr = CleanDateString(dateStr)

	for _, format := range CommonFormats {
		if t, err := time.Parse(format, dateStr); err == nil {
			return t, format, nil
		}
	}

	return time.Time{}, "", fmt.Errorf("unable to parse date: %s", dateStr)
}

// ParseMessageDate parses a date token taken from a message body. Tokens
// without a year take the year of ref, or the previous year when that would
// put the date more than a day after ref. The result is in ref's location.
func ParseMessageDate(token string, ref time.Time) (time.Time, error) {
	token = CleanDateString(token)
	if token == "" {
		return time.Time{}, fmt.Errorf("unable to parse date: empty")
	}
	if ref.IsZero() {
		ref = time.Now()
	}
	loc := ref.Location()

	for _, format := range CommonFormats {
		if t, err := time.ParseInLocation(format, token, loc); err == nil {
			return t, nil
		}
	}

	for _, format := range PartialFormats {
		t, err := time.ParseInLocation(format, token, loc)
		if err != nil {
			continue
		}
		candidate := time.Date(ref.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
		if candidate.Month() != t.Month() {
			// Feb 29 in a non-leap year
			candidate = time.Date(ref.Year()-1, t.Month(), t.Day(), 0, 0, 0, 0, loc)
		}
		if candidate.After(ref.Add(24 * time.Hour)) {
			candidate = candidate.AddDate(-1, 0, 0)
		}
		return candidate, nil
	}

	return time.Time{}, fmt.Errorf("unable to parse date: %s", token)
}

// FormatDate formats a time.Time value according to the specified layout
// If no layout is provided, DateLayoutISO is used
func FormatDate(date time.Time, layout string) string {
	if layout == "" {
		layout = DateLayoutISO
	}
	return date.Format(layout)
}

// ToISODate formats a time.Time value as an ISO date (YYYY-MM-DD)
func ToISODate(date time.Time) string {
	return date.Format(DateLayoutISO)
}

var spaceRun = regexp.MustCompile(`\s+`)

// CleanDateString removes unwanted characters and normalizes a date string
func CleanDateString(dateStr string) string {
	dateStr = strings.TrimSpace(dateStr)
	dateStr = strings.TrimRight(dateStr, ".,;")
	return spaceRun.ReplaceAllString(dateStr, " ")
}

// ParseTimestamp parses the receive time of a message as found in exports:
// RFC 3339, "2006-01-02 15:04:05" or epoch milliseconds.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("unable to parse timestamp: empty")
	}
	if loc == nil {
		loc = time.UTC
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(DateLayoutFull, value, loc); err == nil {
		return t, nil
	}
	var ms int64
	if _, err := fmt.Sscanf(value, "%d", &ms); err == nil && len(value) >= 12 && isDigits(value) {
		return time.UnixMilli(ms).In(loc), nil
	}
	if t, _, err := ParseDate(value); err == nil {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc), nil
	}
	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", value)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// CompareDates compares two dates ignoring the time of day and returns:
//
//	-1 if date1 is before date2
//	 0 if date1 is equal to date2
//	 1 if date1 is after date2
func CompareDates(date1, date2 time.Time) int {
	date1 = time.Date(date1.Year(), date1.Month(), date1.Day(), 0, 0, 0, 0, time.UTC)
	date2 = time.Date(date2.Year(), date2.Month(), date2.Day(), 0, 0, 0, 0, time.UTC)

	switch {
	case date1.Before(date2):
		return -1
	case date1.After(date2):
		return 1
	default:
		return 0
	}
}
