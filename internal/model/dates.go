package model

import (
	"fmt"
	"time"
)

// LeaseDateFormat is the wire format for lease dates, interpreted as UTC.
const LeaseDateFormat = "2006-01-02 15:04"

// LiteralNow is accepted in place of a date and resolves to the current
// minute.
const LiteralNow = "now"

// InvalidDateError reports a date string that does not parse in the
// lease date format.
type InvalidDateError struct {
	Value string
}

func (e *InvalidDateError) Error() string {
	return fmt.Sprintf("invalid date %q, expected %q or %q", e.Value, LeaseDateFormat, LiteralNow)
}

// CurrentMinute returns now in UTC truncated to minute granularity, the
// resolution at which lease dates are compared.
func CurrentMinute(now time.Time) time.Time {
	return now.UTC().Truncate(time.Minute)
}

// ParseLeaseDate parses a lease date string. The literal "now" resolves
// to the given current minute.
func ParseLeaseDate(value string, now time.Time) (time.Time, error) {
	if value == LiteralNow {
		return CurrentMinute(now), nil
	}
	t, err := time.ParseInLocation(LeaseDateFormat, value, time.UTC)
	if err != nil {
		return time.Time{}, &InvalidDateError{Value: value}
	}
	return t, nil
}

// FormatLeaseDate renders a time in the lease date format.
func FormatLeaseDate(t time.Time) string {
	return t.UTC().Format(LeaseDateFormat)
}
