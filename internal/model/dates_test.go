package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLeaseDate(t *testing.T) {
	now := time.Date(2026, 3, 14, 15, 9, 26, 535000, time.UTC)

	parsed, err := ParseLeaseDate("2026-03-15 12:30", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 15, 12, 30, 0, 0, time.UTC), parsed)

	parsed, err = ParseLeaseDate(LiteralNow, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 14, 15, 9, 0, 0, time.UTC), parsed, "now resolves to the current minute")
}

func TestParseLeaseDateRejectsGarbage(t *testing.T) {
	now := time.Now()
	for _, value := range []string{"", "tomorrow", "2026-03-15", "2026-03-15T12:30:00Z", "15.03.2026 12:30"} {
		_, err := ParseLeaseDate(value, now)
		var invalid *InvalidDateError
		require.ErrorAs(t, err, &invalid, "value %q", value)
		assert.Equal(t, value, invalid.Value)
	}
}

func TestCurrentMinuteTruncatesToUTC(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	now := time.Date(2026, 3, 14, 16, 9, 59, 999, loc)
	assert.Equal(t, time.Date(2026, 3, 14, 15, 9, 0, 0, time.UTC), CurrentMinute(now))
}

func TestFormatLeaseDateRoundTrip(t *testing.T) {
	orig := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	parsed, err := ParseLeaseDate(FormatLeaseDate(orig), time.Now())
	require.NoError(t, err)
	assert.True(t, parsed.Equal(orig))
}
