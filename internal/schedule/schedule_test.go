package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	s, err := Parse("6h")
	require.NoError(t, err)
	assert.Equal(t, 6*time.Hour, s.Interval())

	from := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, from.Add(6*time.Hour), s.Next(from))
	assert.Equal(t, "6h", s.String())
}

func TestParseEvery(t *testing.T) {
	s, err := Parse("@every 30m")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, s.Interval())
}

func TestParseCronDaily(t *testing.T) {
	s, err := Parse("0 6 * * *")
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, s.Interval())

	from := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC), s.Next(from))
}

func TestParseDescriptor(t *testing.T) {
	s, err := Parse("@weekly")
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, s.Interval())
}

func TestParseWeekdaysUsesLongestGap(t *testing.T) {
	s, err := Parse("0 9 * * 1-5")
	require.NoError(t, err)
	// Friday 09:00 to Monday 09:00.
	assert.Equal(t, 72*time.Hour, s.Interval())
}

func TestParseRejects(t *testing.T) {
	for _, expr := range []string{"", "   ", "every day", "500ms", "61 * * * *"} {
		_, err := Parse(expr)
		assert.Error(t, err, "expected error for %q", expr)
	}
}

func TestMustParsePanics(t *testing.T) {
	assert.Panics(t, func() { MustParse("nope") })
	assert.NotPanics(t, func() { MustParse("1h") })
}
