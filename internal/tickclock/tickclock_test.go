package tickclock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tod, err := Parse("07:30")
	require.NoError(t, err)
	assert.Equal(t, 7, tod.Hour)
	assert.Equal(t, 30, tod.Minute)
	assert.Equal(t, "07:30", tod.String())
	assert.Equal(t, "30 7 * * *", tod.CronSpec())
}

func TestParse_Invalid(t *testing.T) {
	for _, s := range []string{"", "7", "25:00", "07:61", "noon"} {
		_, err := Parse(s)
		assert.Error(t, err, s)
	}
}

func TestNextTrigger(t *testing.T) {
	tod := TimeOfDay{Hour: 7, Minute: 0}

	testCases := []struct {
		name     string
		after    time.Time
		expected time.Time
	}{
		{
			"before anchor same day",
			time.Date(2024, 3, 10, 5, 0, 0, 0, time.UTC),
			time.Date(2024, 3, 10, 7, 0, 0, 0, time.UTC),
		},
		{
			"exactly at anchor",
			time.Date(2024, 3, 10, 7, 0, 0, 0, time.UTC),
			time.Date(2024, 3, 10, 7, 0, 0, 0, time.UTC),
		},
		{
			"after anchor rolls to next day",
			time.Date(2024, 3, 10, 7, 0, 1, 0, time.UTC),
			time.Date(2024, 3, 11, 7, 0, 0, 0, time.UTC),
		},
		{
			"month boundary",
			time.Date(2024, 2, 29, 23, 59, 0, 0, time.UTC),
			time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, NextTrigger(tc.after, tod))
		})
	}
}

func TestLastTrigger(t *testing.T) {
	tod := TimeOfDay{Hour: 7, Minute: 0}

	now := time.Date(2024, 3, 10, 6, 59, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 9, 7, 0, 0, 0, time.UTC), LastTrigger(now, tod))

	now = time.Date(2024, 3, 10, 7, 0, 0, 0, time.UTC)
	assert.Equal(t, now, LastTrigger(now, tod))
}

func TestHasFired(t *testing.T) {
	tod := TimeOfDay{Hour: 7, Minute: 0}
	day := func(d, h, m int) time.Time {
		return time.Date(2024, 3, d, h, m, 0, 0, time.UTC)
	}

	testCases := []struct {
		name     string
		lastFire time.Time
		now      time.Time
		expected bool
	}{
		{"no boundary crossed", day(10, 8, 0), day(10, 23, 0), false},
		{"boundary crossed", day(10, 6, 0), day(10, 8, 0), true},
		{"exactly at boundary", day(10, 6, 0), day(10, 7, 0), true},
		{"late poll still fires", day(10, 6, 0), day(10, 22, 30), true},
		{"fired at boundary does not refire", day(10, 7, 0), day(10, 7, 0), false},
		{"fired at boundary waits for next day", day(10, 7, 0), day(10, 23, 59), false},
		{"next day fires again", day(10, 7, 0), day(11, 7, 0), true},
		{"now before lastFire", day(10, 8, 0), day(10, 6, 0), false},
		{"restart after days away fires once", day(8, 7, 0), day(11, 9, 0), true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, HasFired(tc.lastFire, tc.now, tod))
		})
	}
}
