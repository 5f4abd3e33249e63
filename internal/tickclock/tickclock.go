// Package tickclock resolves the configured daily time-of-day anchor into
// concrete trigger instants. All math is in UTC; callers inject `now` so the
// engine stays deterministic under test.
package tickclock

import (
	"fmt"
	"time"
)

// TimeOfDay is a daily tick anchor, e.g. 07:00 UTC.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// Parse parses an "HH:MM" time-of-day string.
func Parse(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// String returns the "HH:MM" form of the anchor.
func (tod TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", tod.Hour, tod.Minute)
}

// CronSpec returns the standard cron expression for the daily anchor.
func (tod TimeOfDay) CronSpec() string {
	return fmt.Sprintf("%d %d * * *", tod.Minute, tod.Hour)
}

// NextTrigger returns the next instant at or after `after` at which the daily
// tick is due.
func NextTrigger(after time.Time, tod TimeOfDay) time.Time {
	after = after.UTC()
	trigger := time.Date(after.Year(), after.Month(), after.Day(), tod.Hour, tod.Minute, 0, 0, time.UTC)

	if trigger.Before(after) {
		trigger = trigger.AddDate(0, 0, 1)
	}
	return trigger
}

// LastTrigger returns the most recent instant at or before `now` at which the
// daily tick was due.
func LastTrigger(now time.Time, tod TimeOfDay) time.Time {
	now = now.UTC()
	trigger := time.Date(now.Year(), now.Month(), now.Day(), tod.Hour, tod.Minute, 0, 0, time.UTC)

	if trigger.After(now) {
		trigger = trigger.AddDate(0, 0, -1)
	}
	return trigger
}

// HasFired reports whether at least one tick boundary lies in (lastFire, now].
// The process polls at irregular intervals, so a late invocation still counts
// as firing; the caller persists lastFire after each run so a boundary fires
// exactly once across restarts.
func HasFired(lastFire, now time.Time, tod TimeOfDay) bool {
	if !now.After(lastFire) {
		return false
	}
	next := NextTrigger(lastFire.UTC().Add(time.Nanosecond), tod)
	return !next.After(now.UTC())
}
