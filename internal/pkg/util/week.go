package util

import (
	"time"

	"github.com/pkg/errors"
)

const WeekLayout = "2006-01-02"

// DayStart truncates t to 00:00 UTC.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// WeekStart returns the Monday 00:00 UTC opening the ISO week of t.
func WeekStart(t time.Time) time.Time {
	d := DayStart(t)
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}

// WeekEnd is the exclusive end of the week opened by weekStart.
func WeekEnd(weekStart time.Time) time.Time {
	return weekStart.AddDate(0, 0, 7)
}

// ParseWeek parses a yyyy-mm-dd date and normalizes it to its week start.
func ParseWeek(s string) (time.Time, error) {
	t, err := time.ParseInLocation(WeekLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse week %q", s)
	}
	return WeekStart(t), nil
}
