// Package window computes the [start, finish] temporal window of a pipeline
// run from its execution-window frequency and a reference instant.
package window

import (
	"time"

	"github.com/pipetick/pipetick/pkg/schema"
)

// Boundaries are inclusive: finish is the last representable microsecond of
// the window, matching how run windows are persisted and compared.
const lastTick = time.Microsecond

// Compute returns the window that contains the reference instant t for the
// given execution-window frequency. All arithmetic is done in UTC regardless
// of t's location.
func Compute(freq schema.ExecutionWindow, t time.Time) (start, finish time.Time, err error) {
	t = t.UTC()
	switch freq {
	case schema.WindowDaily:
		start = midnight(t)
		finish = start.AddDate(0, 0, 1).Add(-lastTick)
	case schema.WindowWeekly:
		// Week anchor is Sunday; a Sunday reference starts its own window.
		start = midnight(t).AddDate(0, 0, -int(t.Weekday()))
		finish = start.AddDate(0, 0, 7).Add(-lastTick)
	case schema.WindowMonthly:
		start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		finish = start.AddDate(0, 1, 0).Add(-lastTick)
	default:
		return time.Time{}, time.Time{}, schema.NewErrorf(schema.ErrCodeInvalidFrequency,
			"unknown execution window frequency %q", string(freq))
	}
	return start, finish, nil
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
