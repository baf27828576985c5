// Package schedule implements the pure scheduling-descriptor matcher:
// does a step fire at a given wall-clock instant?
//
// The dialect is deliberately small: once, daily with a day interval,
// monthly with month/day selectors, and immediately. intervalWeeks and
// weekDays are reserved wire fields and are never matched on.
package schedule

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/pipetick/pipetick/pkg/schema"
)

// Layouts accepted for startDateTime. Seconds are tolerated on the wire but
// truncated: all matching happens at minute precision in UTC.
var startLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// Parse decodes a raw scheduling descriptor into a ScheduleSpec.
// It does not validate field ranges; that is the validation package's job.
func Parse(raw json.RawMessage) (*schema.ScheduleSpec, error) {
	if len(raw) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty scheduling descriptor")
	}
	var spec schema.ScheduleSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "unparseable scheduling descriptor").WithCause(err)
	}
	return &spec, nil
}

// IsImmediate reports whether the step fires as soon as its predecessor
// completes, regardless of wall clock.
func IsImmediate(s *schema.ScheduleSpec) bool {
	return s != nil && s.ExecuteImmediately
}

// StartAt parses the descriptor's startDateTime at minute precision in UTC.
func StartAt(s *schema.ScheduleSpec) (time.Time, error) {
	if s == nil || s.StartDateTime == "" {
		return time.Time{}, schema.NewError(schema.ErrCodeValidation, "scheduling descriptor has no startDateTime")
	}
	for _, layout := range startLayouts {
		if t, err := time.ParseInLocation(layout, s.StartDateTime, time.UTC); err == nil {
			return t.Truncate(time.Minute), nil
		}
	}
	return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation,
		"invalid startDateTime %q: want YYYY-MM-DDTHH:MM[:SS]", s.StartDateTime)
}

// Matches reports whether the descriptor fires at now, minute-aligned.
// It is deterministic given (s, now) and never fires before StartAt.
// Frequency "immediately" always returns false: immediate dispatch is
// decided by reconciler order, not time.
func Matches(s *schema.ScheduleSpec, now time.Time) bool {
	if s == nil {
		return false
	}
	start, err := StartAt(s)
	if err != nil {
		return false
	}
	now = now.UTC().Truncate(time.Minute)
	if now.Before(start) {
		return false
	}

	switch s.Frequency {
	case schema.FreqOnce:
		return now.Equal(start)
	case schema.FreqDaily:
		return matchesDaily(s, start, now)
	case schema.FreqMonthly:
		return matchesMonthly(s, start, now)
	default:
		// Includes "immediately" and unknown frequencies.
		return false
	}
}

// matchesDaily fires when now - start is a whole multiple of intervalDays
// days, to the minute.
func matchesDaily(s *schema.ScheduleSpec, start, now time.Time) bool {
	interval := 1
	if s.IntervalDays != nil {
		interval = *s.IntervalDays
	}
	if interval < 1 {
		return false
	}
	diff := now.Sub(start)
	return diff >= 0 && diff%(time.Duration(interval)*24*time.Hour) == 0
}

// matchesMonthly fires at the start's hour and minute, on any day and month
// named by the selectors.
func matchesMonthly(s *schema.ScheduleSpec, start, now time.Time) bool {
	if now.Hour() != start.Hour() || now.Minute() != start.Minute() {
		return false
	}
	return containsNumber(s.Months, int(now.Month())) && containsNumber(s.Days, now.Day())
}

func containsNumber(selectors []string, n int) bool {
	want := strconv.Itoa(n)
	for _, sel := range selectors {
		if sel == want {
			return true
		}
	}
	return false
}
