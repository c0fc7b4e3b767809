package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// parseTimeOfDay parses a "HH:MM" 24h clock string.
func parseTimeOfDay(s string) (hour, minute int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("schedule: invalid time_of_day %q, want HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("schedule: invalid hour in %q: %w", s, err)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("schedule: invalid minute in %q: %w", s, err)
	}
	return hour, minute, nil
}

// nextFireTime computes the next UTC fire time strictly after `after` for a
// recurrence descriptor. For `once`, it returns rec.At unconditionally —
// callers are responsible for zeroing NextExecution once a once-task has
// completed (spec §3/§4.9).
func nextFireTime(rec Recurrence, after time.Time) (time.Time, error) {
	after = after.UTC()

	switch rec.Kind {
	case RecurrenceOnce:
		return rec.At.UTC(), nil

	case RecurrenceDaily:
		hour, minute, err := parseTimeOfDay(rec.TimeOfDay)
		if err != nil {
			return time.Time{}, err
		}
		next := time.Date(after.Year(), after.Month(), after.Day(), hour, minute, 0, 0, time.UTC)
		if !next.After(after) {
			next = next.AddDate(0, 0, 1)
		}
		return next, nil

	case RecurrenceWeekly:
		if len(rec.Weekdays) == 0 {
			return time.Time{}, fmt.Errorf("schedule: weekly recurrence requires at least one weekday")
		}
		hour, minute, err := parseTimeOfDay(rec.TimeOfDay)
		if err != nil {
			return time.Time{}, err
		}
		best := time.Time{}
		for _, wd := range rec.Weekdays {
			candidate := time.Date(after.Year(), after.Month(), after.Day(), hour, minute, 0, 0, time.UTC)
			for candidate.Weekday() != wd || !candidate.After(after) {
				candidate = candidate.AddDate(0, 0, 1)
				candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day(), hour, minute, 0, 0, time.UTC)
				if candidate.Weekday() == wd && candidate.After(after) {
					break
				}
			}
			if best.IsZero() || candidate.Before(best) {
				best = candidate
			}
		}
		return best, nil

	case RecurrenceMonthly:
		hour, minute, err := parseTimeOfDay(rec.TimeOfDay)
		if err != nil {
			return time.Time{}, err
		}
		if rec.DayOfMonth < 1 || rec.DayOfMonth > 31 {
			return time.Time{}, fmt.Errorf("schedule: invalid day_of_month %d", rec.DayOfMonth)
		}
		next := time.Date(after.Year(), after.Month(), rec.DayOfMonth, hour, minute, 0, 0, time.UTC)
		for !next.After(after) || next.Day() != rec.DayOfMonth {
			next = time.Date(next.Year(), next.Month()+1, rec.DayOfMonth, hour, minute, 0, 0, time.UTC)
		}
		return next, nil

	case RecurrenceCron:
		next, err := gronx.NextTickAfter(rec.CronExpr, after, false)
		if err != nil {
			return time.Time{}, fmt.Errorf("schedule: invalid cron expression %q: %w", rec.CronExpr, err)
		}
		return next, nil

	default:
		return time.Time{}, ErrUnknownRecurrence
	}
}
