package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

var weekdaySet = []time.Weekday{
	time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
}

// Next computes the next trigger instant for the spec strictly after `from`
// (in from's location). It is pure and deterministic.
//
// The single exception to strictness is ONCE: a ONCE spec whose fire time
// already passed today returns `from` itself, making the task immediately
// due rather than rejected.
func Next(s Spec, from time.Time) (time.Time, error) {
	if err := s.Validate(); err != nil {
		return time.Time{}, err
	}

	switch s.Repeat {
	case RepeatOnce:
		at := atTime(from, s.Hour, s.Minute)
		if at.After(from) {
			return at, nil
		}
		return from, nil

	case RepeatDaily:
		at := atTime(from, s.Hour, s.Minute)
		if !at.After(from) {
			at = at.AddDate(0, 0, 1)
		}
		return at, nil

	case RepeatWeekly:
		return nextWeekday(from, s.Hour, s.Minute, s.DaysOfWeek), nil

	case RepeatWeekdays:
		return nextWeekday(from, s.Hour, s.Minute, weekdaySet), nil

	case RepeatMonthly:
		return nextMonthly(from, s.Hour, s.Minute, s.DayOfMonth), nil

	case RepeatCustom:
		sched, err := cronParser.Parse(s.Cron)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: parsing cron expression: %v", ErrInvalidSpec, err)
		}
		next := sched.Next(from)
		if next.IsZero() || !next.After(from) {
			return time.Time{}, fmt.Errorf("%w: cron expression %q yields no future run", ErrInvalidSpec, s.Cron)
		}
		return next, nil
	}

	return time.Time{}, fmt.Errorf("%w: unknown repeat type %q", ErrInvalidSpec, s.Repeat)
}

// atTime returns hour:minute on the calendar day of ref, in ref's location.
func atTime(ref time.Time, hour, minute int) time.Time {
	return time.Date(ref.Year(), ref.Month(), ref.Day(), hour, minute, 0, 0, ref.Location())
}

// nextWeekday scans forward up to a full week for the first matching weekday
// whose fire time is strictly after `from`. Offset 7 covers the wrap case
// where today is the only configured day and its slot has passed.
func nextWeekday(from time.Time, hour, minute int, days []time.Weekday) time.Time {
	allowed := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		allowed[d] = true
	}

	for offset := 0; offset <= 7; offset++ {
		day := from.AddDate(0, 0, offset)
		if !allowed[day.Weekday()] {
			continue
		}
		cand := atTime(day, hour, minute)
		if cand.After(from) {
			return cand
		}
	}

	// Unreachable: a non-empty valid day set always matches within 8 days.
	return atTime(from.AddDate(0, 0, 7), hour, minute)
}

// nextMonthly finds the next occurrence of dayOfMonth at hour:minute. A day
// beyond the target month's length clamps to that month's last day rather
// than skipping the month.
func nextMonthly(from time.Time, hour, minute, dayOfMonth int) time.Time {
	for offset := 0; offset <= 13; offset++ {
		// Anchor at day 1 so month arithmetic never normalizes past the
		// intended month.
		anchor := time.Date(from.Year(), from.Month()+time.Month(offset), 1, 0, 0, 0, 0, from.Location())
		day := dayOfMonth
		if last := lastDayOfMonth(anchor); day > last {
			day = last
		}
		cand := time.Date(anchor.Year(), anchor.Month(), day, hour, minute, 0, 0, from.Location())
		if cand.After(from) {
			return cand
		}
	}

	// Unreachable: at most one wrap past a clamped month is needed.
	return atTime(from.AddDate(0, 1, 0), hour, minute)
}

func lastDayOfMonth(anchor time.Time) int {
	return time.Date(anchor.Year(), anchor.Month()+1, 0, 0, 0, 0, 0, anchor.Location()).Day()
}
