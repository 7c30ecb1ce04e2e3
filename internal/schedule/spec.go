// Package schedule implements recurrence rules: validating schedule input
// and computing the next trigger instant for a rule.
package schedule

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidSpec is returned for malformed schedule input. It is surfaced
// synchronously to the task-creation caller and never persisted.
var ErrInvalidSpec = errors.New("invalid schedule configuration")

// RepeatType identifies a recurrence rule. The string values are persisted
// verbatim.
type RepeatType string

const (
	RepeatOnce     RepeatType = "ONCE"
	RepeatDaily    RepeatType = "DAILY"
	RepeatWeekly   RepeatType = "WEEKLY"
	RepeatWeekdays RepeatType = "WEEKDAYS"
	RepeatMonthly  RepeatType = "MONTHLY"
	RepeatCustom   RepeatType = "CUSTOM"
)

// Spec is a structured recurrence rule: a repeat type plus the time fields
// that type requires.
type Spec struct {
	Repeat RepeatType

	// Hour and Minute are the local fire time for all types except CUSTOM.
	Hour   int
	Minute int

	// DaysOfWeek applies to WEEKLY only (Sunday = 0).
	DaysOfWeek []time.Weekday

	// DayOfMonth applies to MONTHLY only (1-31).
	DayOfMonth int

	// Cron applies to CUSTOM only and is otherwise opaque to the engine.
	Cron string
}

// Validate reports whether the spec carries the required fields for its
// repeat type, with all values in range.
func (s Spec) Validate() error {
	switch s.Repeat {
	case RepeatOnce, RepeatDaily, RepeatWeekly, RepeatWeekdays, RepeatMonthly:
		if s.Hour < 0 || s.Hour > 23 {
			return fmt.Errorf("%w: hour %d out of range [0,23]", ErrInvalidSpec, s.Hour)
		}
		if s.Minute < 0 || s.Minute > 59 {
			return fmt.Errorf("%w: minute %d out of range [0,59]", ErrInvalidSpec, s.Minute)
		}
	case RepeatCustom:
		if s.Cron == "" {
			return fmt.Errorf("%w: cron expression required for CUSTOM", ErrInvalidSpec)
		}
		if _, err := cronParser.Parse(s.Cron); err != nil {
			return fmt.Errorf("%w: parsing cron expression: %v", ErrInvalidSpec, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown repeat type %q", ErrInvalidSpec, s.Repeat)
	}

	switch s.Repeat {
	case RepeatWeekly:
		if len(s.DaysOfWeek) == 0 {
			return fmt.Errorf("%w: days of week required for WEEKLY", ErrInvalidSpec)
		}
		for _, d := range s.DaysOfWeek {
			if d < time.Sunday || d > time.Saturday {
				return fmt.Errorf("%w: weekday %d out of range [0,6]", ErrInvalidSpec, d)
			}
		}
	case RepeatMonthly:
		if s.DayOfMonth < 1 || s.DayOfMonth > 31 {
			return fmt.Errorf("%w: day of month %d out of range [1,31]", ErrInvalidSpec, s.DayOfMonth)
		}
	}

	return nil
}
