// Package task defines the persisted task model and its SQLite store.
package task

import (
	"strconv"
	"strings"
	"time"

	"taskpilot/internal/schedule"
)

// IntentType classifies what kind of work a task represents. The string
// values are persisted verbatim.
type IntentType string

const (
	IntentReminder   IntentType = "REMINDER"
	IntentAutomation IntentType = "AUTOMATION"
)

// Status is the lifecycle state of a task. The string values are persisted
// verbatim.
type Status string

const (
	StatusActive       Status = "ACTIVE"
	StatusPaused       Status = "PAUSED"
	StatusRunning      Status = "RUNNING"
	StatusRetryWaiting Status = "RETRY_WAITING"
	StatusSuccess      Status = "SUCCESS"
	StatusFailed       Status = "FAILED"
	StatusExpired      Status = "EXPIRED"
	StatusCancelled    Status = "CANCELLED"
)

// Terminal reports whether no further lifecycle transitions apply. Terminal
// tasks are retention-eligible.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Task is the unit of schedulable work.
type Task struct {
	ID       int64
	UserID   int64
	ClientID string

	Intent  IntentType
	Content string // the original user instruction
	Message string // optional reminder payload

	Schedule schedule.Spec

	// NextTriggerMs is the next scheduled fire instant in epoch millis.
	// While Status is ACTIVE it is the recurrence trigger; while Status is
	// RETRY_WAITING it is the retry deadline. Other states never consult it.
	NextTriggerMs int64

	Status        Status
	LastExecuteMs int64
	LastResult    string
	ExecuteCount  int
	RetryCount    int
	MaxRetry      int

	CreatedAtMs int64
	UpdatedAtMs int64
}

// Repeating reports whether the task re-arms after a successful run.
func (t *Task) Repeating() bool {
	return t.Schedule.Repeat != schedule.RepeatOnce
}

// NextTrigger returns the next trigger instant as a time.Time in UTC.
func (t *Task) NextTrigger() time.Time {
	return time.UnixMilli(t.NextTriggerMs).UTC()
}

// Notifier receives a callback after every persisted task mutation. It is a
// presentation-layer convenience; the engine never consumes it.
type Notifier interface {
	TaskChanged(id int64)
	TaskDeleted(id int64, userID int64)
}

// encodeDays serializes a weekday set as a comma-separated list of ordinals
// (Sunday = 0), the storage encoding for days_of_week.
func encodeDays(days []time.Weekday) string {
	if len(days) == 0 {
		return ""
	}
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = strconv.Itoa(int(d))
	}
	return strings.Join(parts, ",")
}

func decodeDays(s string) []time.Weekday {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	days := make([]time.Weekday, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			continue
		}
		days = append(days, time.Weekday(n))
	}
	return days
}
