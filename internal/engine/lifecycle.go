package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"taskpilot/internal/history"
	"taskpilot/internal/schedule"
	"taskpilot/internal/task"
)

// ErrInvalidTransition is returned when an event is not defined for the
// task's current lifecycle state. The caller must not have mutated any
// persisted state when it sees this error.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// Event is a lifecycle input.
type Event string

const (
	EventClaim        Event = "claim"
	EventPause        Event = "pause"
	EventResume       Event = "resume"
	EventSucceed      Event = "succeed"
	EventFail         Event = "fail"
	EventRetryElapsed Event = "retry_elapsed"
	EventCancel       Event = "cancel"
	EventExpire       Event = "expire"
)

// transitions defines which events are valid in each state. Terminal states
// have no entries: nothing moves a task out of them. Where an event lands
// depends on the task (repeat type, retry budget) and is decided by the
// Controller; this table only answers "is the pair defined at all".
var transitions = map[task.Status]map[Event]bool{
	task.StatusActive: {
		EventClaim:  true,
		EventPause:  true,
		EventCancel: true,
		EventExpire: true,
	},
	task.StatusPaused: {
		EventResume: true,
		EventCancel: true,
	},
	task.StatusRunning: {
		EventSucceed: true,
		EventFail:    true,
		// A cancel against a RUNNING task is accepted; the in-flight
		// execution finishes and its result transition is then rejected.
		EventCancel: true,
	},
	task.StatusRetryWaiting: {
		EventRetryElapsed: true,
		EventCancel:       true,
	},
}

// Allowed reports whether the (state, event) pair is defined.
func Allowed(s task.Status, e Event) bool {
	return transitions[s][e]
}

// Controller applies lifecycle transitions to persisted tasks. Every
// decision goes through a conditional update on the row, so a stale
// in-memory copy can never overwrite a newer state.
type Controller struct {
	tasks       *task.Store
	history     *history.Store
	retry       schedule.Policy
	historyKeep int
	now         func() time.Time
}

// NewController creates a lifecycle controller.
func NewController(tasks *task.Store, hist *history.Store, retry schedule.Policy, historyKeep int) *Controller {
	if historyKeep <= 0 {
		historyKeep = 10
	}
	return &Controller{
		tasks:       tasks,
		history:     hist,
		retry:       retry,
		historyKeep: historyKeep,
		now:         time.Now,
	}
}

// Claim attempts the atomic ACTIVE -> RUNNING transition. A false return is
// not an error: the claim lost the race and the task is skipped this cycle.
func (c *Controller) Claim(ctx context.Context, id int64) (bool, error) {
	return c.tasks.Claim(ctx, id)
}

// HandleSuccess applies a successful execution result: ONCE tasks become
// SUCCESS; repeating tasks recompute a strictly future trigger and return to
// ACTIVE with a fresh retry budget.
func (c *Controller) HandleSuccess(ctx context.Context, t *task.Task, res Result) error {
	now := c.now()
	c.appendHistory(ctx, t.ID, true, res.Output, "", now, res.Duration)

	upd := task.RunUpdate{
		Status:       task.StatusSuccess,
		ExecutedAtMs: now.UnixMilli(),
		Result:       res.Output,
	}

	if t.Repeating() {
		next, err := schedule.Next(t.Schedule, now)
		if err != nil {
			return fmt.Errorf("recomputing trigger for task %d: %w", t.ID, err)
		}
		upd.Status = task.StatusActive
		upd.NextTriggerMs = next.UnixMilli()
		upd.ResetRetry = true
	}

	ok, err := c.tasks.CompleteRun(ctx, t.ID, upd)
	if err != nil {
		return err
	}
	if !ok {
		// Cancelled while running; the terminal state is sticky.
		return fmt.Errorf("%w: task %d is no longer RUNNING", ErrInvalidTransition, t.ID)
	}
	return nil
}

// HandleFailure applies a failed execution result. While the retry budget
// lasts the task parks in RETRY_WAITING with its retry deadline persisted,
// so a later poll cycle reclaims it; no one sleeps on it in the meantime.
// On exhaustion a ONCE task becomes FAILED; a repeating task re-arms for
// its next cycle with counters reset.
func (c *Controller) HandleFailure(ctx context.Context, t *task.Task, res Result) (schedule.Decision, error) {
	now := c.now()
	c.appendHistory(ctx, t.ID, false, res.Output, res.ErrorMessage, now, res.Duration)

	d := c.retry.Decide(t.RetryCount, t.MaxRetry)
	if d.Retry {
		retryAt := now.Add(d.Delay)
		ok, err := c.tasks.MarkRetryWaiting(ctx, t.ID, now.UnixMilli(), retryAt.UnixMilli(), res.ErrorMessage)
		if err != nil {
			return schedule.Decision{}, err
		}
		if !ok {
			return schedule.Decision{}, fmt.Errorf("%w: task %d is no longer RUNNING", ErrInvalidTransition, t.ID)
		}
		return d, nil
	}

	upd := task.RunUpdate{
		Status:       task.StatusFailed,
		ExecutedAtMs: now.UnixMilli(),
		Result:       res.ErrorMessage,
	}

	if t.Repeating() {
		next, err := schedule.Next(t.Schedule, now)
		if err != nil {
			return schedule.Decision{}, fmt.Errorf("recomputing trigger for task %d: %w", t.ID, err)
		}
		// The cycle is spent; the next one starts with a clean slate.
		upd.Status = task.StatusActive
		upd.NextTriggerMs = next.UnixMilli()
		upd.ResetRetry = true
	}

	ok, err := c.tasks.CompleteRun(ctx, t.ID, upd)
	if err != nil {
		return schedule.Decision{}, err
	}
	if !ok {
		return schedule.Decision{}, fmt.Errorf("%w: task %d is no longer RUNNING", ErrInvalidTransition, t.ID)
	}
	return schedule.Decision{}, nil
}

// ResumeRetry moves a task whose persisted retry deadline elapsed back into
// RUNNING. A false return means the task was cancelled while waiting.
func (c *Controller) ResumeRetry(ctx context.Context, id int64) (bool, error) {
	return c.tasks.CompareAndSetStatus(ctx, id, task.StatusRunning, task.StatusRetryWaiting)
}

// Pause suspends an ACTIVE task.
func (c *Controller) Pause(ctx context.Context, id int64) error {
	return c.require(ctx, id, EventPause, func() (bool, error) {
		return c.tasks.CompareAndSetStatus(ctx, id, task.StatusPaused, task.StatusActive)
	})
}

// Resume reactivates a PAUSED task, recomputing the trigger first when the
// stored one already passed.
func (c *Controller) Resume(ctx context.Context, id int64) error {
	t, err := c.tasks.Get(ctx, id)
	if err != nil {
		return err
	}
	if !Allowed(t.Status, EventResume) {
		return fmt.Errorf("%w: %s on %s task %d", ErrInvalidTransition, EventResume, t.Status, id)
	}

	now := c.now()
	ok, err := c.tasks.CompareAndSetStatus(ctx, id, task.StatusActive, task.StatusPaused)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s on task %d", ErrInvalidTransition, EventResume, id)
	}

	// A stale trigger is recomputed for every repeat type; for ONCE the
	// recompute yields now, so the task fires on the next cycle instead of
	// expiring unexecuted.
	if t.NextTriggerMs <= now.UnixMilli() {
		next, err := schedule.Next(t.Schedule, now)
		if err != nil {
			return fmt.Errorf("recomputing trigger for task %d: %w", id, err)
		}
		if _, err := c.tasks.UpdateNextTrigger(ctx, id, next.UnixMilli()); err != nil {
			return err
		}
	}

	return nil
}

// Cancel marks a task CANCELLED. It is accepted from any non-terminal state;
// an in-flight execution finishes but its result transition is rejected.
func (c *Controller) Cancel(ctx context.Context, id int64) error {
	return c.require(ctx, id, EventCancel, func() (bool, error) {
		return c.tasks.CompareAndSetStatus(ctx, id, task.StatusCancelled,
			task.StatusActive, task.StatusPaused, task.StatusRunning, task.StatusRetryWaiting)
	})
}

// Expire marks a missed ONCE task EXPIRED.
func (c *Controller) Expire(ctx context.Context, id int64) error {
	return c.require(ctx, id, EventExpire, func() (bool, error) {
		return c.tasks.CompareAndSetStatus(ctx, id, task.StatusExpired, task.StatusActive)
	})
}

// require runs a conditional update and classifies a zero-row outcome as an
// invalid transition against the task's current persisted state.
func (c *Controller) require(ctx context.Context, id int64, ev Event, cas func() (bool, error)) error {
	t, err := c.tasks.Get(ctx, id)
	if err != nil {
		return err
	}
	if !Allowed(t.Status, ev) {
		return fmt.Errorf("%w: %s on %s task %d", ErrInvalidTransition, ev, t.Status, id)
	}

	ok, err := cas()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s on task %d", ErrInvalidTransition, ev, id)
	}
	return nil
}

// appendHistory records one execution attempt. History is telemetry: a
// failed insert is logged and the transition proceeds.
func (c *Controller) appendHistory(ctx context.Context, taskID int64, success bool, output, errMsg string, at time.Time, dur time.Duration) {
	rec := &history.Record{
		TaskID:       taskID,
		Success:      success,
		Result:       output,
		ErrorMessage: errMsg,
		ExecutedAtMs: at.UnixMilli(),
		DurationMs:   dur.Milliseconds(),
	}

	if err := c.history.Append(ctx, rec); err != nil {
		log.Warn().Err(err).Int64("task_id", taskID).Msg("Failed to append history record")
		return
	}

	if _, err := c.history.PruneKeepRecent(ctx, taskID, c.historyKeep); err != nil {
		log.Warn().Err(err).Int64("task_id", taskID).Msg("Failed to prune history")
	}
}
