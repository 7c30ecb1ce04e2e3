package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"taskpilot/internal/config"
	"taskpilot/internal/database"
	"taskpilot/internal/history"
	"taskpilot/internal/metrics"
	"taskpilot/internal/schedule"
	"taskpilot/internal/task"
	"taskpilot/internal/watch"
)

// ErrUnknownIntent is returned by CreateTask for an intent type the engine
// does not recognize.
var ErrUnknownIntent = errors.New("unknown intent type")

// Engine ties the stores, the lifecycle controller, the poller, and the
// watch broker into one scheduling service.
type Engine struct {
	cfg    *config.Config
	tasks  *task.Store
	hist   *history.Store
	ctrl   *Controller
	poller *Poller
	broker *watch.Broker

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires an engine over an open database. The executor performs the
// actual task side effects and is supplied by the host.
func New(cfg *config.Config, db *database.DB, exec Executor) *Engine {
	tasks := task.NewStore(db)
	hist := history.NewStore(db)

	broker := watch.NewBroker(tasks)
	tasks.SetNotifier(broker)

	policy := schedule.Policy{
		Mode:     schedule.BackoffMode(cfg.Engine.RetryBackoff),
		Delay:    cfg.Engine.RetryDelay,
		MaxDelay: cfg.Engine.RetryMaxDelay,
	}
	ctrl := NewController(tasks, hist, policy, cfg.Retention.HistoryKeep)

	return &Engine{
		cfg:    cfg,
		tasks:  tasks,
		hist:   hist,
		ctrl:   ctrl,
		poller: NewPoller(cfg.Engine, tasks, ctrl, exec),
		broker: broker,
	}
}

// Start recovers in-flight tasks from a previous run, then launches the
// poller and the retention sweeper.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	recovered, err := e.tasks.ResetInFlight(ctx)
	if err != nil {
		return fmt.Errorf("recovering in-flight tasks: %w", err)
	}
	if recovered > 0 {
		log.Info().Int64("count", recovered).Msg("Re-armed tasks left RUNNING by previous run")
	}

	e.poller.Start(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sweepLoop(ctx)
	}()

	log.Info().Msg("Task engine started")
	return nil
}

// Stop shuts the engine down and waits for workers to drain.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.poller.Stop()
	e.wg.Wait()
	e.broker.Close()
	log.Info().Msg("Task engine stopped")
}

// CreateInput describes a task to create. A zero MaxRetry takes the engine
// default.
type CreateInput struct {
	UserID   int64
	ClientID string
	Intent   task.IntentType
	Content  string
	Message  string
	Schedule schedule.Spec
	MaxRetry int
}

// CreateTask validates the input, computes the initial trigger, and persists
// a new ACTIVE task.
func (e *Engine) CreateTask(ctx context.Context, in CreateInput) (*task.Task, error) {
	switch in.Intent {
	case task.IntentReminder, task.IntentAutomation:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownIntent, in.Intent)
	}

	if err := in.Schedule.Validate(); err != nil {
		return nil, err
	}
	next, err := schedule.Next(in.Schedule, time.Now())
	if err != nil {
		return nil, err
	}

	maxRetry := in.MaxRetry
	if maxRetry <= 0 {
		maxRetry = e.cfg.Engine.MaxRetry
	}

	t := &task.Task{
		UserID:        in.UserID,
		ClientID:      in.ClientID,
		Intent:        in.Intent,
		Content:       in.Content,
		Message:       in.Message,
		Schedule:      in.Schedule,
		NextTriggerMs: next.UnixMilli(),
		Status:        task.StatusActive,
		MaxRetry:      maxRetry,
	}
	if err := e.tasks.Create(ctx, t); err != nil {
		return nil, err
	}

	log.Info().
		Int64("task_id", t.ID).
		Int64("user_id", t.UserID).
		Str("repeat", string(t.Schedule.Repeat)).
		Time("next_trigger", t.NextTrigger()).
		Msg("Task created")
	return t, nil
}

// Get returns a task by id.
func (e *Engine) Get(ctx context.Context, id int64) (*task.Task, error) {
	return e.tasks.Get(ctx, id)
}

// Tasks lists a user's non-terminal tasks ordered by next trigger.
func (e *Engine) Tasks(ctx context.Context, userID int64) ([]*task.Task, error) {
	return e.tasks.ByUser(ctx, userID)
}

// Automations lists every ACTIVE task with AUTOMATION intent, across users.
func (e *Engine) Automations(ctx context.Context) ([]*task.Task, error) {
	return e.tasks.ActiveAutomations(ctx)
}

// History returns the most recent execution records for a task.
func (e *Engine) History(ctx context.Context, taskID int64, n int) ([]*history.Record, error) {
	return e.hist.Recent(ctx, taskID, n)
}

// Pause suspends an ACTIVE task.
func (e *Engine) Pause(ctx context.Context, id int64) error {
	return e.ctrl.Pause(ctx, id)
}

// Resume reactivates a PAUSED task.
func (e *Engine) Resume(ctx context.Context, id int64) error {
	return e.ctrl.Resume(ctx, id)
}

// Cancel marks a task CANCELLED.
func (e *Engine) Cancel(ctx context.Context, id int64) error {
	return e.ctrl.Cancel(ctx, id)
}

// Delete removes a task and, via the schema's cascade, its history.
func (e *Engine) Delete(ctx context.Context, id int64) error {
	return e.tasks.Delete(ctx, id)
}

// Watch subscribes to change notifications for all tasks.
func (e *Engine) Watch() (<-chan watch.Update, func()) {
	return e.broker.Subscribe()
}

// WatchUser subscribes to ordered task-list snapshots for one user.
func (e *Engine) WatchUser(userID int64) (<-chan []*task.Task, func()) {
	return e.broker.SubscribeUser(userID)
}

// Cleanup deletes terminal tasks and orphaned history older than the
// configured TTL. It is run periodically by the sweeper and is exported for
// on-demand invocation.
func (e *Engine) Cleanup(ctx context.Context) error {
	cutoff := time.Now().Add(-e.cfg.Retention.TaskTTL).UnixMilli()

	tasksDeleted, err := e.tasks.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("sweeping terminal tasks: %w", err)
	}
	metrics.RecordRetention("tasks", tasksDeleted)

	histDeleted, err := e.hist.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("sweeping history: %w", err)
	}
	metrics.RecordRetention("history", histDeleted)

	if tasksDeleted > 0 || histDeleted > 0 {
		log.Info().
			Int64("tasks", tasksDeleted).
			Int64("history", histDeleted).
			Msg("Retention sweep removed rows")
	}
	return nil
}

func (e *Engine) sweepLoop(ctx context.Context) {
	interval := e.cfg.Retention.SweepInterval
	if interval <= 0 {
		interval = config.DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Cleanup(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Retention sweep failed")
			}
		}
	}
}
