package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"taskpilot/internal/config"
	"taskpilot/internal/metrics"
	"taskpilot/internal/schedule"
	"taskpilot/internal/task"
)

// dueBatchSize caps how many due tasks one poll cycle picks up.
const dueBatchSize = 100

// Poller periodically scans for due tasks, claims them, and drives each
// claimed task through execution and retries on a bounded worker pool.
type Poller struct {
	cfg   config.EngineConfig
	tasks *task.Store
	ctrl  *Controller
	exec  Executor

	sem    chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPoller creates a poller. Start must be called before it does anything.
func NewPoller(cfg config.EngineConfig, tasks *task.Store, ctrl *Controller, exec Executor) *Poller {
	workers := cfg.Workers
	if workers <= 0 {
		workers = config.DefaultWorkers
	}
	return &Poller{
		cfg:   cfg,
		tasks: tasks,
		ctrl:  ctrl,
		exec:  exec,
		sem:   make(chan struct{}, workers),
	}
}

// Start launches the poll loop.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.loop(ctx)
	}()

	log.Info().
		Dur("interval", p.cfg.PollInterval).
		Int("workers", cap(p.sem)).
		Msg("Task poller started")
}

// Stop cancels the loop and waits for in-flight workers to drain.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	log.Info().Msg("Task poller stopped")
}

func (p *Poller) loop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	// Fire one cycle immediately so a restart doesn't wait a full interval.
	if err := p.ProcessDue(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Poll cycle failed")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.ProcessDue(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Poll cycle failed")
			}
		}
	}
}

// ProcessDue runs one poll cycle: fetch due tasks, handle stale ones, claim
// the rest, and execute the claims on the worker pool. It returns once every
// attempt dispatched by this cycle has finished; workers only block on the
// executor call itself, never on retry delays — a failing task parks in
// RETRY_WAITING with a persisted deadline and a later cycle picks it up.
func (p *Poller) ProcessDue(ctx context.Context) error {
	now := time.Now()
	due, err := p.tasks.Due(ctx, now.UnixMilli(), dueBatchSize)
	if err != nil {
		return fmt.Errorf("querying due tasks: %w", err)
	}
	metrics.RecordPollCycle(len(due))

	if len(due) == 0 {
		return nil
	}
	log.Debug().Int("count", len(due)).Msg("Due tasks found")

	var cycle sync.WaitGroup
	for _, t := range due {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			cycle.Wait()
			return ctx.Err()
		}

		cycle.Add(1)
		p.wg.Add(1)
		go func(t *task.Task) {
			defer func() {
				<-p.sem
				cycle.Done()
				p.wg.Done()
			}()
			p.process(ctx, t, now)
		}(t)
	}
	cycle.Wait()

	return ctx.Err()
}

// process handles one due task: stale triggers are expired or fast-forwarded
// without execution, everything else goes through the claim gate.
func (p *Poller) process(ctx context.Context, t *task.Task, now time.Time) {
	if t.Status == task.StatusActive {
		overdue := now.Sub(t.NextTrigger())
		if p.cfg.StaleAfter > 0 && overdue > p.cfg.StaleAfter {
			p.handleStale(ctx, t, now, overdue)
			return
		}
	}

	claimed, err := p.claim(ctx, t)
	if err != nil {
		log.Error().Err(err).Int64("task_id", t.ID).Msg("Claim failed")
		return
	}
	if !claimed {
		// Another poller instance, or a concurrent user action, got
		// there first. Nothing to roll back.
		metrics.RecordClaimConflict()
		log.Debug().Int64("task_id", t.ID).Msg("Lost claim race, skipping")
		return
	}

	p.dispatch(ctx, t)
}

// claim takes exclusive execution rights for one attempt, from ACTIVE for a
// regular fire or from RETRY_WAITING for an elapsed retry deadline.
func (p *Poller) claim(ctx context.Context, t *task.Task) (bool, error) {
	if t.Status == task.StatusRetryWaiting {
		return p.ctrl.ResumeRetry(ctx, t.ID)
	}
	return p.ctrl.Claim(ctx, t.ID)
}

// handleStale deals with a trigger that is too old to honor: a ONCE task
// expires, a repeating task skips the missed slot and moves to the next one.
func (p *Poller) handleStale(ctx context.Context, t *task.Task, now time.Time, overdue time.Duration) {
	if !t.Repeating() {
		if err := p.ctrl.Expire(ctx, t.ID); err != nil {
			if !errors.Is(err, ErrInvalidTransition) {
				log.Error().Err(err).Int64("task_id", t.ID).Msg("Failed to expire stale task")
			}
			return
		}
		metrics.RecordExpired()
		log.Warn().
			Int64("task_id", t.ID).
			Dur("overdue", overdue).
			Msg("One-shot task missed its window, expired")
		return
	}

	next, err := schedule.Next(t.Schedule, now)
	if err != nil {
		log.Error().Err(err).Int64("task_id", t.ID).Msg("Failed to recompute stale trigger")
		return
	}
	if _, err := p.tasks.UpdateNextTrigger(ctx, t.ID, next.UnixMilli()); err != nil {
		log.Error().Err(err).Int64("task_id", t.ID).Msg("Failed to fast-forward stale trigger")
		return
	}
	log.Warn().
		Int64("task_id", t.ID).
		Dur("overdue", overdue).
		Time("next", next).
		Msg("Repeating task missed its window, skipped to next occurrence")
}

// dispatch runs exactly one execution attempt for a claimed task and feeds
// the result back into the controller. A failed attempt with budget left
// parks the task; the worker never sleeps out the retry delay, so one
// failing task cannot stall the cycle or hold a worker slot.
func (p *Poller) dispatch(ctx context.Context, t *task.Task) {
	res := p.invoke(ctx, t)
	metrics.RecordDispatch(res.Success, res.Duration)

	if res.Success {
		if err := p.ctrl.HandleSuccess(ctx, t, res); err != nil {
			logOutcomeErr(err, t.ID, "success")
			return
		}
		log.Info().
			Int64("task_id", t.ID).
			Dur("duration", res.Duration).
			Msg("Task executed")
		return
	}

	log.Warn().
		Int64("task_id", t.ID).
		Int("retry_count", t.RetryCount).
		Str("error", res.ErrorMessage).
		Msg("Task execution failed")

	d, err := p.ctrl.HandleFailure(ctx, t, res)
	if err != nil {
		logOutcomeErr(err, t.ID, "failure")
		return
	}
	if d.Retry {
		log.Info().
			Int64("task_id", t.ID).
			Dur("delay", d.Delay).
			Msg("Task parked for retry")
	}
}

// invoke runs one executor attempt under the configured timeout and
// normalizes the outcome into a Result.
func (p *Poller) invoke(ctx context.Context, t *task.Task) Result {
	timeout := p.cfg.ExecutorTimeout
	if timeout <= 0 {
		timeout = config.DefaultExecutorTimeout
	}
	ectx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := p.exec.Execute(ectx, t)
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}

	if err != nil {
		res.Success = false
		if res.ErrorMessage == "" {
			res.ErrorMessage = err.Error()
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ectx.Err(), context.DeadlineExceeded) {
			res.ErrorMessage = fmt.Sprintf("execution timed out after %s", timeout)
		}
	}
	return res
}

func logOutcomeErr(err error, taskID int64, outcome string) {
	if errors.Is(err, ErrInvalidTransition) {
		// The usual cause is a cancel that landed mid-execution.
		log.Debug().Int64("task_id", taskID).Str("outcome", outcome).Msg("Result discarded, task no longer RUNNING")
		return
	}
	log.Error().Err(err).Int64("task_id", taskID).Str("outcome", outcome).Msg("Failed to record result")
}
