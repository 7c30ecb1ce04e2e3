package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskpilot/internal/database"
	"taskpilot/internal/schedule"
)

// ErrNotFound is returned when a task id does not exist.
var ErrNotFound = errors.New("task not found")

const taskColumns = `id, user_id, client_id, intent_type, content, message,
	repeat_type, hour, minute, days_of_week, day_of_month, cron_expression,
	next_trigger_ms, status, last_execute_ms, last_result,
	execute_count, retry_count, max_retry, created_at_ms, updated_at_ms`

// Store handles database operations for tasks. The persisted row is the
// single source of truth: callers re-read status through conditional updates
// rather than trusting in-memory copies.
type Store struct {
	db       *database.DB
	notifier Notifier
}

// NewStore creates a new task store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// SetNotifier registers the mutation callback. Pass nil to disable.
func (s *Store) SetNotifier(n Notifier) {
	s.notifier = n
}

func (s *Store) notifyChanged(id int64) {
	if s.notifier != nil {
		s.notifier.TaskChanged(id)
	}
}

// Create inserts a new task and assigns its id. CreatedAt/UpdatedAt are set
// here; Status defaults to ACTIVE when unset.
func (s *Store) Create(ctx context.Context, t *Task) error {
	now := time.Now().UnixMilli()
	t.CreatedAtMs = now
	t.UpdatedAtMs = now
	if t.Status == "" {
		t.Status = StatusActive
	}

	query := `
		INSERT INTO tasks (user_id, client_id, intent_type, content, message,
			repeat_type, hour, minute, days_of_week, day_of_month, cron_expression,
			next_trigger_ms, status, last_execute_ms, last_result,
			execute_count, retry_count, max_retry, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := s.db.ExecContext(ctx, query,
		t.UserID,
		t.ClientID,
		string(t.Intent),
		t.Content,
		t.Message,
		string(t.Schedule.Repeat),
		t.Schedule.Hour,
		t.Schedule.Minute,
		encodeDays(t.Schedule.DaysOfWeek),
		t.Schedule.DayOfMonth,
		t.Schedule.Cron,
		t.NextTriggerMs,
		string(t.Status),
		t.LastExecuteMs,
		t.LastResult,
		t.ExecuteCount,
		t.RetryCount,
		t.MaxRetry,
		t.CreatedAtMs,
		t.UpdatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting task id: %w", err)
	}
	t.ID = id

	s.notifyChanged(id)
	return nil
}

// Get retrieves a task by id.
func (s *Store) Get(ctx context.Context, id int64) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`

	t, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("getting task: %w", err)
	}

	return t, nil
}

// Delete removes a task; its history rows go with it via the cascading
// foreign key.
func (s *Store) Delete(ctx context.Context, id int64) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting task: %w", err)
	}

	if s.notifier != nil {
		s.notifier.TaskDeleted(id, t.UserID)
	}
	return nil
}

// Due retrieves tasks whose trigger time has passed, oldest trigger first.
// ACTIVE rows are regular fires; RETRY_WAITING rows carry a persisted retry
// deadline in next_trigger_ms and become due again when it elapses.
func (s *Store) Due(ctx context.Context, nowMs int64, limit int) ([]*Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status IN (?, ?) AND next_trigger_ms <= ?
		ORDER BY next_trigger_ms ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		string(StatusActive), string(StatusRetryWaiting), nowMs, limit)
	if err != nil {
		return nil, fmt.Errorf("querying due tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// ByUser retrieves a user's non-terminal tasks ordered by next trigger
// time. Paused and in-flight tasks stay visible in listings; only terminal
// ones drop out.
func (s *Store) ByUser(ctx context.Context, userID int64) ([]*Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE user_id = ? AND status IN (?, ?, ?, ?)
		ORDER BY next_trigger_ms ASC
	`

	rows, err := s.db.QueryContext(ctx, query, userID,
		string(StatusActive),
		string(StatusPaused),
		string(StatusRunning),
		string(StatusRetryWaiting),
	)
	if err != nil {
		return nil, fmt.Errorf("querying tasks by user: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// ActiveAutomations retrieves all ACTIVE tasks with AUTOMATION intent.
func (s *Store) ActiveAutomations(ctx context.Context) ([]*Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = ? AND intent_type = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, string(StatusActive), string(IntentAutomation))
	if err != nil {
		return nil, fmt.Errorf("querying automations: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// Claim atomically transitions a task from ACTIVE to RUNNING, granting the
// caller exclusive execution rights for this cycle. A false return means the
// claim lost a race (or the task moved on) and the task must be skipped.
func (s *Store) Claim(ctx context.Context, id int64) (bool, error) {
	return s.CompareAndSetStatus(ctx, id, StatusRunning, StatusActive)
}

// CompareAndSetStatus performs a conditional status update: the task moves
// to `to` only if its current persisted status is one of `from`. This is the
// only way status changes, so conflicting writers serialize on the row.
func (s *Store) CompareAndSetStatus(ctx context.Context, id int64, to Status, from ...Status) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("at least one source status required")
	}

	query := `UPDATE tasks SET status = ?, updated_at_ms = ? WHERE id = ? AND status IN (?` +
		repeatPlaceholder(len(from)-1) + `)`

	args := []any{string(to), time.Now().UnixMilli(), id}
	for _, f := range from {
		args = append(args, string(f))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("updating task status: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return false, nil
	}

	s.notifyChanged(id)
	return true, nil
}

// UpdateNextTrigger re-arms an ACTIVE task with a new trigger time. Guarded
// on ACTIVE so it cannot resurrect a task that was cancelled or claimed in
// the meantime.
func (s *Store) UpdateNextTrigger(ctx context.Context, id int64, nextMs int64) (bool, error) {
	query := `
		UPDATE tasks
		SET next_trigger_ms = ?, updated_at_ms = ?
		WHERE id = ? AND status = ?
	`

	res, err := s.db.ExecContext(ctx, query, nextMs, time.Now().UnixMilli(), id, string(StatusActive))
	if err != nil {
		return false, fmt.Errorf("updating next trigger: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return false, nil
	}

	s.notifyChanged(id)
	return true, nil
}

// RunUpdate carries the persisted outcome of one completed dispatch.
type RunUpdate struct {
	Status        Status // SUCCESS/FAILED (ONCE) or ACTIVE (repeating)
	NextTriggerMs int64  // recomputed trigger, repeating tasks only
	ExecutedAtMs  int64
	Result        string
	ResetRetry    bool // repeating tasks start the next cycle fresh
}

// CompleteRun applies an execution result to a RUNNING task in a single
// guarded update. A false return means the task is no longer RUNNING
// (cancelled mid-flight); the result must be discarded, not forced.
func (s *Store) CompleteRun(ctx context.Context, id int64, upd RunUpdate) (bool, error) {
	query := `
		UPDATE tasks
		SET status = ?,
		    next_trigger_ms = ?,
		    last_execute_ms = ?,
		    last_result = ?,
		    execute_count = execute_count + 1,
		    retry_count = CASE WHEN ? THEN 0 ELSE retry_count END,
		    updated_at_ms = ?
		WHERE id = ? AND status = ?
	`

	res, err := s.db.ExecContext(ctx, query,
		string(upd.Status),
		upd.NextTriggerMs,
		upd.ExecutedAtMs,
		upd.Result,
		upd.ResetRetry,
		time.Now().UnixMilli(),
		id,
		string(StatusRunning),
	)
	if err != nil {
		return false, fmt.Errorf("completing run: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return false, nil
	}

	s.notifyChanged(id)
	return true, nil
}

// MarkRetryWaiting moves a RUNNING task into RETRY_WAITING, charging one
// retry against its budget. The retry deadline persists in next_trigger_ms
// so the task survives a restart and is reclaimed by a later poll cycle.
func (s *Store) MarkRetryWaiting(ctx context.Context, id int64, executedAtMs, retryAtMs int64, errMsg string) (bool, error) {
	query := `
		UPDATE tasks
		SET status = ?,
		    retry_count = retry_count + 1,
		    next_trigger_ms = ?,
		    last_execute_ms = ?,
		    last_result = ?,
		    updated_at_ms = ?
		WHERE id = ? AND status = ?
	`

	res, err := s.db.ExecContext(ctx, query,
		string(StatusRetryWaiting),
		retryAtMs,
		executedAtMs,
		errMsg,
		time.Now().UnixMilli(),
		id,
		string(StatusRunning),
	)
	if err != nil {
		return false, fmt.Errorf("marking retry waiting: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return false, nil
	}

	s.notifyChanged(id)
	return true, nil
}

// ResetInFlight returns tasks stranded in RUNNING (process died mid-dispatch)
// to ACTIVE so the next poll cycle can reclaim them. RETRY_WAITING rows keep
// their persisted retry deadline and need no recovery.
func (s *Store) ResetInFlight(ctx context.Context) (int64, error) {
	query := `
		UPDATE tasks
		SET status = ?, updated_at_ms = ?
		WHERE status = ?
	`

	res, err := s.db.ExecContext(ctx, query,
		string(StatusActive),
		time.Now().UnixMilli(),
		string(StatusRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("resetting in-flight tasks: %w", err)
	}

	return res.RowsAffected()
}

// DeleteTerminalBefore removes terminal-state tasks whose last mutation is
// older than the cutoff. History rows cascade.
func (s *Store) DeleteTerminalBefore(ctx context.Context, cutoffMs int64) (int64, error) {
	query := `
		DELETE FROM tasks
		WHERE status IN (?, ?, ?, ?) AND updated_at_ms < ?
	`

	res, err := s.db.ExecContext(ctx, query,
		string(StatusSuccess),
		string(StatusFailed),
		string(StatusExpired),
		string(StatusCancelled),
		cutoffMs,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting terminal tasks: %w", err)
	}

	return res.RowsAffected()
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var intent, repeat, status, days string

	err := row.Scan(
		&t.ID,
		&t.UserID,
		&t.ClientID,
		&intent,
		&t.Content,
		&t.Message,
		&repeat,
		&t.Schedule.Hour,
		&t.Schedule.Minute,
		&days,
		&t.Schedule.DayOfMonth,
		&t.Schedule.Cron,
		&t.NextTriggerMs,
		&status,
		&t.LastExecuteMs,
		&t.LastResult,
		&t.ExecuteCount,
		&t.RetryCount,
		&t.MaxRetry,
		&t.CreatedAtMs,
		&t.UpdatedAtMs,
	)
	if err != nil {
		return nil, err
	}

	t.Intent = IntentType(intent)
	t.Schedule.Repeat = schedule.RepeatType(repeat)
	t.Schedule.DaysOfWeek = decodeDays(days)
	t.Status = Status(status)

	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task

	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		tasks = append(tasks, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task rows: %w", err)
	}

	return tasks, nil
}
