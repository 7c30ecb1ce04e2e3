// Package history persists per-task execution records. History is
// best-effort telemetry: the engine logs append failures and moves on, so
// nothing here may become a correctness dependency of the state machine.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskpilot/internal/database"
)

// Record is one execution of a task.
type Record struct {
	ID           string
	TaskID       int64
	Success      bool
	Result       string
	ErrorMessage string
	ExecutedAtMs int64
	DurationMs   int64
}

// ExecutedAt returns the execution instant as a time.Time in UTC.
func (r *Record) ExecutedAt() time.Time {
	return time.UnixMilli(r.ExecutedAtMs).UTC()
}

// Store handles database operations for execution history.
type Store struct {
	db *database.DB
}

// NewStore creates a new history store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// Append inserts an execution record, assigning its id when empty.
func (s *Store) Append(ctx context.Context, r *Record) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.ExecutedAtMs == 0 {
		r.ExecutedAtMs = time.Now().UnixMilli()
	}

	query := `
		INSERT INTO task_history (id, task_id, success, result, error_message, executed_at_ms, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		r.ID,
		r.TaskID,
		r.Success,
		r.Result,
		r.ErrorMessage,
		r.ExecutedAtMs,
		r.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("inserting history record: %w", err)
	}

	return nil
}

// Recent retrieves up to n records for a task, newest first.
func (s *Store) Recent(ctx context.Context, taskID int64, n int) ([]*Record, error) {
	query := `
		SELECT id, task_id, success, result, error_message, executed_at_ms, duration_ms
		FROM task_history
		WHERE task_id = ?
		ORDER BY executed_at_ms DESC, id DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, taskID, n)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(
			&r.ID,
			&r.TaskID,
			&r.Success,
			&r.Result,
			&r.ErrorMessage,
			&r.ExecutedAtMs,
			&r.DurationMs,
		); err != nil {
			return nil, fmt.Errorf("scanning history record: %w", err)
		}
		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history records: %w", err)
	}

	return records, nil
}

// PruneKeepRecent deletes all but the k newest records for a task.
func (s *Store) PruneKeepRecent(ctx context.Context, taskID int64, k int) (int64, error) {
	query := `
		DELETE FROM task_history
		WHERE task_id = ? AND id NOT IN (
			SELECT id FROM task_history
			WHERE task_id = ?
			ORDER BY executed_at_ms DESC, id DESC
			LIMIT ?
		)
	`

	res, err := s.db.ExecContext(ctx, query, taskID, taskID, k)
	if err != nil {
		return 0, fmt.Errorf("pruning history: %w", err)
	}

	return res.RowsAffected()
}

// DeleteOlderThan removes records across all tasks executed before the
// cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoffMs int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM task_history WHERE executed_at_ms < ?`, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("deleting old history: %w", err)
	}

	return res.RowsAffected()
}
