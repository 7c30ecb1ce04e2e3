package task

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskpilot/internal/config"
	"taskpilot/internal/database"
	"taskpilot/internal/schedule"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Path: filepath.Join(t.TempDir(), "test.db"),
	}

	db, err := database.Open(cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
	})

	return NewStore(db)
}

func newWeeklyTask(userID int64) *Task {
	return &Task{
		UserID:   userID,
		ClientID: "device-1",
		Intent:   IntentReminder,
		Content:  "water the plants",
		Message:  "Time to water the plants",
		Schedule: schedule.Spec{
			Repeat:     schedule.RepeatWeekly,
			Hour:       9,
			Minute:     30,
			DaysOfWeek: []time.Weekday{time.Monday, time.Thursday},
		},
		NextTriggerMs: time.Now().Add(time.Hour).UnixMilli(),
		MaxRetry:      3,
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	task := newWeeklyTask(42)
	err := store.Create(ctx, task)
	require.NoError(t, err)
	require.NotZero(t, task.ID)
	require.Equal(t, StatusActive, task.Status)
	require.NotZero(t, task.CreatedAtMs)

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, int64(42), got.UserID)
	require.Equal(t, "device-1", got.ClientID)
	require.Equal(t, IntentReminder, got.Intent)
	require.Equal(t, schedule.RepeatWeekly, got.Schedule.Repeat)
	require.Equal(t, 9, got.Schedule.Hour)
	require.Equal(t, 30, got.Schedule.Minute)
	require.Equal(t, []time.Weekday{time.Monday, time.Thursday}, got.Schedule.DaysOfWeek)
	require.Equal(t, StatusActive, got.Status)
	require.Equal(t, 3, got.MaxRetry)
}

func TestStore_GetNotFound(t *testing.T) {
	store := testStore(t)

	_, err := store.Get(context.Background(), 999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Due(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now()

	past := newWeeklyTask(1)
	past.NextTriggerMs = now.Add(-time.Minute).UnixMilli()
	require.NoError(t, store.Create(ctx, past))

	future := newWeeklyTask(1)
	future.NextTriggerMs = now.Add(time.Hour).UnixMilli()
	require.NoError(t, store.Create(ctx, future))

	paused := newWeeklyTask(1)
	paused.NextTriggerMs = now.Add(-time.Minute).UnixMilli()
	paused.Status = StatusPaused
	require.NoError(t, store.Create(ctx, paused))

	// An elapsed retry deadline makes a RETRY_WAITING task due again.
	retrying := newWeeklyTask(1)
	retrying.NextTriggerMs = now.Add(-time.Second).UnixMilli()
	retrying.Status = StatusRetryWaiting
	require.NoError(t, store.Create(ctx, retrying))

	due, err := store.Due(ctx, now.UnixMilli(), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	require.Equal(t, past.ID, due[0].ID)
	require.Equal(t, retrying.ID, due[1].ID)
}

func TestStore_ByUserOrdered(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now()

	later := newWeeklyTask(7)
	later.NextTriggerMs = now.Add(2 * time.Hour).UnixMilli()
	require.NoError(t, store.Create(ctx, later))

	sooner := newWeeklyTask(7)
	sooner.NextTriggerMs = now.Add(time.Hour).UnixMilli()
	require.NoError(t, store.Create(ctx, sooner))

	// Paused tasks stay visible in user listings.
	paused := newWeeklyTask(7)
	paused.NextTriggerMs = now.Add(3 * time.Hour).UnixMilli()
	paused.Status = StatusPaused
	require.NoError(t, store.Create(ctx, paused))

	done := newWeeklyTask(7)
	done.Status = StatusSuccess
	require.NoError(t, store.Create(ctx, done))

	other := newWeeklyTask(8)
	require.NoError(t, store.Create(ctx, other))

	tasks, err := store.ByUser(ctx, 7)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	require.Equal(t, sooner.ID, tasks[0].ID)
	require.Equal(t, later.ID, tasks[1].ID)
	require.Equal(t, paused.ID, tasks[2].ID)
}

func TestStore_ClaimExactlyOnce(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	task := newWeeklyTask(1)
	require.NoError(t, store.Create(ctx, task))

	const claimers = 8
	var wg sync.WaitGroup
	wins := make(chan bool, claimers)

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Claim(ctx, task.ID)
			require.NoError(t, err)
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for ok := range wins {
		if ok {
			won++
		}
	}
	require.Equal(t, 1, won)

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, got.Status)
}

func TestStore_CompleteRunRejectedAfterCancel(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	task := newWeeklyTask(1)
	require.NoError(t, store.Create(ctx, task))

	ok, err := store.Claim(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, ok)

	// Cancel lands while the execution is still in flight.
	ok, err = store.CompareAndSetStatus(ctx, task.ID, StatusCancelled, StatusRunning)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.CompleteRun(ctx, task.ID, RunUpdate{
		Status:       StatusActive,
		ExecutedAtMs: time.Now().UnixMilli(),
		Result:       "done",
		ResetRetry:   true,
	})
	require.NoError(t, err)
	require.False(t, ok, "result transition must be rejected once the task left RUNNING")

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, got.Status)
	require.Equal(t, 0, got.ExecuteCount)
}

func TestStore_CompleteRunResetsRetry(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	task := newWeeklyTask(1)
	require.NoError(t, store.Create(ctx, task))

	ok, err := store.Claim(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, ok)

	retryAt := time.Now().Add(2 * time.Minute).UnixMilli()
	ok, err = store.MarkRetryWaiting(ctx, task.ID, time.Now().UnixMilli(), retryAt, "boom")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRetryWaiting, got.Status)
	require.Equal(t, 1, got.RetryCount)
	require.Equal(t, "boom", got.LastResult)
	require.Equal(t, retryAt, got.NextTriggerMs, "retry deadline must persist")

	ok, err = store.CompareAndSetStatus(ctx, task.ID, StatusRunning, StatusRetryWaiting)
	require.NoError(t, err)
	require.True(t, ok)

	next := time.Now().Add(24 * time.Hour).UnixMilli()
	ok, err = store.CompleteRun(ctx, task.ID, RunUpdate{
		Status:        StatusActive,
		NextTriggerMs: next,
		ExecutedAtMs:  time.Now().UnixMilli(),
		Result:        "recovered",
		ResetRetry:    true,
	})
	require.NoError(t, err)
	require.True(t, ok)

	got, err = store.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, got.Status)
	require.Equal(t, 0, got.RetryCount)
	require.Equal(t, 1, got.ExecuteCount)
	require.Equal(t, next, got.NextTriggerMs)
}

func TestStore_UpdateNextTriggerGuarded(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	task := newWeeklyTask(1)
	require.NoError(t, store.Create(ctx, task))

	next := time.Now().Add(time.Hour).UnixMilli()
	ok, err := store.UpdateNextTrigger(ctx, task.ID, next)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.CompareAndSetStatus(ctx, task.ID, StatusCancelled, StatusActive)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.UpdateNextTrigger(ctx, task.ID, next+1000)
	require.NoError(t, err)
	require.False(t, ok, "re-arming a cancelled task must be a no-op")
}

func TestStore_ResetInFlight(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	running := newWeeklyTask(1)
	running.Status = StatusRunning
	require.NoError(t, store.Create(ctx, running))

	waiting := newWeeklyTask(1)
	waiting.Status = StatusRetryWaiting
	require.NoError(t, store.Create(ctx, waiting))

	done := newWeeklyTask(1)
	done.Status = StatusSuccess
	require.NoError(t, store.Create(ctx, done))

	n, err := store.ResetInFlight(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, err := store.Get(ctx, running.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, got.Status)

	// RETRY_WAITING keeps its persisted deadline across restarts.
	got, err = store.Get(ctx, waiting.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRetryWaiting, got.Status)

	got, err = store.Get(ctx, done.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, got.Status)
}

func TestStore_DeleteTerminalBefore(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	cutoff := time.Now().Add(-30 * 24 * time.Hour).UnixMilli()

	old := newWeeklyTask(1)
	old.Status = StatusSuccess
	require.NoError(t, store.Create(ctx, old))
	// Backdate the last mutation past the TTL.
	_, err := store.db.ExecContext(ctx,
		`UPDATE tasks SET updated_at_ms = ? WHERE id = ?`, cutoff-1000, old.ID)
	require.NoError(t, err)

	recent := newWeeklyTask(1)
	recent.Status = StatusFailed
	require.NoError(t, store.Create(ctx, recent))

	active := newWeeklyTask(1)
	require.NoError(t, store.Create(ctx, active))
	_, err = store.db.ExecContext(ctx,
		`UPDATE tasks SET updated_at_ms = ? WHERE id = ?`, cutoff-1000, active.ID)
	require.NoError(t, err)

	n, err := store.DeleteTerminalBefore(ctx, cutoff)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = store.Get(ctx, old.ID)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = store.Get(ctx, recent.ID)
	require.NoError(t, err)
	_, err = store.Get(ctx, active.ID)
	require.NoError(t, err)
}

type recordingNotifier struct {
	mu      sync.Mutex
	changed []int64
	deleted []int64
}

func (n *recordingNotifier) TaskChanged(id int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changed = append(n.changed, id)
}

func (n *recordingNotifier) TaskDeleted(id int64, userID int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deleted = append(n.deleted, id)
}

func TestStore_NotifierCallbacks(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	notifier := &recordingNotifier{}
	store.SetNotifier(notifier)

	task := newWeeklyTask(1)
	require.NoError(t, store.Create(ctx, task))
	require.Contains(t, notifier.changed, task.ID)

	require.NoError(t, store.Delete(ctx, task.ID))
	require.Contains(t, notifier.deleted, task.ID)

	_, err := store.Get(ctx, task.ID)
	require.ErrorIs(t, err, ErrNotFound)
}
