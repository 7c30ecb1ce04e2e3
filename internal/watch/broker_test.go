package watch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskpilot/internal/config"
	"taskpilot/internal/database"
	"taskpilot/internal/schedule"
	"taskpilot/internal/task"
)

func testBroker(t *testing.T) (*Broker, *task.Store) {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Path: filepath.Join(t.TempDir(), "test.db"),
	}
	db, err := database.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close()
	})

	store := task.NewStore(db)
	broker := NewBroker(store)
	store.SetNotifier(broker)
	t.Cleanup(broker.Close)

	return broker, store
}

func createTask(t *testing.T, store *task.Store, userID int64, trigger time.Time) *task.Task {
	t.Helper()
	tk := &task.Task{
		UserID:  userID,
		Intent:  task.IntentReminder,
		Message: "ping",
		Schedule: schedule.Spec{
			Repeat: schedule.RepeatDaily,
			Hour:   trigger.Hour(),
			Minute: trigger.Minute(),
		},
		NextTriggerMs: trigger.UnixMilli(),
		MaxRetry:      3,
	}
	require.NoError(t, store.Create(context.Background(), tk))
	return tk
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
		panic("unreachable")
	}
}

func TestBroker_SubscribeReceivesChanges(t *testing.T) {
	broker, store := testBroker(t)

	updates, cancel := broker.Subscribe()
	defer cancel()

	tk := createTask(t, store, 1, time.Now().Add(time.Hour))

	u := recv(t, updates)
	require.False(t, u.Deleted)
	require.Equal(t, tk.ID, u.TaskID)
	require.NotNil(t, u.Task)
	require.Equal(t, task.StatusActive, u.Task.Status)
}

func TestBroker_SubscribeReceivesDeletes(t *testing.T) {
	broker, store := testBroker(t)

	tk := createTask(t, store, 3, time.Now().Add(time.Hour))

	updates, cancel := broker.Subscribe()
	defer cancel()

	require.NoError(t, store.Delete(context.Background(), tk.ID))

	u := recv(t, updates)
	require.True(t, u.Deleted)
	require.Equal(t, tk.ID, u.TaskID)
	require.Equal(t, int64(3), u.UserID)
	require.Nil(t, u.Task)
}

func TestBroker_UserSnapshotsOrderedByTrigger(t *testing.T) {
	broker, store := testBroker(t)
	now := time.Now()

	later := createTask(t, store, 9, now.Add(3*time.Hour))
	sooner := createTask(t, store, 9, now.Add(time.Hour))
	createTask(t, store, 10, now.Add(time.Minute))

	snapshots, cancel := broker.SubscribeUser(9)
	defer cancel()

	snap := recv(t, snapshots)
	require.Len(t, snap, 2)
	require.Equal(t, sooner.ID, snap[0].ID)
	require.Equal(t, later.ID, snap[1].ID)
}

func TestBroker_UserSnapshotRefreshesOnChange(t *testing.T) {
	broker, store := testBroker(t)
	now := time.Now()

	first := createTask(t, store, 4, now.Add(time.Hour))

	snapshots, cancel := broker.SubscribeUser(4)
	defer cancel()

	snap := recv(t, snapshots)
	require.Len(t, snap, 1)

	second := createTask(t, store, 4, now.Add(30*time.Minute))

	// Drain snapshots until the new task shows up in front.
	deadline := time.After(time.Second)
	for {
		select {
		case snap = <-snapshots:
			if len(snap) == 2 {
				require.Equal(t, second.ID, snap[0].ID)
				require.Equal(t, first.ID, snap[1].ID)
				return
			}
		case <-deadline:
			t.Fatal("never saw a two-task snapshot")
		}
	}
}

func TestBroker_CancelStopsDelivery(t *testing.T) {
	broker, store := testBroker(t)

	updates, cancel := broker.Subscribe()
	cancel()

	_, ok := <-updates
	require.False(t, ok, "cancelled subscription channel must be closed")

	// Mutations after cancel must not panic.
	createTask(t, store, 1, time.Now().Add(time.Hour))
}

func TestBroker_CloseClosesSubscribers(t *testing.T) {
	broker, _ := testBroker(t)

	updates, _ := broker.Subscribe()
	snapshots, _ := broker.SubscribeUser(1)

	broker.Close()

	// Drain whatever was buffered, then expect closed channels.
	for range updates {
	}
	for range snapshots {
	}
}
