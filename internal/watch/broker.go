// Package watch fans task mutations out to in-process subscribers. It backs
// live task-list views: every persisted change produces an Update, and
// per-user subscribers receive fresh snapshots ordered by next trigger.
package watch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"taskpilot/internal/task"
)

// queryTimeout bounds the store reads a notification triggers.
const queryTimeout = 5 * time.Second

const (
	updateBuffer   = 64
	snapshotBuffer = 8
)

// Store is the slice of the task store the broker reads from.
type Store interface {
	Get(ctx context.Context, id int64) (*task.Task, error)
	ByUser(ctx context.Context, userID int64) ([]*task.Task, error)
}

// Update describes one task mutation. For deletions Task is nil and TaskID
// carries the id.
type Update struct {
	Task    *task.Task
	TaskID  int64
	UserID  int64
	Deleted bool
}

// Broker implements task.Notifier and fans updates out to subscribers.
// Sends never block a mutation: when a subscriber's buffer is full the
// oldest pending item is dropped in favor of the newest.
type Broker struct {
	store Store

	mu     sync.Mutex
	nextID int
	all    map[int]chan Update
	users  map[int64]map[int]chan []*task.Task
	closed bool
}

// NewBroker creates a broker over the given store.
func NewBroker(store Store) *Broker {
	return &Broker{
		store: store,
		all:   make(map[int]chan Update),
		users: make(map[int64]map[int]chan []*task.Task),
	}
}

// Subscribe returns a channel of all task mutations and a cancel function.
// The channel is closed when the subscription is cancelled or the broker
// shuts down.
func (b *Broker) Subscribe() (<-chan Update, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Update)
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	ch := make(chan Update, updateBuffer)
	b.all[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.all[id]; ok {
			delete(b.all, id)
			close(c)
		}
	}
}

// SubscribeUser returns a channel of task-list snapshots for one user,
// ordered by next trigger time, and a cancel function. The current snapshot
// is delivered immediately.
func (b *Broker) SubscribeUser(userID int64) (<-chan []*task.Task, func()) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ch := make(chan []*task.Task)
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	ch := make(chan []*task.Task, snapshotBuffer)
	if b.users[userID] == nil {
		b.users[userID] = make(map[int]chan []*task.Task)
	}
	b.users[userID][id] = ch
	b.mu.Unlock()

	b.publishSnapshot(userID)

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.users[userID]
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
			if len(subs) == 0 {
				delete(b.users, userID)
			}
		}
	}
}

// TaskChanged implements task.Notifier. The task is re-read from the store
// so subscribers always see the persisted state, never an in-memory copy.
func (b *Broker) TaskChanged(id int64) {
	if !b.hasSubscribers() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	t, err := b.store.Get(ctx, id)
	if err != nil {
		log.Warn().Err(err).Int64("task_id", id).Msg("Failed to load task for watch update")
		return
	}

	b.fanOut(Update{Task: t, TaskID: t.ID, UserID: t.UserID})
	b.publishSnapshot(t.UserID)
}

// TaskDeleted implements task.Notifier.
func (b *Broker) TaskDeleted(id int64, userID int64) {
	if !b.hasSubscribers() {
		return
	}
	b.fanOut(Update{TaskID: id, UserID: userID, Deleted: true})
	b.publishSnapshot(userID)
}

// Close shuts the broker down and closes all subscriber channels.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	for id, ch := range b.all {
		delete(b.all, id)
		close(ch)
	}
	for userID, subs := range b.users {
		for id, ch := range subs {
			delete(subs, id)
			close(ch)
		}
		delete(b.users, userID)
	}
}

func (b *Broker) hasSubscribers() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed && (len(b.all) > 0 || len(b.users) > 0)
}

func (b *Broker) fanOut(u Update) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.all {
		sendLatest(ch, u)
	}
}

func (b *Broker) publishSnapshot(userID int64) {
	b.mu.Lock()
	subscribed := !b.closed && len(b.users[userID]) > 0
	b.mu.Unlock()
	if !subscribed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	snapshot, err := b.store.ByUser(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Int64("user_id", userID).Msg("Failed to build watch snapshot")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.users[userID] {
		sendLatest(ch, snapshot)
	}
}

// sendLatest delivers v without blocking, dropping the oldest buffered item
// when the channel is full.
func sendLatest[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
