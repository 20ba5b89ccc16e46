package tasks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/venue-autobook/internal/internaltypes"
)

// Store is the durable task collection. TransitionTerminal and Cancel apply only while the
// task is still pending and report whether they did; that condition is what keeps a timer
// and the sweep from both writing a terminal state.
type Store interface {
	Create(ctx context.Context, t BookingTask) (int64, error)
	Get(ctx context.Context, id int64) (BookingTask, error)
	ListByStatus(ctx context.Context, status Status) ([]BookingTask, error)
	ListDue(ctx context.Context, now time.Time) ([]BookingTask, error)
	ListNearDue(ctx context.Context, now time.Time, horizon time.Duration) ([]BookingTask, error)
	ListAllPending(ctx context.Context) ([]BookingTask, error)
	TransitionTerminal(ctx context.Context, id int64, status Status, res Result) (bool, error)
	Cancel(ctx context.Context, id int64) (bool, error)
}

// MemStore is an in-process Store for tests and dry runs.
type MemStore struct {
	mu     sync.Mutex
	nextID int64
	tasks  map[int64]BookingTask
	now    func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{tasks: map[int64]BookingTask{}, now: time.Now}
}

func (m *MemStore) Create(ctx context.Context, t BookingTask) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t.ID = m.nextID
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = m.now().UTC()
	}
	t.Slot.Participants = append([]string(nil), t.Slot.Participants...)
	m.tasks[t.ID] = t
	return t.ID, nil
}

func (m *MemStore) Get(ctx context.Context, id int64) (BookingTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return BookingTask{}, internaltypes.ErrNotFound
	}
	return copyTask(t), nil
}

func (m *MemStore) ListByStatus(ctx context.Context, status Status) ([]BookingTask, error) {
	return m.filter(func(t BookingTask) bool { return status == "" || t.Status == status }), nil
}

func (m *MemStore) ListDue(ctx context.Context, now time.Time) ([]BookingTask, error) {
	return m.filter(func(t BookingTask) bool {
		return t.Status == StatusPending && !t.ScheduledTime.After(now)
	}), nil
}

func (m *MemStore) ListNearDue(ctx context.Context, now time.Time, horizon time.Duration) ([]BookingTask, error) {
	return m.filter(func(t BookingTask) bool {
		d := t.ScheduledTime.Sub(now)
		return t.Status == StatusPending && d >= 0 && d <= horizon
	}), nil
}

func (m *MemStore) ListAllPending(ctx context.Context) ([]BookingTask, error) {
	return m.filter(func(t BookingTask) bool { return t.Status == StatusPending }), nil
}

func (m *MemStore) TransitionTerminal(ctx context.Context, id int64, status Status, res Result) (bool, error) {
	if status != StatusCompleted && status != StatusFailed {
		return false, ErrInvalidStatus
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return false, internaltypes.ErrNotFound
	}
	if t.Status != StatusPending {
		return false, nil
	}
	at := m.now().UTC()
	t.Status = status
	t.Result = &res
	t.ExecutedAt = &at
	m.tasks[id] = t
	return true, nil
}

func (m *MemStore) Cancel(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return false, internaltypes.ErrNotFound
	}
	if t.Status != StatusPending {
		return false, nil
	}
	t.Status = StatusCancelled
	m.tasks[id] = t
	return true, nil
}

func (m *MemStore) filter(keep func(BookingTask) bool) []BookingTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BookingTask
	for _, t := range m.tasks {
		if keep(t) {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledTime.Equal(out[j].ScheduledTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledTime.Before(out[j].ScheduledTime)
	})
	return out
}

func copyTask(t BookingTask) BookingTask {
	t.Slot.Participants = append([]string(nil), t.Slot.Participants...)
	if t.Result != nil {
		r := *t.Result
		t.Result = &r
	}
	if t.ExecutedAt != nil {
		at := *t.ExecutedAt
		t.ExecutedAt = &at
	}
	return t
}
