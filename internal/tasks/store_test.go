package tasks

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/venue-autobook/internal/internaltypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, s Store, at time.Time) int64 {
	t.Helper()
	id, err := s.Create(context.Background(), BookingTask{
		AccountID: 1, VenueID: 1, ScheduledTime: at, Status: StatusPending,
		Slot: SlotDescriptor{Date: "2024-05-02", StockID: 5, TimeSlot: "18:00-19:00", Participants: []string{"p1", "p2"}},
	})
	require.NoError(t, err)
	return id
}

func TestMemStoreQueries(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	now := time.Now()

	overdue := seed(t, s, now.Add(-time.Hour))
	near := seed(t, s, now.Add(2*time.Minute))
	far := seed(t, s, now.Add(time.Hour))
	cancelled := seed(t, s, now.Add(-time.Minute))
	_, err := s.Cancel(ctx, cancelled)
	require.NoError(t, err)

	due, err := s.ListDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []int64{overdue}, ids(due))

	soon, err := s.ListNearDue(ctx, now, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []int64{near}, ids(soon))

	pending, err := s.ListAllPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{overdue, near, far}, ids(pending))

	all, err := s.ListByStatus(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	cs, err := s.ListByStatus(ctx, StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, []int64{cancelled}, ids(cs))
}

func TestMemStoreTransitionOnlyFromPending(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	id := seed(t, s, time.Now())

	ok, err := s.TransitionTerminal(ctx, id, StatusCompleted, Result{Outcome: "success", Message: "booked", Attempts: 3})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TransitionTerminal(ctx, id, StatusFailed, Result{Reason: "attempts_exhausted"})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Cancel(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "booked", got.Result.Message)
	assert.NotNil(t, got.ExecutedAt)
}

func TestMemStoreCancelledCannotComplete(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	id := seed(t, s, time.Now())

	ok, err := s.Cancel(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.TransitionTerminal(ctx, id, StatusCompleted, Result{})
	require.NoError(t, err)
	assert.False(t, ok)

	got, _ := s.Get(ctx, id)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Nil(t, got.Result)
	assert.Nil(t, got.ExecutedAt)
}

func TestMemStoreErrors(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	_, err := s.Get(ctx, 404)
	assert.ErrorIs(t, err, internaltypes.ErrNotFound)
	_, err = s.Cancel(ctx, 404)
	assert.ErrorIs(t, err, internaltypes.ErrNotFound)
	_, err = s.TransitionTerminal(ctx, 404, StatusCompleted, Result{})
	assert.ErrorIs(t, err, internaltypes.ErrNotFound)

	id := seed(t, s, time.Now())
	_, err = s.TransitionTerminal(ctx, id, StatusCancelled, Result{})
	assert.ErrorIs(t, err, ErrInvalidStatus)
	_, err = s.TransitionTerminal(ctx, id, StatusPending, Result{})
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestMemStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	id := seed(t, s, time.Now())

	got, _ := s.Get(ctx, id)
	got.Slot.Participants[0] = "mutated"
	again, _ := s.Get(ctx, id)
	assert.Equal(t, "p1", again.Slot.Participants[0])
}

func TestMemStoreExactlyOneTerminalWriter(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	id := seed(t, s, time.Now())

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var ok bool
			switch i % 3 {
			case 0:
				ok, _ = s.TransitionTerminal(ctx, id, StatusCompleted, Result{})
			case 1:
				ok, _ = s.TransitionTerminal(ctx, id, StatusFailed, Result{})
			default:
				ok, _ = s.Cancel(ctx, id)
			}
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
}

func ids(ts []BookingTask) []int64 {
	out := make([]int64, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.ID)
	}
	return out
}
