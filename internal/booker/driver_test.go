package booker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/venue-autobook/internal/internaltypes"
	"github.com/example/venue-autobook/internal/portal"
	"github.com/example/venue-autobook/internal/tasks"
	"github.com/example/venue-autobook/internal/venues"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tooEarly = `{"result":"0","message":"未到该日期的预订时间"}`
	booked   = `{"result":"1","message":"预约成功"}`
)

type fakeAccounts map[int64]portal.Credentials

func (f fakeAccounts) ResolveAccount(ctx context.Context, id int64) (portal.Credentials, error) {
	c, ok := f[id]
	if !ok {
		return portal.Credentials{}, internaltypes.ErrNotFound
	}
	return c, nil
}

type fakeVenues map[int64]venues.Venue

func (f fakeVenues) ResolveVenue(ctx context.Context, id int64) (venues.Venue, error) {
	v, ok := f[id]
	if !ok {
		return venues.Venue{}, internaltypes.ErrNotFound
	}
	return v, nil
}

// fakePortal answers the n-th submission (1-based) for a venue detail id via respond.
type fakePortal struct {
	mu       sync.Mutex
	loginErr error
	logins   int
	loginsBy map[string]int
	submits  map[int64]int
	sentBy   map[string]int // submissions per session username
	respond  func(detail int64, n int) portal.RawResult
}

func (f *fakePortal) Login(ctx context.Context, c portal.Credentials) (*portal.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	f.logins++
	if f.loginsBy == nil {
		f.loginsBy = map[string]int{}
	}
	f.loginsBy[c.Username]++
	return &portal.Session{Username: c.Username}, nil
}

func (f *fakePortal) Submit(ctx context.Context, s *portal.Session, a portal.Acquisition) portal.RawResult {
	f.mu.Lock()
	if f.submits == nil {
		f.submits = map[int64]int{}
	}
	if f.sentBy == nil {
		f.sentBy = map[string]int{}
	}
	f.submits[a.DetailID]++
	f.sentBy[s.Username]++
	n := f.submits[a.DetailID]
	f.mu.Unlock()
	return f.respond(a.DetailID, n)
}

func (f *fakePortal) count(detail int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits[detail]
}

func body(s string) portal.RawResult { return portal.RawResult{StatusCode: 200, Body: []byte(s)} }

type fixture struct {
	store  *tasks.MemStore
	portal *fakePortal
	driver *Driver
}

func newFixture(t *testing.T, respond func(detail int64, n int) portal.RawResult) *fixture {
	t.Helper()
	fp := &fakePortal{respond: respond}
	store := tasks.NewMemStore()
	return &fixture{
		store:  store,
		portal: fp,
		driver: &Driver{
			Store:            store,
			Accounts:         fakeAccounts{1: {Username: "20240001", Password: "pw"}, 2: {Username: "20240002", Password: "pw2"}},
			Venues:           fakeVenues{10: {ID: 10, OriginalID: 901, ServiceID: 12, StockID: 55, SName: "Court 1"}, 11: {ID: 11, OriginalID: 902, ServiceID: 12, StockID: 56}},
			Portal:           fp,
			TransportBackoff: time.Millisecond,
		},
	}
}

func (fx *fixture) addTask(t *testing.T, accountID, venueID int64) int64 {
	t.Helper()
	id, err := fx.store.Create(context.Background(), tasks.BookingTask{
		AccountID:     accountID,
		VenueID:       venueID,
		Slot:          tasks.SlotDescriptor{Date: "2024-05-02", StockID: 55, TimeSlot: "18:00-19:00", Participants: []string{"160747", "160734"}},
		ScheduledTime: time.Now().Add(-time.Second),
		Status:        tasks.StatusPending,
	})
	require.NoError(t, err)
	return id
}

func TestRunSucceedsAfterTooEarly(t *testing.T) {
	fx := newFixture(t, func(_ int64, n int) portal.RawResult {
		if n < 7 {
			return body(tooEarly)
		}
		return body(booked)
	})
	id := fx.addTask(t, 1, 10)

	rep, err := fx.driver.Run(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, rep.Applied)
	assert.Equal(t, 7, rep.Attempts)

	got, err := fx.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "预约成功", got.Result.Message)
	assert.Equal(t, 7, got.Result.Attempts)
	assert.Equal(t, rep.RunID, got.Result.RunID)
	assert.NotNil(t, got.ExecutedAt)
}

func TestRunExhaustsCeiling(t *testing.T) {
	fx := newFixture(t, func(int64, int) portal.RawResult { return body(tooEarly) })
	id := fx.addTask(t, 1, 10)

	rep, err := fx.driver.Run(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxAttempts, fx.portal.count(901))
	assert.Equal(t, 50, rep.Attempts)

	got, _ := fx.store.Get(context.Background(), id)
	assert.Equal(t, tasks.StatusFailed, got.Status)
	assert.Equal(t, ReasonAttemptsExhausted, got.Result.Reason)
}

func TestRunHonoursConfiguredCeiling(t *testing.T) {
	fx := newFixture(t, func(int64, int) portal.RawResult { return body(tooEarly) })
	fx.driver.MaxAttempts = 3
	id := fx.addTask(t, 1, 10)

	_, err := fx.driver.Run(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 3, fx.portal.count(901))
}

func TestRunStopsOnTerminalRejections(t *testing.T) {
	for _, tc := range []struct {
		body   string
		reason string
	}{
		{`{"result":"0","message":"每日限预约一场"}`, string(OutcomeQuotaExceeded)},
		{`{"result":"0","message":"场地已满"}`, string(OutcomeUnclassifiedRejection)},
	} {
		t.Run(tc.reason, func(t *testing.T) {
			fx := newFixture(t, func(int64, int) portal.RawResult { return body(tc.body) })
			id := fx.addTask(t, 1, 10)

			_, err := fx.driver.Run(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, 1, fx.portal.count(901))

			got, _ := fx.store.Get(context.Background(), id)
			assert.Equal(t, tasks.StatusFailed, got.Status)
			assert.Equal(t, tc.reason, got.Result.Reason)
			assert.NotEmpty(t, got.Result.Message)
		})
	}
}

func TestRunRetriesTransportAndProtocolErrors(t *testing.T) {
	fx := newFixture(t, func(_ int64, n int) portal.RawResult {
		switch n {
		case 1:
			return portal.RawResult{Err: errors.New("connection reset")}
		case 2:
			return portal.RawResult{StatusCode: 503}
		case 3:
			return body(`not json`)
		}
		return body(booked)
	})
	id := fx.addTask(t, 1, 10)

	rep, err := fx.driver.Run(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Attempts)
	assert.Equal(t, tasks.StatusCompleted, rep.Status)
}

func TestRunRecoversPanicAsProtocolError(t *testing.T) {
	fx := newFixture(t, func(_ int64, n int) portal.RawResult {
		if n == 1 {
			panic("decoder blew up")
		}
		return body(booked)
	})
	id := fx.addTask(t, 1, 10)

	rep, err := fx.driver.Run(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Attempts)
	assert.Equal(t, tasks.StatusCompleted, rep.Status)
}

func TestRunMissingDependencies(t *testing.T) {
	fx := newFixture(t, func(int64, int) portal.RawResult { return body(booked) })
	noAccount := fx.addTask(t, 99, 10)
	noVenue := fx.addTask(t, 1, 77)

	for _, id := range []int64{noAccount, noVenue} {
		_, err := fx.driver.Run(context.Background(), id)
		require.NoError(t, err)
		got, _ := fx.store.Get(context.Background(), id)
		assert.Equal(t, tasks.StatusFailed, got.Status)
		assert.Equal(t, ReasonDependencyMissing, got.Result.Reason)
		assert.Zero(t, got.Result.Attempts)
	}
	assert.Zero(t, fx.portal.logins)
}

func TestRunLoginFailure(t *testing.T) {
	fx := newFixture(t, func(int64, int) portal.RawResult { return body(booked) })
	fx.portal.loginErr = fmt.Errorf("%w: status=500", portal.ErrLoginFailed)
	id := fx.addTask(t, 1, 10)

	_, err := fx.driver.Run(context.Background(), id)
	require.NoError(t, err)
	got, _ := fx.store.Get(context.Background(), id)
	assert.Equal(t, tasks.StatusFailed, got.Status)
	assert.Equal(t, ReasonSessionFailure, got.Result.Reason)
	assert.Zero(t, fx.portal.count(901))
}

func TestRunSkipsNonPending(t *testing.T) {
	fx := newFixture(t, func(int64, int) portal.RawResult { return body(booked) })
	id := fx.addTask(t, 1, 10)
	ok, err := fx.store.Cancel(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)

	rep, err := fx.driver.Run(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, rep.Skipped)
	assert.Zero(t, fx.portal.logins)

	got, _ := fx.store.Get(context.Background(), id)
	assert.Equal(t, tasks.StatusCancelled, got.Status)
	assert.Nil(t, got.Result)
}

func TestRunTwiceBooksOnce(t *testing.T) {
	fx := newFixture(t, func(int64, int) portal.RawResult { return body(booked) })
	id := fx.addTask(t, 1, 10)

	_, err := fx.driver.Run(context.Background(), id)
	require.NoError(t, err)
	rep, err := fx.driver.Run(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, rep.Skipped)
	assert.Equal(t, 1, fx.portal.count(901))
}

func TestCancelMidRunStopsAtStatusCheck(t *testing.T) {
	var fx *fixture
	var id int64
	fx = newFixture(t, func(_ int64, n int) portal.RawResult {
		if n == 3 {
			_, _ = fx.store.Cancel(context.Background(), id)
		}
		return body(tooEarly)
	})
	id = fx.addTask(t, 1, 10)

	rep, err := fx.driver.Run(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, rep.Skipped)
	assert.Equal(t, DefaultStatusCheckEvery, fx.portal.count(901))

	got, _ := fx.store.Get(context.Background(), id)
	assert.Equal(t, tasks.StatusCancelled, got.Status)
	assert.Nil(t, got.Result)
}

func TestCancelMidRunIsNotOverwritten(t *testing.T) {
	var fx *fixture
	var id int64
	fx = newFixture(t, func(_ int64, n int) portal.RawResult {
		if n == 2 {
			_, _ = fx.store.Cancel(context.Background(), id)
			return body(booked)
		}
		return body(tooEarly)
	})
	fx.driver.StatusCheckEvery = -1
	id = fx.addTask(t, 1, 10)

	rep, err := fx.driver.Run(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, rep.Applied)
	assert.Equal(t, tasks.StatusCancelled, rep.Status)

	got, _ := fx.store.Get(context.Background(), id)
	assert.Equal(t, tasks.StatusCancelled, got.Status)
	assert.Nil(t, got.Result)
}

func TestContextCancelLeavesTaskPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fx := newFixture(t, func(_ int64, n int) portal.RawResult {
		if n == 5 {
			cancel()
		}
		return body(tooEarly)
	})
	id := fx.addTask(t, 1, 10)

	_, err := fx.driver.Run(ctx, id)
	assert.ErrorIs(t, err, context.Canceled)

	got, _ := fx.store.Get(context.Background(), id)
	assert.Equal(t, tasks.StatusPending, got.Status)
}

func TestConcurrentTasksSameAccountAreIndependent(t *testing.T) {
	fx := newFixture(t, func(detail int64, n int) portal.RawResult {
		if detail == 902 && n >= 3 {
			return body(booked)
		}
		return body(tooEarly)
	})
	a := fx.addTask(t, 1, 10)
	b := fx.addTask(t, 1, 11)

	var wg sync.WaitGroup
	var failures atomic.Int32
	for _, id := range []int64{a, b} {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if _, err := fx.driver.Run(context.Background(), id); err != nil {
				failures.Add(1)
			}
		}(id)
	}
	wg.Wait()
	require.Zero(t, failures.Load())

	ga, _ := fx.store.Get(context.Background(), a)
	gb, _ := fx.store.Get(context.Background(), b)
	assert.Equal(t, tasks.StatusFailed, ga.Status)
	assert.Equal(t, 50, ga.Result.Attempts)
	assert.Equal(t, tasks.StatusCompleted, gb.Status)
	assert.Equal(t, 3, gb.Result.Attempts)
	assert.Equal(t, 2, fx.portal.logins)
}

func TestConcurrentTasksDifferentAccountsAreIndependent(t *testing.T) {
	fx := newFixture(t, func(detail int64, n int) portal.RawResult {
		if detail == 902 && n >= 3 {
			return body(booked)
		}
		return body(tooEarly)
	})
	a := fx.addTask(t, 1, 10)
	b := fx.addTask(t, 2, 11)

	var wg sync.WaitGroup
	var failures atomic.Int32
	for _, id := range []int64{a, b} {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if _, err := fx.driver.Run(context.Background(), id); err != nil {
				failures.Add(1)
			}
		}(id)
	}
	wg.Wait()
	require.Zero(t, failures.Load())

	ga, _ := fx.store.Get(context.Background(), a)
	gb, _ := fx.store.Get(context.Background(), b)
	assert.Equal(t, tasks.StatusFailed, ga.Status)
	assert.Equal(t, ReasonAttemptsExhausted, ga.Result.Reason)
	assert.Equal(t, 50, ga.Result.Attempts)
	assert.Equal(t, tasks.StatusCompleted, gb.Status)
	assert.Equal(t, 3, gb.Result.Attempts)
	assert.NotEqual(t, ga.Result.RunID, gb.Result.RunID)

	fx.portal.mu.Lock()
	defer fx.portal.mu.Unlock()
	assert.Equal(t, map[string]int{"20240001": 1, "20240002": 1}, fx.portal.loginsBy)
	assert.Equal(t, map[string]int{"20240001": 50, "20240002": 3}, fx.portal.sentBy)
}
