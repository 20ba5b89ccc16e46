package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/example/venue-autobook/internal/accounts"
	"github.com/example/venue-autobook/internal/internaltypes"
	"github.com/example/venue-autobook/internal/venues"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAccounts struct {
	list []accounts.Account
}

func (s stubAccounts) Get(ctx context.Context, id int64) (accounts.Account, error) {
	for _, a := range s.list {
		if a.ID == id {
			return a, nil
		}
	}
	return accounts.Account{}, internaltypes.ErrNotFound
}

func (s stubAccounts) Default(ctx context.Context) (accounts.Account, error) {
	for _, a := range s.list {
		if a.IsDefault {
			return a, nil
		}
	}
	return accounts.Account{}, internaltypes.ErrNotFound
}

type stubVenues map[int64]venues.Venue

func (s stubVenues) ResolveVenue(ctx context.Context, id int64) (venues.Venue, error) {
	v, ok := s[id]
	if !ok {
		return venues.Venue{}, internaltypes.ErrNotFound
	}
	return v, nil
}

func newService(t *testing.T, accts []accounts.Account) Service {
	loc, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)
	return Service{
		Store:    NewMemStore(),
		Rule:     Rule{Location: loc, OpenClock: "08:00:05"},
		Accounts: stubAccounts{list: accts},
		Venues:   stubVenues{3: {ID: 3, OriginalID: 901, StockID: 55, SlotDate: "2024-05-02", TimeNo: "18:00-19:00"}},
	}
}

func TestServiceCreateFillsFromVenueAndDefault(t *testing.T) {
	svc := newService(t, []accounts.Account{{ID: 1}, {ID: 2, IsDefault: true}})

	task, err := svc.Create(context.Background(), CreateRequest{VenueID: 3, Participants: []string{"160747"}})
	require.NoError(t, err)
	assert.NotZero(t, task.ID)
	assert.EqualValues(t, 2, task.AccountID)
	assert.EqualValues(t, 55, task.Slot.StockID)
	assert.Equal(t, "2024-05-02", task.Slot.Date)
	assert.Equal(t, "18:00-19:00", task.Slot.TimeSlot)
	assert.Equal(t, StatusPending, task.Status)
	assert.Equal(t, "2024-05-01T00:00:05Z", task.ScheduledTime.UTC().Format(time.RFC3339))
}

func TestServiceCreateRejectsUnknownReferences(t *testing.T) {
	svc := newService(t, []accounts.Account{{ID: 1}})

	_, err := svc.Create(context.Background(), CreateRequest{VenueID: 3, Participants: []string{"p"}})
	assert.ErrorIs(t, err, internaltypes.ErrInvalidInput, "no default account")

	_, err = svc.Create(context.Background(), CreateRequest{AccountID: 9, VenueID: 3, Participants: []string{"p"}})
	assert.ErrorIs(t, err, internaltypes.ErrInvalidInput)

	_, err = svc.Create(context.Background(), CreateRequest{AccountID: 1, VenueID: 99, Participants: []string{"p"}})
	assert.ErrorIs(t, err, internaltypes.ErrInvalidInput)

	all, _ := svc.Store.ListByStatus(context.Background(), "")
	assert.Empty(t, all)
}
