package tasks

import (
	"context"
	"errors"

	"github.com/example/venue-autobook/internal/accounts"
	"github.com/example/venue-autobook/internal/internaltypes"
	"github.com/example/venue-autobook/internal/venues"
)

type AccountLookup interface {
	Get(ctx context.Context, id int64) (accounts.Account, error)
	Default(ctx context.Context) (accounts.Account, error)
}

type VenueLookup interface {
	ResolveVenue(ctx context.Context, id int64) (venues.Venue, error)
}

// Service is the task-creation interface shared by the CLI and the API.
type Service struct {
	Store    Store
	Rule     Rule
	Accounts AccountLookup
	Venues   VenueLookup
}

// Create fills gaps in req from the default account and the venue record, validates it
// and stores a pending task.
func (s Service) Create(ctx context.Context, req CreateRequest) (BookingTask, error) {
	if req.AccountID == 0 {
		a, err := s.Accounts.Default(ctx)
		if errors.Is(err, internaltypes.ErrNotFound) {
			return BookingTask{}, internaltypes.Invalid("no account_id given and no default account set")
		}
		if err != nil {
			return BookingTask{}, err
		}
		req.AccountID = a.ID
	} else if _, err := s.Accounts.Get(ctx, req.AccountID); err != nil {
		if errors.Is(err, internaltypes.ErrNotFound) {
			return BookingTask{}, internaltypes.Invalid("account %d not found", req.AccountID)
		}
		return BookingTask{}, err
	}

	if req.VenueID > 0 {
		v, err := s.Venues.ResolveVenue(ctx, req.VenueID)
		if errors.Is(err, internaltypes.ErrNotFound) {
			return BookingTask{}, internaltypes.Invalid("venue %d not found", req.VenueID)
		}
		if err != nil {
			return BookingTask{}, err
		}
		if req.StockID == 0 {
			req.StockID = v.StockID
		}
		if req.BookingDate == "" {
			req.BookingDate = v.SlotDate
		}
		if req.TimeSlot == "" {
			req.TimeSlot = v.TimeNo
		}
	}

	t, err := s.Rule.NewTask(req)
	if err != nil {
		return BookingTask{}, err
	}
	id, err := s.Store.Create(ctx, t)
	if err != nil {
		return BookingTask{}, err
	}
	return s.Store.Get(ctx, id)
}
