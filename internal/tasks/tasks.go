package tasks

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/venue-autobook/internal/internaltypes"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusCompleted, StatusFailed, StatusCancelled:
		return st, nil
	}
	return "", internaltypes.Invalid("unknown status %q", s)
}

// ErrInvalidStatus is returned by TransitionTerminal for anything but completed/failed.
// Cancellation goes through Cancel.
var ErrInvalidStatus = errors.New("terminal status must be completed or failed")

// SlotDescriptor carries what the portal needs to claim one slot. Immutable after creation.
type SlotDescriptor struct {
	Date         string   `json:"date"` // YYYY-MM-DD
	StockID      int64    `json:"stock_id"`
	TimeSlot     string   `json:"time_slot"`
	Participants []string `json:"participants"`
}

// Result is written once, on the pending -> completed|failed transition.
type Result struct {
	Outcome  string `json:"outcome,omitempty"`
	Message  string `json:"message,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Attempts int    `json:"attempts"`
	RunID    string `json:"run_id,omitempty"`
}

type BookingTask struct {
	ID            int64          `json:"id"`
	AccountID     int64          `json:"account_id"`
	VenueID       int64          `json:"venue_id"`
	Slot          SlotDescriptor `json:"slot"`
	ScheduledTime time.Time      `json:"scheduled_time"`
	Status        Status         `json:"status"`
	Result        *Result        `json:"result,omitempty"`
	ExecutedAt    *time.Time     `json:"executed_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// CreateRequest is the input of the task-creation interface.
type CreateRequest struct {
	AccountID    int64    `json:"account_id"`
	VenueID      int64    `json:"venue_id"`
	StockID      int64    `json:"stock_id"`
	BookingDate  string   `json:"booking_date"`
	TimeSlot     string   `json:"time_slot"`
	Participants []string `json:"participants"`
}

// Rule fixes when a task fires: openClock (HH:MM:SS) in loc on the day before the booking date.
type Rule struct {
	Location  *time.Location
	OpenClock string
}

// ScheduledTimeFor applies the rule to a YYYY-MM-DD booking date.
func (r Rule) ScheduledTimeFor(bookingDate string) (time.Time, error) {
	loc := r.Location
	if loc == nil {
		loc = time.Local
	}
	d, err := time.ParseInLocation("2006-01-02", bookingDate, loc)
	if err != nil {
		return time.Time{}, internaltypes.Invalid("booking date %q (want YYYY-MM-DD)", bookingDate)
	}
	clock, err := time.Parse("15:04:05", r.OpenClock)
	if err != nil {
		return time.Time{}, fmt.Errorf("open clock %q: %w", r.OpenClock, err)
	}
	day := d.AddDate(0, 0, -1)
	return time.Date(day.Year(), day.Month(), day.Day(), clock.Hour(), clock.Minute(), clock.Second(), 0, loc), nil
}

// NewTask validates req and builds a pending task. Account and venue existence is the
// caller's concern.
func (r Rule) NewTask(req CreateRequest) (BookingTask, error) {
	if req.AccountID <= 0 {
		return BookingTask{}, internaltypes.Invalid("account_id required")
	}
	if req.VenueID <= 0 {
		return BookingTask{}, internaltypes.Invalid("venue_id required")
	}
	if strings.TrimSpace(req.TimeSlot) == "" {
		return BookingTask{}, internaltypes.Invalid("time_slot required")
	}
	participants := cleanList(req.Participants)
	if len(participants) == 0 {
		return BookingTask{}, internaltypes.Invalid("at least one participant required")
	}
	at, err := r.ScheduledTimeFor(strings.TrimSpace(req.BookingDate))
	if err != nil {
		return BookingTask{}, err
	}
	return BookingTask{
		AccountID: req.AccountID,
		VenueID:   req.VenueID,
		Slot: SlotDescriptor{
			Date:         strings.TrimSpace(req.BookingDate),
			StockID:      req.StockID,
			TimeSlot:     strings.ReplaceAll(req.TimeSlot, " ", ""),
			Participants: participants,
		},
		ScheduledTime: at,
		Status:        StatusPending,
	}, nil
}

// SplitParticipants parses the comma/slash separated form used by the portal ("160747,160734").
func SplitParticipants(s string) []string {
	return cleanList(strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '/' }))
}

func cleanList(in []string) []string {
	var out []string
	for _, p := range in {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
