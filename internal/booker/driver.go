// Package booker turns one due booking task into portal submissions and a single terminal
// state. Classify decides what each response means; Driver decides what to do about it.
package booker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/venue-autobook/internal/internaltypes"
	"github.com/example/venue-autobook/internal/metrics"
	"github.com/example/venue-autobook/internal/portal"
	"github.com/example/venue-autobook/internal/tasks"
	"github.com/example/venue-autobook/internal/venues"
	"github.com/google/uuid"
)

// Failure reasons recorded on failed tasks.
const (
	ReasonDependencyMissing = "dependency_missing"
	ReasonSessionFailure    = "session_failure"
	ReasonAttemptsExhausted = "attempts_exhausted"
)

const (
	DefaultMaxAttempts      = 50
	DefaultTransportBackoff = 5 * time.Millisecond
	DefaultStatusCheckEvery = 10
)

type AccountResolver interface {
	ResolveAccount(ctx context.Context, id int64) (portal.Credentials, error)
}

type VenueResolver interface {
	ResolveVenue(ctx context.Context, id int64) (venues.Venue, error)
}

type Portal interface {
	Login(ctx context.Context, creds portal.Credentials) (*portal.Session, error)
	Submit(ctx context.Context, s *portal.Session, a portal.Acquisition) portal.RawResult
}

type Driver struct {
	Store    tasks.Store
	Accounts AccountResolver
	Venues   VenueResolver
	Portal   Portal

	MaxAttempts      int
	TransportBackoff time.Duration
	// StatusCheckEvery re-reads the task every N attempts so a cancel stops a long retry
	// loop early. Zero means DefaultStatusCheckEvery, negative disables.
	StatusCheckEvery int

	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Report describes what one Run did.
type Report struct {
	TaskID   int64
	RunID    string
	Skipped  bool // task was not pending when the run started or was cancelled mid-run
	Applied  bool // this run wrote the terminal state
	Status   tasks.Status
	Result   tasks.Result
	Attempts int
}

// Run executes task id to a terminal state. The attempt counter belongs to this call only.
// An error means the task was left pending: store trouble, or ctx ended before a verdict.
func (d *Driver) Run(ctx context.Context, id int64) (Report, error) {
	runID := uuid.NewString()
	rep := Report{TaskID: id, RunID: runID}
	log := d.logger().With("task_id", id, "run_id", runID)

	t, err := d.Store.Get(ctx, id)
	if err != nil {
		return rep, fmt.Errorf("load task %d: %w", id, err)
	}
	rep.Status = t.Status
	if t.Status != tasks.StatusPending {
		log.Info("task not pending, skipping", "status", t.Status)
		rep.Skipped = true
		return rep, nil
	}

	creds, err := d.Accounts.ResolveAccount(ctx, t.AccountID)
	if errors.Is(err, internaltypes.ErrNotFound) {
		return d.finish(ctx, log, rep, tasks.StatusFailed, tasks.Result{
			Reason:  ReasonDependencyMissing,
			Message: fmt.Sprintf("account %d not found", t.AccountID),
		})
	}
	if err != nil {
		return rep, fmt.Errorf("resolve account: %w", err)
	}
	venue, err := d.Venues.ResolveVenue(ctx, t.VenueID)
	if errors.Is(err, internaltypes.ErrNotFound) {
		return d.finish(ctx, log, rep, tasks.StatusFailed, tasks.Result{
			Reason:  ReasonDependencyMissing,
			Message: fmt.Sprintf("venue %d not found", t.VenueID),
		})
	}
	if err != nil {
		return rep, fmt.Errorf("resolve venue: %w", err)
	}

	sess, err := d.Portal.Login(ctx, creds)
	if err != nil {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		log.Warn("login failed", "account_id", t.AccountID, "err", err)
		return d.finish(ctx, log, rep, tasks.StatusFailed, tasks.Result{
			Reason:  ReasonSessionFailure,
			Message: err.Error(),
		})
	}

	acq := portal.Acquisition{
		ServiceID: venue.ServiceID,
		StockID:   t.Slot.StockID,
		DetailID:  venue.OriginalID,
		Users:     t.Slot.Participants,
	}
	if acq.StockID == 0 {
		acq.StockID = venue.StockID
	}
	log.Info("run started", "venue", venue.SName, "date", t.Slot.Date, "slot", t.Slot.TimeSlot)

	limit := d.MaxAttempts
	if limit <= 0 {
		limit = DefaultMaxAttempts
	}
	every := d.StatusCheckEvery
	if every == 0 {
		every = DefaultStatusCheckEvery
	}

	var last Verdict
	for attempt := 1; attempt <= limit; attempt++ {
		if err := ctx.Err(); err != nil {
			rep.Attempts = attempt - 1
			log.Info("run aborted, task left pending", "attempts", rep.Attempts)
			return rep, err
		}
		if every > 0 && attempt > 1 && (attempt-1)%every == 0 {
			cur, err := d.Store.Get(ctx, id)
			if err == nil && cur.Status != tasks.StatusPending {
				rep.Attempts = attempt - 1
				rep.Skipped = true
				rep.Status = cur.Status
				log.Info("task left pending state mid-run, stopping", "status", cur.Status, "attempts", rep.Attempts)
				return rep, nil
			}
		}

		start := time.Now()
		last = d.attempt(ctx, sess, acq)
		d.Metrics.RecordAttempt(string(last.Outcome), time.Since(start))
		rep.Attempts = attempt
		log.Debug("attempt", "n", attempt, "outcome", last.Outcome, "message", last.Message)

		switch last.Outcome {
		case OutcomeSuccess:
			return d.finish(ctx, log, rep, tasks.StatusCompleted, tasks.Result{Message: last.Message})
		case OutcomeQuotaExceeded, OutcomeUnclassifiedRejection:
			if last.Outcome == OutcomeUnclassifiedRejection {
				log.Warn("unclassified rejection", "message", last.Message)
			}
			return d.finish(ctx, log, rep, tasks.StatusFailed, tasks.Result{
				Outcome: string(last.Outcome),
				Reason:  string(last.Outcome),
				Message: last.Message,
			})
		case OutcomeTransportError, OutcomeProtocolError:
			if attempt < limit {
				if err := sleep(ctx, d.backoff()); err != nil {
					log.Info("run aborted, task left pending", "attempts", rep.Attempts)
					return rep, err
				}
			}
		}
	}

	if err := ctx.Err(); err != nil && last.Outcome == OutcomeTransportError {
		return rep, err
	}
	return d.finish(ctx, log, rep, tasks.StatusFailed, tasks.Result{
		Outcome: string(last.Outcome),
		Reason:  ReasonAttemptsExhausted,
		Message: last.Message,
	})
}

// attempt submits once. A panic anywhere below is reported as a protocol error.
func (d *Driver) attempt(ctx context.Context, s *portal.Session, a portal.Acquisition) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			v = Verdict{Outcome: OutcomeProtocolError, Message: fmt.Sprintf("panic during attempt: %v", r)}
		}
	}()
	return Classify(d.Portal.Submit(ctx, s, a))
}

func (d *Driver) finish(ctx context.Context, log *slog.Logger, rep Report, status tasks.Status, res tasks.Result) (Report, error) {
	res.Attempts = rep.Attempts
	res.RunID = rep.RunID
	if status == tasks.StatusCompleted {
		res.Outcome = string(OutcomeSuccess)
	} else if res.Outcome == "" {
		res.Outcome = res.Reason
	}

	// The verdict is already decided; record it even if ctx is shutting down.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	applied, err := d.Store.TransitionTerminal(wctx, rep.TaskID, status, res)
	if err != nil {
		return rep, fmt.Errorf("record %s: %w", status, err)
	}

	rep.Result = res
	rep.Applied = applied
	if !applied {
		cur, gerr := d.Store.Get(wctx, rep.TaskID)
		if gerr == nil {
			rep.Status = cur.Status
		}
		log.Warn("terminal write not applied, task already left pending", "wanted", status, "status", rep.Status, "reason", res.Reason)
		return rep, nil
	}
	rep.Status = status
	d.Metrics.RecordTerminal(string(status), res.Reason)
	log.Info("task finished", "status", status, "reason", res.Reason, "attempts", res.Attempts, "message", res.Message)
	return rep, nil
}

func (d *Driver) backoff() time.Duration {
	if d.TransportBackoff > 0 {
		return d.TransportBackoff
	}
	return DefaultTransportBackoff
}

func (d *Driver) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger.With("component", "booker")
	}
	return slog.Default().With("component", "booker")
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
