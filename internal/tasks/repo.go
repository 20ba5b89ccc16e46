package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/example/venue-autobook/internal/db"
)

const taskColumns = `id,account_id,venue_id,booking_date,stock_id,time_no,participants,status,scheduled_time,result,executed_at,created_at`

// Repo is the Postgres Store.
type Repo struct{ db *db.DB }

func NewRepo(d *db.DB) *Repo { return &Repo{db: d} }

func (r *Repo) Create(ctx context.Context, t BookingTask) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
INSERT INTO booking_tasks(account_id,venue_id,booking_date,stock_id,time_no,participants,status,scheduled_time)
VALUES ($1,$2,$3,$4,$5,$6,'pending',$7)
RETURNING id`,
		t.AccountID, t.VenueID, t.Slot.Date, t.Slot.StockID, t.Slot.TimeSlot, strings.Join(t.Slot.Participants, ","), t.ScheduledTime,
	).Scan(&id)
	return id, db.WrapNotFound(err)
}

func (r *Repo) Get(ctx context.Context, id int64) (BookingTask, error) {
	t, err := scanTask(r.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM booking_tasks WHERE id=$1`, id))
	if err != nil {
		return BookingTask{}, db.WrapNotFound(err)
	}
	return t, nil
}

func (r *Repo) ListByStatus(ctx context.Context, status Status) ([]BookingTask, error) {
	if status == "" {
		return r.list(ctx, `SELECT `+taskColumns+` FROM booking_tasks ORDER BY created_at DESC`)
	}
	return r.list(ctx, `SELECT `+taskColumns+` FROM booking_tasks WHERE status=$1 ORDER BY created_at DESC`, string(status))
}

func (r *Repo) ListDue(ctx context.Context, now time.Time) ([]BookingTask, error) {
	return r.list(ctx, `
SELECT `+taskColumns+`
FROM booking_tasks
WHERE status='pending'
  AND scheduled_time <= $1
ORDER BY scheduled_time ASC`, now)
}

func (r *Repo) ListNearDue(ctx context.Context, now time.Time, horizon time.Duration) ([]BookingTask, error) {
	return r.list(ctx, `
SELECT `+taskColumns+`
FROM booking_tasks
WHERE status='pending'
  AND scheduled_time >= $1
  AND scheduled_time <= $2
ORDER BY scheduled_time ASC`, now, now.Add(horizon))
}

func (r *Repo) ListAllPending(ctx context.Context) ([]BookingTask, error) {
	return r.list(ctx, `SELECT `+taskColumns+` FROM booking_tasks WHERE status='pending' ORDER BY scheduled_time ASC`)
}

func (r *Repo) TransitionTerminal(ctx context.Context, id int64, status Status, res Result) (bool, error) {
	if status != StatusCompleted && status != StatusFailed {
		return false, ErrInvalidStatus
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return false, fmt.Errorf("encode result: %w", err)
	}
	return r.conditional(ctx, id, `
UPDATE booking_tasks
SET status=$2, result=$3, executed_at=now()
WHERE id=$1 AND status='pending'
RETURNING id`, id, string(status), payload)
}

func (r *Repo) Cancel(ctx context.Context, id int64) (bool, error) {
	return r.conditional(ctx, id, `
UPDATE booking_tasks
SET status='cancelled'
WHERE id=$1 AND status='pending'
RETURNING id`, id)
}

// conditional runs a guarded UPDATE ... RETURNING. No row back means either the guard
// failed (false, nil) or the task does not exist (ErrNotFound).
func (r *Repo) conditional(ctx context.Context, id int64, sql string, args ...any) (bool, error) {
	var got int64
	err := r.db.QueryRow(ctx, sql, args...).Scan(&got)
	if err == nil {
		return true, nil
	}
	if !db.IsNotFound(err) {
		return false, db.WrapNotFound(err)
	}
	if _, err := r.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *Repo) list(ctx context.Context, sql string, args ...any) ([]BookingTask, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BookingTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row db.Row) (BookingTask, error) {
	var t BookingTask
	var participants, status string
	var result []byte
	if err := row.Scan(
		&t.ID, &t.AccountID, &t.VenueID, &t.Slot.Date, &t.Slot.StockID, &t.Slot.TimeSlot, &participants,
		&status, &t.ScheduledTime, &result, &t.ExecutedAt, &t.CreatedAt,
	); err != nil {
		return BookingTask{}, err
	}
	t.Status = Status(status)
	t.Slot.Participants = SplitParticipants(participants)
	if len(result) > 0 {
		var res Result
		if err := json.Unmarshal(result, &res); err != nil {
			return BookingTask{}, fmt.Errorf("decode result of task %d: %w", t.ID, err)
		}
		t.Result = &res
	}
	return t, nil
}
