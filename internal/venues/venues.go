// Package venues keeps the portal's bookable slots locally so tasks can reference them by id.
package venues

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/example/venue-autobook/internal/db"
	"github.com/example/venue-autobook/internal/portal"
)

// Venue is one (court, date, time) slot. OriginalID is the portal's own id for it, which
// the booking form sends as the stock detail.
type Venue struct {
	ID         int64  `json:"id"`
	OriginalID int64  `json:"original_id"`
	ServiceID  int64  `json:"service_id"`
	StockID    int64  `json:"stock_id"`
	SlotDate   string `json:"slot_date"`
	TimeNo     string `json:"time_no"`
	SName      string `json:"sname"`
	Status     int    `json:"status"`
}

const venueColumns = `id,original_id,service_id,stock_id,slot_date,time_no,sname,status`

type Repo struct{ db *db.DB }

func NewRepo(d *db.DB) *Repo { return &Repo{db: d} }

// Upsert inserts v or refreshes the row with the same OriginalID.
func (r *Repo) Upsert(ctx context.Context, v Venue) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
INSERT INTO venues(original_id,service_id,stock_id,slot_date,time_no,sname,status)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (original_id) DO UPDATE SET
  service_id=EXCLUDED.service_id,
  stock_id=EXCLUDED.stock_id,
  slot_date=EXCLUDED.slot_date,
  time_no=EXCLUDED.time_no,
  sname=EXCLUDED.sname,
  status=EXCLUDED.status
RETURNING id`,
		v.OriginalID, v.ServiceID, v.StockID, v.SlotDate, v.TimeNo, v.SName, v.Status,
	).Scan(&id)
	return id, db.WrapNotFound(err)
}

// List filters by service and date; zero values match everything.
func (r *Repo) List(ctx context.Context, serviceID int64, date string) ([]Venue, error) {
	rows, err := r.db.Query(ctx, `
SELECT `+venueColumns+`
FROM venues
WHERE ($1 = 0 OR service_id = $1)
  AND ($2 = '' OR slot_date = $2)
ORDER BY slot_date, sname, time_no`, serviceID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Venue
	for rows.Next() {
		v, err := scanVenue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *Repo) ResolveVenue(ctx context.Context, id int64) (Venue, error) {
	v, err := scanVenue(r.db.QueryRow(ctx, `SELECT `+venueColumns+` FROM venues WHERE id=$1`, id))
	if err != nil {
		return Venue{}, db.WrapNotFound(err)
	}
	return v, nil
}

func scanVenue(row db.Row) (Venue, error) {
	var v Venue
	err := row.Scan(&v.ID, &v.OriginalID, &v.ServiceID, &v.StockID, &v.SlotDate, &v.TimeNo, &v.SName, &v.Status)
	return v, err
}

// FromArea maps a portal listing onto a Venue.
func FromArea(a portal.Area) Venue {
	return Venue{
		OriginalID: int64(a.ID),
		ServiceID:  int64(a.Stock.ServiceID),
		StockID:    int64(a.StockID),
		SlotDate:   a.Stock.SDate,
		TimeNo:     a.Stock.TimeNo,
		SName:      a.SName,
		Status:     int(a.Status),
	}
}

type AreaFinder interface {
	FindAvailable(ctx context.Context, date string, serviceID int64) ([]portal.Area, error)
}

type Upserter interface {
	Upsert(ctx context.Context, v Venue) (int64, error)
}

// Importer pulls a day's listing from the portal into the local table.
type Importer struct {
	Portal AreaFinder
	Repo   Upserter
	Logger *slog.Logger
}

func (im Importer) Import(ctx context.Context, date string, serviceID int64) (int, error) {
	areas, err := im.Portal.FindAvailable(ctx, date, serviceID)
	if err != nil {
		return 0, fmt.Errorf("fetch venues: %w", err)
	}
	log := im.Logger
	if log == nil {
		log = slog.Default()
	}
	n := 0
	for _, a := range areas {
		v := FromArea(a)
		if v.SlotDate == "" {
			v.SlotDate = date
		}
		if v.ServiceID == 0 {
			v.ServiceID = serviceID
		}
		if _, err := im.Repo.Upsert(ctx, v); err != nil {
			return n, fmt.Errorf("store venue %d: %w", v.OriginalID, err)
		}
		n++
	}
	log.Info("venues imported", "component", "venues", "date", date, "service_id", serviceID, "count", n)
	return n, nil
}
