package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/example/venue-autobook/internal/accounts"
	"github.com/example/venue-autobook/internal/booker"
	"github.com/example/venue-autobook/internal/config"
	"github.com/example/venue-autobook/internal/crypto"
	"github.com/example/venue-autobook/internal/db"
	"github.com/example/venue-autobook/internal/metrics"
	"github.com/example/venue-autobook/internal/migrate"
	"github.com/example/venue-autobook/internal/portal"
	"github.com/example/venue-autobook/internal/tasks"
	"github.com/example/venue-autobook/internal/venues"
)

// app is the wiring every subcommand shares.
type app struct {
	cfg config.Config
	log *slog.Logger
	db  *db.DB
}

func loadApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)
	return &app{cfg: cfg, log: log}, nil
}

// loadAppDB is loadApp plus an open, pinged and migrated database.
func loadAppDB(ctx context.Context, migrateUp bool) (*app, error) {
	a, err := loadApp()
	if err != nil {
		return nil, err
	}
	d, err := db.Open(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := d.Ping(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if migrateUp {
		if err := migrate.Up(ctx, d); err != nil {
			d.Close()
			return nil, err
		}
	}
	a.db = d
	return a, nil
}

func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lv = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lv}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func (a *app) accounts() (*accounts.Repo, error) {
	if err := a.cfg.RequireCredKey(); err != nil {
		return nil, err
	}
	s, err := crypto.NewSealer(a.cfg.CredEncKey)
	if err != nil {
		return nil, err
	}
	return accounts.NewRepo(a.db, s), nil
}

func (a *app) portal() *portal.Client {
	return portal.New(a.cfg.PortalBaseURL, a.cfg.AttemptTimeout)
}

func (a *app) rule() tasks.Rule {
	return tasks.Rule{Location: a.cfg.Location(), OpenClock: a.cfg.OpenClock}
}

func (a *app) driver(store tasks.Store, accts booker.AccountResolver, m *metrics.Collector) *booker.Driver {
	return &booker.Driver{
		Store:            store,
		Accounts:         accts,
		Venues:           venues.NewRepo(a.db),
		Portal:           a.portal(),
		MaxAttempts:      a.cfg.MaxAttempts,
		TransportBackoff: a.cfg.TransportBackoff,
		Metrics:          m,
		Logger:           a.log,
	}
}
