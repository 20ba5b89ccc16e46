package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/venue-autobook/internal/auth"
	"github.com/example/venue-autobook/internal/metrics"
	"github.com/example/venue-autobook/internal/scheduler"
	"github.com/example/venue-autobook/internal/tasks"
	"github.com/example/venue-autobook/internal/venues"
	"github.com/example/venue-autobook/internal/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServerCmd() *cobra.Command {
	var migrateUp, ephemeral, noScheduler bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the scheduler and the operator API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := loadAppDB(ctx, migrateUp)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.cfg.RequireCookieKeys(); err != nil {
				return err
			}
			accts, err := a.accounts()
			if err != nil {
				return err
			}

			var store tasks.Store = tasks.NewRepo(a.db)
			if ephemeral {
				a.log.Warn("ephemeral mode: tasks are kept in memory and lost on exit")
				store = tasks.NewMemStore()
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			m := metrics.New(reg)

			sch := &scheduler.Scheduler{
				Store:          store,
				Runner:         a.driver(store, accts, m),
				RescanInterval: a.cfg.RescanInterval,
				SweepInterval:  a.cfg.SweepInterval,
				Horizon:        a.cfg.PromotionHorizon,
				Metrics:        m,
				Logger:         a.log,
			}

			venueRepo := venues.NewRepo(a.db)
			ws := &web.Server{
				Auth:     auth.NewUserRepo(a.db),
				Sessions: auth.NewSessions(a.cfg.CookieHashKey, a.cfg.CookieBlockKey),
				Tasks:    store,
				Creator: tasks.Service{
					Store:    store,
					Rule:     a.rule(),
					Accounts: accts,
					Venues:   venueRepo,
				},
				Accounts: accts,
				Venues:   venueRepo,
				Metrics:  metrics.Handler(reg),
				Health:   a.db.Ping,
				Logger:   a.log,
			}
			if !noScheduler {
				ws.Scheduler = sch.Stats
			}

			g, gctx := errgroup.WithContext(ctx)
			if !noScheduler {
				g.Go(func() error {
					if err := sch.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
						return err
					}
					return nil
				})
			}
			g.Go(func() error {
				err := web.Start(gctx, a.cfg.ListenAddr, ws.Routes(), a.log)
				cancel()
				return err
			})
			return g.Wait()
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")
	cmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "keep tasks in memory instead of Postgres (testing)")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve the API only; another process fires tasks")
	cmd.Flags().Lookup("migrate").NoOptDefVal = "true"
	return cmd
}
