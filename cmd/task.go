package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/example/venue-autobook/internal/metrics"
	"github.com/example/venue-autobook/internal/scheduler"
	"github.com/example/venue-autobook/internal/tasks"
	"github.com/example/venue-autobook/internal/venues"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create, inspect, cancel or fire booking tasks",
	}
	cmd.AddCommand(newTaskCreateCmd())
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskGetCmd())
	cmd.AddCommand(newTaskCancelCmd())
	cmd.AddCommand(newTaskFireCmd())
	return cmd
}

func newTaskCreateCmd() *cobra.Command {
	var (
		req          tasks.CreateRequest
		participants string
	)
	c := &cobra.Command{
		Use:   "create",
		Short: "Create a pending task; it fires the day before the booking date at the open clock",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := loadAppDB(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()
			accts, err := a.accounts()
			if err != nil {
				return err
			}

			req.Participants = tasks.SplitParticipants(participants)
			svc := tasks.Service{Store: tasks.NewRepo(a.db), Rule: a.rule(), Accounts: accts, Venues: venues.NewRepo(a.db)}
			t, err := svc.Create(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created task id=%d scheduled=%s (%s)\n",
				t.ID, t.ScheduledTime.In(a.cfg.Location()).Format(time.RFC3339), t.ScheduledTime.UTC().Format(time.RFC3339))
			return nil
		},
	}
	c.Flags().Int64Var(&req.AccountID, "account", 0, "account id (default account if omitted)")
	c.Flags().Int64Var(&req.VenueID, "venue", 0, "venue id (see `venue list`)")
	c.Flags().Int64Var(&req.StockID, "stock", 0, "stock id (taken from the venue if omitted)")
	c.Flags().StringVar(&req.BookingDate, "date", "", "booking date YYYY-MM-DD (taken from the venue if omitted)")
	c.Flags().StringVar(&req.TimeSlot, "slot", "", "time slot, e.g. 18:00-19:00 (taken from the venue if omitted)")
	c.Flags().StringVar(&participants, "users", "", "participant ids, comma separated")
	_ = c.MarkFlagRequired("venue")
	_ = c.MarkFlagRequired("users")
	return c
}

func newTaskListCmd() *cobra.Command {
	var status string
	c := &cobra.Command{
		Use:   "list",
		Short: "List tasks, optionally by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var st tasks.Status
			if status != "" {
				var err error
				if st, err = tasks.ParseStatus(status); err != nil {
					return err
				}
			}
			ctx := context.Background()
			a, err := loadAppDB(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			ts, err := tasks.NewRepo(a.db).ListByStatus(ctx, st)
			if err != nil {
				return err
			}
			for _, t := range ts {
				printTask(cmd.OutOrStdout(), t)
			}
			return nil
		},
	}
	c.Flags().StringVar(&status, "status", "", "pending|completed|failed|cancelled")
	return c
}

func newTaskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx := context.Background()
			a, err := loadAppDB(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := tasks.NewRepo(a.db).Get(ctx, id)
			if err != nil {
				return fmt.Errorf("task %d: %w", id, err)
			}
			printTask(cmd.OutOrStdout(), t)
			return nil
		},
	}
}

func newTaskCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx := context.Background()
			a, err := loadAppDB(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			ok, err := tasks.NewRepo(a.db).Cancel(ctx, id)
			if err != nil {
				return fmt.Errorf("task %d: %w", id, err)
			}
			if !ok {
				return fmt.Errorf("task %d is not pending", id)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled task id=%d\n", id)
			return nil
		},
	}
}

// fire runs the driver in the foreground, ignoring the schedule.
func newTaskFireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fire <id>",
		Short: "Run a pending task now, in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			a, err := loadAppDB(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()
			accts, err := a.accounts()
			if err != nil {
				return err
			}

			store := tasks.NewRepo(a.db)
			m := metrics.New(prometheus.NewRegistry())
			m.RecordFire(scheduler.TriggerManual)
			rep, err := a.driver(store, accts, m).Run(ctx, id)
			if err != nil {
				return err
			}
			if rep.Skipped {
				fmt.Fprintf(cmd.OutOrStdout(), "task id=%d not run: status=%s\n", id, rep.Status)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task id=%d status=%s applied=%t attempts=%d reason=%q message=%q run_id=%s\n",
				id, rep.Status, rep.Applied, rep.Attempts, rep.Result.Reason, rep.Result.Message, rep.RunID)
			return nil
		},
	}
}

func printTask(w io.Writer, t tasks.BookingTask) {
	fmt.Fprintf(w, "id=%d status=%s account=%d venue=%d date=%s slot=%s users=%v scheduled=%s",
		t.ID, t.Status, t.AccountID, t.VenueID, t.Slot.Date, t.Slot.TimeSlot, t.Slot.Participants, t.ScheduledTime.UTC().Format(time.RFC3339))
	if t.Result != nil {
		fmt.Fprintf(w, " attempts=%d reason=%q message=%q", t.Result.Attempts, t.Result.Reason, t.Result.Message)
	}
	fmt.Fprintln(w)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
