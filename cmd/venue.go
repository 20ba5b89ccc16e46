package cmd

import (
	"context"
	"fmt"

	"github.com/example/venue-autobook/internal/venues"
	"github.com/spf13/cobra"
)

func newVenueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "venue",
		Short: "Import and list bookable venue slots",
	}
	cmd.AddCommand(newVenueImportCmd())
	cmd.AddCommand(newVenueListCmd())
	return cmd
}

func newVenueImportCmd() *cobra.Command {
	var date string
	var serviceID int64
	c := &cobra.Command{
		Use:   "import",
		Short: "Fetch a day's slots for a service from the portal and store them",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := loadAppDB(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			im := venues.Importer{Portal: a.portal(), Repo: venues.NewRepo(a.db), Logger: a.log}
			n, err := im.Import(ctx, date, serviceID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d venue slots for service=%d date=%s\n", n, serviceID, date)
			return nil
		},
	}
	c.Flags().StringVar(&date, "date", "", "slot date YYYY-MM-DD")
	c.Flags().Int64Var(&serviceID, "service", 0, "portal service id")
	_ = c.MarkFlagRequired("date")
	_ = c.MarkFlagRequired("service")
	return c
}

func newVenueListCmd() *cobra.Command {
	var date string
	var serviceID int64
	c := &cobra.Command{
		Use:   "list",
		Short: "List stored venue slots",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := loadAppDB(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			vs, err := venues.NewRepo(a.db).List(ctx, serviceID, date)
			if err != nil {
				return err
			}
			for _, v := range vs {
				fmt.Fprintf(cmd.OutOrStdout(), "id=%d name=%q date=%s slot=%s service=%d stock=%d portal_id=%d\n",
					v.ID, v.SName, v.SlotDate, v.TimeNo, v.ServiceID, v.StockID, v.OriginalID)
			}
			return nil
		},
	}
	c.Flags().StringVar(&date, "date", "", "filter by date YYYY-MM-DD")
	c.Flags().Int64Var(&serviceID, "service", 0, "filter by service id")
	return c
}
