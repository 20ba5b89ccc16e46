package cmd

import (
	"context"
	"fmt"

	"github.com/example/venue-autobook/internal/migrate"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database schema migrations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := loadAppDB(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := loadAppDB(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			files, err := migrate.Files()
			if err != nil {
				return err
			}
			applied, err := migrate.Applied(ctx, a.db)
			if err != nil {
				return err
			}
			done := map[string]bool{}
			for _, v := range applied {
				done[v] = true
			}
			for _, f := range files {
				state := "pending"
				if done[f] {
					state = "applied"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", state, f)
			}
			return nil
		},
	})
	return cmd
}
