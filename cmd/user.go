package cmd

import (
	"context"
	"fmt"

	"github.com/example/venue-autobook/internal/auth"
	"github.com/spf13/cobra"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage operator users of the API",
	}
	cmd.AddCommand(newUserAddCmd())
	return cmd
}

func newUserAddCmd() *cobra.Command {
	var username, password string

	c := &cobra.Command{
		Use:   "add",
		Short: "Add an operator (username/password, bcrypt hashed)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := loadAppDB(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := auth.NewUserRepo(a.db).CreateUser(ctx, username, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created user id=%d username=%q\n", id, username)
			return nil
		},
	}

	c.Flags().StringVar(&username, "username", "", "username")
	c.Flags().StringVar(&password, "password", "", "password (min 8 chars)")
	_ = c.MarkFlagRequired("username")
	_ = c.MarkFlagRequired("password")
	return c
}
