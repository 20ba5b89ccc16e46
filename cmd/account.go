package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newAccountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage the portal accounts tasks book with",
	}
	cmd.AddCommand(newAccountAddCmd())
	cmd.AddCommand(newAccountListCmd())
	cmd.AddCommand(newAccountDefaultCmd())
	return cmd
}

func newAccountAddCmd() *cobra.Command {
	var username, password, remark string
	c := &cobra.Command{
		Use:   "add",
		Short: "Store a portal account (password is encrypted with CRED_ENC_KEY)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := loadAppDB(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()
			repo, err := a.accounts()
			if err != nil {
				return err
			}
			id, err := repo.Add(ctx, username, password, remark)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added account id=%d username=%q\n", id, username)
			return nil
		},
	}
	c.Flags().StringVar(&username, "username", "", "portal login (student/staff number)")
	c.Flags().StringVar(&password, "password", "", "portal password")
	c.Flags().StringVar(&remark, "remark", "", "free-form note")
	_ = c.MarkFlagRequired("username")
	_ = c.MarkFlagRequired("password")
	return c
}

func newAccountListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := loadAppDB(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()
			repo, err := a.accounts()
			if err != nil {
				return err
			}
			as, err := repo.List(ctx)
			if err != nil {
				return err
			}
			for _, acct := range as {
				mark := ""
				if acct.IsDefault {
					mark = " (default)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "id=%d username=%q remark=%q%s\n", acct.ID, acct.Username, acct.Remark, mark)
			}
			return nil
		},
	}
}

func newAccountDefaultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-default <id>",
		Short: "Make an account the default for new tasks",
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
			repo, err := a.accounts()
			if err != nil {
				return err
			}
			if err := repo.SetDefault(ctx, id); err != nil {
				return fmt.Errorf("account %d: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "default account id=%d\n", id)
			return nil
		},
	}
}
