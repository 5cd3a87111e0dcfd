package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dirsyncd/dirsyncd/internal/store"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage accounts.",
}

var (
	accountCreateName string
	accountID         string
	accountSyncOn     bool
)

var accountsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an account.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), connectTimeout)
		defer cancel()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		account, err := st.CreateAccount(ctx, accountCreateName, map[string]bool{
			store.FeatureIDPSync: true,
		})
		if err != nil {
			return err
		}

		cmd.Printf("created account %s (%s)\n", account.ID, account.Name)
		return nil
	},
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), connectTimeout)
		defer cancel()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		accounts, err := st.ListAccounts(ctx)
		if err != nil {
			return err
		}

		for _, a := range accounts {
			status := "active"
			if a.DisabledAt != nil {
				status = "disabled " + a.DisabledAt.UTC().Format(time.RFC3339)
			}
			cmd.Printf("%s\t%s\t%s\tidp_sync=%t\n", a.ID, a.Name, status, a.Features[store.FeatureIDPSync])
		}
		return nil
	},
}

var accountsSetSyncCmd = &cobra.Command{
	Use:   "set-sync",
	Short: "Turn directory syncing on or off for an account.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(accountID)
		if err != nil {
			return fmt.Errorf("--id: %w", err)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), connectTimeout)
		defer cancel()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.SetAccountFeature(ctx, id, store.FeatureIDPSync, accountSyncOn); err != nil {
			return err
		}

		cmd.Printf("account %s idp_sync=%t\n", id, accountSyncOn)
		return nil
	},
}

func init() {
	accountsCmd.AddCommand(accountsCreateCmd, accountsListCmd, accountsSetSyncCmd)

	accountsCreateCmd.Flags().StringVar(&accountCreateName, "name", "", "Account name")
	_ = accountsCreateCmd.MarkFlagRequired("name")

	accountsSetSyncCmd.Flags().StringVar(&accountID, "id", "", "Account id")
	accountsSetSyncCmd.Flags().BoolVar(&accountSyncOn, "enabled", true, "Whether syncing is enabled")
	_ = accountsSetSyncCmd.MarkFlagRequired("id")
}
