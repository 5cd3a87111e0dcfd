package main

import (
	"github.com/spf13/cobra"

	"github.com/dirsyncd/dirsyncd/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:           "dirsyncd",
	Short:         "dirsyncd mirrors users, groups and memberships from identity providers into Postgres.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := logging.BootstrapFromEnv(logging.BootstrapOptions{Command: cmd.CommandPath()})
		return err
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(workerCmd, syncCmd, migrateCmd, directoriesCmd, accountsCmd)
}
