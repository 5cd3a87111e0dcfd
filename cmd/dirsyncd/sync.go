package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dirsyncd/dirsyncd/internal/config"
	"github.com/dirsyncd/dirsyncd/internal/store"
)

var syncDirectoryID string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass now and exit.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync()
	},
}

func runSync() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()

	worker := newSyncWorker(st, cfg)

	if syncDirectoryID != "" {
		id, err := uuid.Parse(syncDirectoryID)
		if err != nil {
			return &exitError{code: 2, err: err}
		}
		worker.SyncDirectory(ctx, id)
		return nil
	}
	return worker.RunOnce(ctx)
}

func init() {
	syncCmd.Flags().StringVar(&syncDirectoryID, "directory", "", "Sync only this directory id")
}
