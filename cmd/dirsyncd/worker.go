package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dirsyncd/dirsyncd/internal/config"
	"github.com/dirsyncd/dirsyncd/internal/idp"
	"github.com/dirsyncd/dirsyncd/internal/idp/providers"
	"github.com/dirsyncd/dirsyncd/internal/idp/rest"
	"github.com/dirsyncd/dirsyncd/internal/metrics"
	"github.com/dirsyncd/dirsyncd/internal/store"
	"github.com/dirsyncd/dirsyncd/internal/syncer"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background sync loop.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker()
	},
}

func runWorker() error {
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

	if _, errCh := metrics.StartServer(ctx, cfg.MetricsAddr); errCh != nil {
		go func() {
			if err, ok := <-errCh; ok {
				slog.Error("metrics server failed", "err", err)
			}
		}()
	}

	slog.Info("sync worker started", "interval", cfg.SchedulerPeriod)
	scheduler := syncer.Scheduler{Runner: worker, Interval: cfg.SchedulerPeriod}
	scheduler.Run(ctx)
	return nil
}

func newSyncWorker(st *store.Store, cfg config.Config) *syncer.Worker {
	rc := rest.NewClient(rest.Options{
		RequestTimeout:       cfg.HTTPRequestTimeout,
		ConnectTimeout:       cfg.HTTPConnectTimeout,
		MaxConcurrentPerHost: int64(cfg.HTTPMaxConcurrentPerHost),
	})

	engine := syncer.NewEngine(st, syncer.EngineConfig{
		BatchSizeIdentities:      cfg.BatchSizeIdentities,
		BatchSizeMemberships:     cfg.BatchSizeMemberships,
		GroupsPerMembershipChunk: cfg.GroupsPerMembershipChunk,
		DeletionThresholdRatio:   cfg.DeletionThresholdRatio,
		DeletionThresholdMinRows: cfg.DeletionThresholdMinRows,
	}, slog.Default())

	factory := func(provider string, config []byte) (idp.Adapter, error) {
		return providers.New(provider, config, rc)
	}

	return syncer.NewWorker(st, engine, factory, syncer.WorkerConfig{
		Workers:          cfg.SyncWorkers,
		JobTimeout:       cfg.JobTimeout,
		TransientToFatal: cfg.DeletionTransientToFatal,
	}, slog.Default())
}

// connectTimeout bounds CLI commands that talk to the database once.
const connectTimeout = 15 * time.Second
