package syncer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dirsyncd/dirsyncd/internal/idp"
	"github.com/dirsyncd/dirsyncd/internal/metrics"
	"github.com/dirsyncd/dirsyncd/internal/store"
)

// DirectoryStore is the directory lifecycle surface the worker drives:
// candidate listing, single-flight leasing, and the error state machine.
type DirectoryStore interface {
	ListSyncableDirectories(ctx context.Context) ([]store.Directory, error)
	GetDirectory(ctx context.Context, id uuid.UUID) (store.Directory, error)
	DirectoryEligible(ctx context.Context, id uuid.UUID) (bool, error)
	TryAcquireDirectoryLease(ctx context.Context, directoryID, holder uuid.UUID, ttlSeconds int64) (bool, error)
	ReleaseDirectoryLease(ctx context.Context, directoryID, holder uuid.UUID) error
	MarkDirectoryTransientError(ctx context.Context, id uuid.UUID, at time.Time, message string) (time.Time, error)
	DisableDirectory(ctx context.Context, id uuid.UUID, at time.Time, message, reason string) error
}

// AdapterFactory builds the provider adapter for a directory's config.
type AdapterFactory func(provider string, config []byte) (idp.Adapter, error)

type WorkerConfig struct {
	// Workers caps how many directories sync concurrently in one pass.
	Workers int

	// JobTimeout bounds a single directory sync end to end.
	JobTimeout time.Duration

	// TransientToFatal is how long a directory may fail transiently
	// before it is disabled anyway.
	TransientToFatal time.Duration
}

// Worker runs sync passes: it lists syncable directories, takes the
// per-directory lease, executes the engine and applies the resulting
// state transition. One Worker instance is one lease holder.
type Worker struct {
	store      DirectoryStore
	engine     *Engine
	newAdapter AdapterFactory
	cfg        WorkerConfig
	holder     uuid.UUID
	log        *slog.Logger
}

func NewWorker(st DirectoryStore, engine *Engine, newAdapter AdapterFactory, cfg WorkerConfig, log *slog.Logger) *Worker {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Minute
	}
	if cfg.TransientToFatal <= 0 {
		cfg.TransientToFatal = 24 * time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		store:      st,
		engine:     engine,
		newAdapter: newAdapter,
		cfg:        cfg,
		holder:     uuid.New(),
		log:        log,
	}
}

// RunOnce syncs every currently syncable directory, bounded by the
// worker pool size. Per-directory failures are absorbed into the state
// machine and never abort the pass.
func (w *Worker) RunOnce(ctx context.Context) error {
	dirs, err := w.store.ListSyncableDirectories(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Workers)
	for _, dir := range dirs {
		g.Go(func() error {
			w.SyncDirectory(ctx, dir.ID)
			return nil
		})
	}
	return g.Wait()
}

// SyncDirectory runs one full sync of the directory, if it can take the
// lease and the directory is still eligible by the time it does.
func (w *Worker) SyncDirectory(ctx context.Context, directoryID uuid.UUID) {
	log := w.log.With("directory", directoryID)

	// The lease outlives the job timeout so a wedged run can never
	// overlap its own successor.
	ttl := int64(w.cfg.JobTimeout/time.Second) + 60
	held, err := w.store.TryAcquireDirectoryLease(ctx, directoryID, w.holder, ttl)
	if err != nil {
		log.Error("lease acquisition failed", "err", err)
		return
	}
	if !held {
		log.Debug("sync already in flight elsewhere, skipping")
		return
	}
	defer func() {
		if err := w.store.ReleaseDirectoryLease(context.WithoutCancel(ctx), directoryID, w.holder); err != nil {
			log.Error("lease release failed", "err", err)
		}
	}()

	// Eligibility can change between listing and lease acquisition.
	eligible, err := w.store.DirectoryEligible(ctx, directoryID)
	if err != nil {
		log.Error("eligibility check failed", "err", err)
		return
	}
	if !eligible {
		log.Info("directory no longer eligible, skipping")
		return
	}

	dir, err := w.store.GetDirectory(ctx, directoryID)
	if err != nil {
		log.Error("load directory failed", "err", err)
		return
	}
	log = log.With("provider", dir.Provider, "name", dir.Name)

	adapter, err := w.newAdapter(dir.Provider, dir.Config)
	if err != nil {
		// An undecodable config cannot heal on its own.
		log.Error("adapter construction failed", "err", err)
		w.disable(ctx, dir, err.Error())
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	stats, runErr := w.engine.Run(runCtx, dir, adapter)
	w.observeRun(dir, stats, time.Since(start), runErr)

	if runErr != nil {
		w.applyFailure(context.WithoutCancel(ctx), dir, runErr, log)
		return
	}
	log.Info("sync complete", "duration", time.Since(start).Round(time.Millisecond))
}

func (w *Worker) observeRun(dir store.Directory, stats RunStats, elapsed time.Duration, runErr error) {
	provider, directory := dir.Provider, dir.ID.String()

	metrics.SyncDuration.WithLabelValues(provider, directory).Observe(elapsed.Seconds())

	status := "success"
	if runErr != nil {
		status = string(Classify(runErr))
	}
	metrics.SyncRunsTotal.WithLabelValues(provider, directory, status).Inc()

	written := map[string]store.BatchResult{
		"identities":  stats.Identities,
		"groups":      stats.Groups,
		"org_units":   stats.OrgUnits,
		"memberships": stats.Memberships,
	}
	for entity, res := range written {
		if n := res.Created + res.Updated; n > 0 {
			metrics.RowsWritten.WithLabelValues(provider, directory, entity).Add(float64(n))
		}
	}
	deleted := map[string]int64{
		"identities":  stats.DeletedIdentities,
		"groups":      stats.DeletedGroups,
		"memberships": stats.DeletedMemberships,
		"actors":      stats.DeletedActors,
	}
	for entity, n := range deleted {
		if n > 0 {
			metrics.RowsDeleted.WithLabelValues(provider, directory, entity).Add(float64(n))
		}
	}

	if runErr == nil {
		metrics.SyncLastSuccessTimestamp.WithLabelValues(provider, directory).SetToCurrentTime()
		return
	}
	var thresholdErr *DeletionThresholdError
	if errors.As(runErr, &thresholdErr) {
		metrics.DeletionBreakerTrips.WithLabelValues(provider, directory).Inc()
	}
}

// applyFailure runs the error state machine for a failed sync.
func (w *Worker) applyFailure(ctx context.Context, dir store.Directory, runErr error, log *slog.Logger) {
	kind := Classify(runErr)
	message := FormatError(dir.Provider, runErr)
	now := time.Now().UTC()

	switch NextAction(kind, true, dir.ErroredAt, now, w.cfg.TransientToFatal) {
	case ActionDisable:
		log.Error("sync failed, disabling directory", "kind", kind, "err", runErr)
		w.disable(ctx, dir, message)
	case ActionMarkTransient:
		log.Warn("sync failed transiently", "err", runErr)
		erroredAt, err := w.store.MarkDirectoryTransientError(ctx, dir.ID, now, message)
		if err != nil {
			log.Error("record transient error failed", "err", err)
			return
		}
		// The streak may have crossed the promotion window just now.
		if NextAction(kind, true, &erroredAt, now, w.cfg.TransientToFatal) == ActionDisable {
			log.Error("transient failures exceeded grace window, disabling directory")
			w.disable(ctx, dir, message)
		}
	}
}

func (w *Worker) disable(ctx context.Context, dir store.Directory, message string) {
	if err := w.store.DisableDirectory(ctx, dir.ID, time.Now().UTC(), message, DisabledReasonSyncError); err != nil {
		w.log.Error("disable directory failed", "directory", dir.ID, "err", err)
	}
}
