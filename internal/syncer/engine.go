// Package syncer reconciles directory contents from an identity provider
// into the database: streamed upserts, a deletion circuit breaker,
// tombstoning, and the directory error state machine.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dirsyncd/dirsyncd/internal/idp"
	"github.com/dirsyncd/dirsyncd/internal/store"
)

// batchTimeout bounds a single batch upsert so one stuck statement
// cannot eat the whole job wall clock.
const batchTimeout = 30 * time.Second

// Steps identify where in a run an error surfaced.
const (
	StepGetAccessToken          = "get_access_token"
	StepStreamUsers             = "stream_users"
	StepStreamGroups            = "stream_groups"
	StepStreamGroupMembers      = "stream_group_members"
	StepStreamOrgUnits          = "stream_org_units"
	StepBatchUpsertIdentities   = "batch_upsert_identities"
	StepBatchUpsertGroups       = "batch_upsert_groups"
	StepBatchUpsertMemberships  = "batch_upsert_memberships"
	StepCheckDeletionThreshold  = "check_deletion_threshold"
	StepTombstone               = "tombstone"
	StepFinalize                = "finalize"
)

// StepError tags an error with the run step it came from.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return e.Step + ": " + e.Err.Error() }
func (e *StepError) Unwrap() error { return e.Err }

// DeletionThresholdError aborts a run that would tombstone most of a
// directory, which usually means the provider returned a truncated or
// empty listing rather than a genuine mass offboarding.
type DeletionThresholdError struct {
	Resource  string
	Total     int64
	ToDelete  int64
	Threshold float64
}

func (e *DeletionThresholdError) Error() string {
	return fmt.Sprintf("deletion threshold exceeded for %s: would delete %d of %d rows (threshold %.0f%%)",
		e.Resource, e.ToDelete, e.Total, e.Threshold*100)
}

// Store is the persistence surface the engine drives.
type Store interface {
	UpsertIdentities(ctx context.Context, p store.UpsertIdentitiesParams) (store.BatchResult, error)
	UpsertGroups(ctx context.Context, p store.UpsertGroupsParams) (store.BatchResult, error)
	UpsertMemberships(ctx context.Context, p store.UpsertMembershipsParams) (store.BatchResult, error)
	StaleIdentityCounts(ctx context.Context, directoryID uuid.UUID, syncedAt time.Time) (store.StaleCounts, error)
	StaleGroupCounts(ctx context.Context, directoryID uuid.UUID, syncedAt time.Time) (store.StaleCounts, error)
	DeleteUnsyncedGroups(ctx context.Context, directoryID uuid.UUID, syncedAt time.Time) (int64, error)
	DeleteUnsyncedIdentities(ctx context.Context, directoryID uuid.UUID, syncedAt time.Time) (int64, error)
	DeleteUnsyncedMemberships(ctx context.Context, directoryID uuid.UUID, syncedAt time.Time) (int64, error)
	DeleteOrphanActors(ctx context.Context, directoryID uuid.UUID) (int64, error)
	FinalizeDirectorySync(ctx context.Context, id uuid.UUID, syncedAt time.Time) error
}

type EngineConfig struct {
	BatchSizeIdentities      int
	BatchSizeMemberships     int
	GroupsPerMembershipChunk int
	DeletionThresholdRatio   float64
	DeletionThresholdMinRows int64
}

type Engine struct {
	store Store
	cfg   EngineConfig
	log   *slog.Logger
}

func NewEngine(st Store, cfg EngineConfig, log *slog.Logger) *Engine {
	if cfg.BatchSizeIdentities <= 0 {
		cfg.BatchSizeIdentities = 100
	}
	if cfg.BatchSizeMemberships <= 0 {
		cfg.BatchSizeMemberships = 100
	}
	if cfg.GroupsPerMembershipChunk <= 0 {
		cfg.GroupsPerMembershipChunk = 50
	}
	if cfg.DeletionThresholdRatio <= 0 || cfg.DeletionThresholdRatio > 1 {
		cfg.DeletionThresholdRatio = 0.90
	}
	if cfg.DeletionThresholdMinRows <= 0 {
		cfg.DeletionThresholdMinRows = 10
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: st, cfg: cfg, log: log}
}

type RunStats struct {
	SyncedAt time.Time

	Identities  store.BatchResult
	Groups      store.BatchResult
	OrgUnits    store.BatchResult
	Memberships store.BatchResult

	DeletedGroups      int64
	DeletedIdentities  int64
	DeletedMemberships int64
	DeletedActors      int64
}

// Run executes one full reconciliation of the directory. The run
// timestamp is captured once up front and used as the uniform high-water
// mark for every row written; every batch is its own transaction, so a
// failure or cancellation part-way leaves earlier batches committed and a
// later complete run tombstones the remainder.
func (e *Engine) Run(ctx context.Context, dir store.Directory, adapter idp.Adapter) (RunStats, error) {
	syncedAt := time.Now().UTC()
	stats := RunStats{SyncedAt: syncedAt}
	log := e.log.With("directory", dir.ID, "provider", dir.Provider)

	token, err := adapter.AccessToken(ctx)
	if err != nil {
		return stats, &StepError{Step: StepGetAccessToken, Err: err}
	}

	// Phase 1: users.
	if err := e.syncUsers(ctx, dir, adapter, token, syncedAt, &stats); err != nil {
		return stats, err
	}
	log.Info("users synced", "created", stats.Identities.Created, "updated", stats.Identities.Updated)

	// Phase 2: groups, then org units where the provider has them.
	groupIDs, err := e.syncGroups(ctx, dir, adapter, token, syncedAt, &stats)
	if err != nil {
		return stats, err
	}
	log.Info("groups synced",
		"created", stats.Groups.Created+stats.OrgUnits.Created,
		"updated", stats.Groups.Updated+stats.OrgUnits.Updated)

	// Phase 3: memberships, resolved against the rows just written.
	if err := e.syncMemberships(ctx, dir, adapter, token, syncedAt, groupIDs, &stats); err != nil {
		return stats, err
	}
	log.Info("memberships synced", "created", stats.Memberships.Created, "updated", stats.Memberships.Updated)

	// Phase 4: circuit breaker, only once a prior baseline exists.
	if dir.SyncedAt != nil {
		if err := e.checkDeletionThreshold(ctx, dir.ID, syncedAt); err != nil {
			return stats, err
		}
	}

	// Phase 5: tombstone what the run did not confirm, in fixed order.
	if err := e.tombstone(ctx, dir.ID, syncedAt, &stats); err != nil {
		return stats, err
	}
	log.Info("tombstoned",
		"groups", stats.DeletedGroups,
		"identities", stats.DeletedIdentities,
		"memberships", stats.DeletedMemberships,
		"actors", stats.DeletedActors)

	// Phase 6: finalize.
	if err := e.store.FinalizeDirectorySync(ctx, dir.ID, syncedAt); err != nil {
		return stats, &StepError{Step: StepFinalize, Err: err}
	}

	return stats, nil
}

func (e *Engine) syncUsers(ctx context.Context, dir store.Directory, adapter idp.Adapter, token string, syncedAt time.Time, stats *RunStats) error {
	batch := make([]store.IdentityRecord, 0, e.cfg.BatchSizeIdentities)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		batchCtx, cancel := context.WithTimeout(ctx, batchTimeout)
		defer cancel()
		res, err := e.store.UpsertIdentities(batchCtx, store.UpsertIdentitiesParams{
			AccountID:   dir.AccountID,
			DirectoryID: dir.ID,
			Issuer:      adapter.Issuer(),
			SyncedAt:    syncedAt,
			Records:     batch,
		})
		if err != nil {
			return &StepError{Step: StepBatchUpsertIdentities, Err: err}
		}
		stats.Identities.Created += res.Created
		stats.Identities.Updated += res.Updated
		batch = batch[:0]
		return nil
	}

	for rec, err := range adapter.Users(ctx, token) {
		if err != nil {
			return &StepError{Step: StepStreamUsers, Err: err}
		}
		batch = append(batch, store.IdentityRecord(rec))
		if len(batch) >= e.cfg.BatchSizeIdentities {
			if err := flush(); err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return &StepError{Step: StepStreamUsers, Err: err}
			}
		}
	}
	return flush()
}

func (e *Engine) syncGroups(ctx context.Context, dir store.Directory, adapter idp.Adapter, token string, syncedAt time.Time, stats *RunStats) ([]string, error) {
	var groupIDs []string

	sync := func(seq func(yield func(idp.GroupRecord, error) bool), entityType, step string, result *store.BatchResult, collect bool) error {
		batch := make([]store.GroupRecord, 0, e.cfg.BatchSizeIdentities)

		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			batchCtx, cancel := context.WithTimeout(ctx, batchTimeout)
			defer cancel()
			res, err := e.store.UpsertGroups(batchCtx, store.UpsertGroupsParams{
				AccountID:   dir.AccountID,
				DirectoryID: dir.ID,
				EntityType:  entityType,
				SyncedAt:    syncedAt,
				Records:     batch,
			})
			if err != nil {
				return &StepError{Step: StepBatchUpsertGroups, Err: err}
			}
			result.Created += res.Created
			result.Updated += res.Updated
			batch = batch[:0]
			return nil
		}

		for rec, err := range seq {
			if err != nil {
				return &StepError{Step: step, Err: err}
			}
			batch = append(batch, store.GroupRecord(rec))
			if collect {
				groupIDs = append(groupIDs, rec.IdpID)
			}
			if len(batch) >= e.cfg.BatchSizeIdentities {
				if err := flush(); err != nil {
					return err
				}
				if err := ctx.Err(); err != nil {
					return &StepError{Step: step, Err: err}
				}
			}
		}
		return flush()
	}

	if err := sync(adapter.Groups(ctx, token), store.GroupEntityGroup, StepStreamGroups, &stats.Groups, true); err != nil {
		return nil, err
	}
	// Org units never carry memberships.
	if err := sync(adapter.OrgUnits(ctx, token), store.GroupEntityOrgUnit, StepStreamOrgUnits, &stats.OrgUnits, false); err != nil {
		return nil, err
	}
	return groupIDs, nil
}

func (e *Engine) syncMemberships(ctx context.Context, dir store.Directory, adapter idp.Adapter, token string, syncedAt time.Time, groupIDs []string, stats *RunStats) error {
	pairs := make([]store.MembershipPair, 0, e.cfg.BatchSizeMemberships)

	flush := func() error {
		if len(pairs) == 0 {
			return nil
		}
		batchCtx, cancel := context.WithTimeout(ctx, batchTimeout)
		defer cancel()
		res, err := e.store.UpsertMemberships(batchCtx, store.UpsertMembershipsParams{
			AccountID:   dir.AccountID,
			DirectoryID: dir.ID,
			Issuer:      adapter.Issuer(),
			SyncedAt:    syncedAt,
			Pairs:       pairs,
		})
		if err != nil {
			return &StepError{Step: StepBatchUpsertMemberships, Err: err}
		}
		stats.Memberships.Created += res.Created
		stats.Memberships.Updated += res.Updated
		pairs = pairs[:0]
		return nil
	}

	// Groups are walked in bounded chunks so a directory with thousands
	// of groups does not hold the whole member fan-out at once.
	for start := 0; start < len(groupIDs); start += e.cfg.GroupsPerMembershipChunk {
		end := min(start+e.cfg.GroupsPerMembershipChunk, len(groupIDs))
		for _, groupID := range groupIDs[start:end] {
			for userID, err := range adapter.GroupMembers(ctx, token, groupID) {
				if err != nil {
					return &StepError{Step: StepStreamGroupMembers, Err: err}
				}
				pairs = append(pairs, store.MembershipPair{GroupIdpID: groupID, UserIdpID: userID})
				if len(pairs) >= e.cfg.BatchSizeMemberships {
					if err := flush(); err != nil {
						return err
					}
					if err := ctx.Err(); err != nil {
						return &StepError{Step: StepStreamGroupMembers, Err: err}
					}
				}
			}
		}
		if err := flush(); err != nil {
			return err
		}
	}
	return flush()
}

func (e *Engine) checkDeletionThreshold(ctx context.Context, directoryID uuid.UUID, syncedAt time.Time) error {
	checks := []struct {
		resource string
		count    func(context.Context, uuid.UUID, time.Time) (store.StaleCounts, error)
	}{
		{"identities", e.store.StaleIdentityCounts},
		{"groups", e.store.StaleGroupCounts},
	}
	for _, check := range checks {
		counts, err := check.count(ctx, directoryID, syncedAt)
		if err != nil {
			return &StepError{Step: StepCheckDeletionThreshold, Err: err}
		}
		if counts.Total < e.cfg.DeletionThresholdMinRows {
			continue
		}
		if ratio := float64(counts.Stale) / float64(counts.Total); ratio >= e.cfg.DeletionThresholdRatio {
			return &StepError{Step: StepCheckDeletionThreshold, Err: &DeletionThresholdError{
				Resource:  check.resource,
				Total:     counts.Total,
				ToDelete:  counts.Stale,
				Threshold: e.cfg.DeletionThresholdRatio,
			}}
		}
	}
	return nil
}

func (e *Engine) tombstone(ctx context.Context, directoryID uuid.UUID, syncedAt time.Time, stats *RunStats) error {
	var err error
	if stats.DeletedGroups, err = e.store.DeleteUnsyncedGroups(ctx, directoryID, syncedAt); err != nil {
		return &StepError{Step: StepTombstone, Err: err}
	}
	if stats.DeletedIdentities, err = e.store.DeleteUnsyncedIdentities(ctx, directoryID, syncedAt); err != nil {
		return &StepError{Step: StepTombstone, Err: err}
	}
	if stats.DeletedMemberships, err = e.store.DeleteUnsyncedMemberships(ctx, directoryID, syncedAt); err != nil {
		return &StepError{Step: StepTombstone, Err: err}
	}
	if stats.DeletedActors, err = e.store.DeleteOrphanActors(ctx, directoryID); err != nil {
		return &StepError{Step: StepTombstone, Err: err}
	}
	return nil
}
