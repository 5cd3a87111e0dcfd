package syncer

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dirsyncd/dirsyncd/internal/idp"
	"github.com/dirsyncd/dirsyncd/internal/store"
)

type fakeAdapter struct {
	issuer    string
	token     string
	tokenErr  error
	users     []idp.UserRecord
	usersErr  error
	groups    []idp.GroupRecord
	groupsErr error
	orgUnits  []idp.GroupRecord
	members   map[string][]string
}

func (a *fakeAdapter) Issuer() string {
	if a.issuer == "" {
		return "https://idp.test"
	}
	return a.issuer
}

func (a *fakeAdapter) AccessToken(context.Context) (string, error) {
	if a.tokenErr != nil {
		return "", a.tokenErr
	}
	if a.token == "" {
		return "tok", nil
	}
	return a.token, nil
}

func seqOf[T any](items []T, trailing error) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for _, item := range items {
			if !yield(item, nil) {
				return
			}
		}
		if trailing != nil {
			var zero T
			yield(zero, trailing)
		}
	}
}

func (a *fakeAdapter) Users(context.Context, string) iter.Seq2[idp.UserRecord, error] {
	return seqOf(a.users, a.usersErr)
}

func (a *fakeAdapter) Groups(context.Context, string) iter.Seq2[idp.GroupRecord, error] {
	return seqOf(a.groups, a.groupsErr)
}

func (a *fakeAdapter) OrgUnits(context.Context, string) iter.Seq2[idp.GroupRecord, error] {
	return seqOf(a.orgUnits, nil)
}

func (a *fakeAdapter) GroupMembers(_ context.Context, _ string, groupID string) iter.Seq2[string, error] {
	return seqOf(a.members[groupID], nil)
}

func (a *fakeAdapter) Verify(context.Context) error { return nil }

// fakeStore implements both the engine's Store and the worker's
// DirectoryStore, recording every mutation.
type fakeStore struct {
	mu sync.Mutex

	identityBatches   [][]store.IdentityRecord
	groupBatches      []store.UpsertGroupsParams
	membershipBatches [][]store.MembershipPair
	upsertErr         error

	staleIdentities   store.StaleCounts
	staleGroups       store.StaleCounts
	staleCountsCalled bool

	deleteOrder []string
	finalizedAt *time.Time

	directories []store.Directory
	leaseHeld   bool
	leaseDenied bool
	released    bool
	ineligible  bool

	transientAnchor *time.Time
	transientMsgs   []string
	disabledWith    []string
	disabledReason  string
}

func (f *fakeStore) UpsertIdentities(_ context.Context, p store.UpsertIdentitiesParams) (store.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return store.BatchResult{}, f.upsertErr
	}
	f.identityBatches = append(f.identityBatches, p.Records)
	return store.BatchResult{Created: int64(len(p.Records))}, nil
}

func (f *fakeStore) UpsertGroups(_ context.Context, p store.UpsertGroupsParams) (store.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groupBatches = append(f.groupBatches, p)
	return store.BatchResult{Created: int64(len(p.Records))}, nil
}

func (f *fakeStore) UpsertMemberships(_ context.Context, p store.UpsertMembershipsParams) (store.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.membershipBatches = append(f.membershipBatches, p.Pairs)
	return store.BatchResult{Created: int64(len(p.Pairs))}, nil
}

func (f *fakeStore) StaleIdentityCounts(context.Context, uuid.UUID, time.Time) (store.StaleCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staleCountsCalled = true
	return f.staleIdentities, nil
}

func (f *fakeStore) StaleGroupCounts(context.Context, uuid.UUID, time.Time) (store.StaleCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staleCountsCalled = true
	return f.staleGroups, nil
}

func (f *fakeStore) delete(kind string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteOrder = append(f.deleteOrder, kind)
	return 1
}

func (f *fakeStore) DeleteUnsyncedGroups(context.Context, uuid.UUID, time.Time) (int64, error) {
	return f.delete("groups"), nil
}

func (f *fakeStore) DeleteUnsyncedIdentities(context.Context, uuid.UUID, time.Time) (int64, error) {
	return f.delete("identities"), nil
}

func (f *fakeStore) DeleteUnsyncedMemberships(context.Context, uuid.UUID, time.Time) (int64, error) {
	return f.delete("memberships"), nil
}

func (f *fakeStore) DeleteOrphanActors(context.Context, uuid.UUID) (int64, error) {
	return f.delete("actors"), nil
}

func (f *fakeStore) FinalizeDirectorySync(_ context.Context, _ uuid.UUID, syncedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalizedAt = &syncedAt
	return nil
}

func (f *fakeStore) ListSyncableDirectories(context.Context) ([]store.Directory, error) {
	return f.directories, nil
}

func (f *fakeStore) GetDirectory(_ context.Context, id uuid.UUID) (store.Directory, error) {
	for _, d := range f.directories {
		if d.ID == id {
			return d, nil
		}
	}
	return store.Directory{}, errors.New("not found")
}

func (f *fakeStore) DirectoryEligible(context.Context, uuid.UUID) (bool, error) {
	return !f.ineligible, nil
}

func (f *fakeStore) TryAcquireDirectoryLease(context.Context, uuid.UUID, uuid.UUID, int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.leaseDenied {
		return false, nil
	}
	f.leaseHeld = true
	return true, nil
}

func (f *fakeStore) ReleaseDirectoryLease(context.Context, uuid.UUID, uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = true
	return nil
}

func (f *fakeStore) MarkDirectoryTransientError(_ context.Context, _ uuid.UUID, at time.Time, message string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transientMsgs = append(f.transientMsgs, message)
	if f.transientAnchor != nil {
		return *f.transientAnchor, nil
	}
	f.transientAnchor = &at
	return at, nil
}

func (f *fakeStore) DisableDirectory(_ context.Context, _ uuid.UUID, _ time.Time, message, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disabledWith = append(f.disabledWith, message)
	f.disabledReason = reason
	return nil
}

func testDirectory(syncedAt *time.Time) store.Directory {
	return store.Directory{
		ID:        uuid.New(),
		AccountID: uuid.New(),
		Provider:  store.ProviderGoogle,
		Name:      "corp.test",
		SyncedAt:  syncedAt,
	}
}

func testEngine(f *fakeStore) *Engine {
	return NewEngine(f, EngineConfig{
		BatchSizeIdentities:      2,
		BatchSizeMemberships:     3,
		GroupsPerMembershipChunk: 2,
		DeletionThresholdRatio:   0.90,
		DeletionThresholdMinRows: 10,
	}, nil)
}

func TestRun_FullReconciliation(t *testing.T) {
	t.Parallel()

	f := &fakeStore{}
	adapter := &fakeAdapter{
		users: []idp.UserRecord{
			{IdpID: "u1", Email: "a@corp.test"},
			{IdpID: "u2", Email: "b@corp.test"},
			{IdpID: "u3", Email: "c@corp.test"},
		},
		groups:   []idp.GroupRecord{{IdpID: "g1", Name: "Staff"}},
		orgUnits: []idp.GroupRecord{{IdpID: "ou1", Name: "Engineering"}},
		members:  map[string][]string{"g1": {"u1", "u2"}},
	}

	stats, err := testEngine(f).Run(context.Background(), testDirectory(nil), adapter)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Users flushed in provider order at the batch size.
	if len(f.identityBatches) != 2 {
		t.Fatalf("identity batches = %d, want 2", len(f.identityBatches))
	}
	if len(f.identityBatches[0]) != 2 || len(f.identityBatches[1]) != 1 {
		t.Fatalf("batch sizes = %d, %d, want 2, 1", len(f.identityBatches[0]), len(f.identityBatches[1]))
	}
	if stats.Identities.Created != 3 {
		t.Fatalf("identities created = %d, want 3", stats.Identities.Created)
	}

	// Groups and org units land with distinct entity types.
	if len(f.groupBatches) != 2 {
		t.Fatalf("group batches = %d, want 2", len(f.groupBatches))
	}
	if f.groupBatches[0].EntityType != store.GroupEntityGroup {
		t.Fatalf("first entity type = %q", f.groupBatches[0].EntityType)
	}
	if f.groupBatches[1].EntityType != store.GroupEntityOrgUnit {
		t.Fatalf("second entity type = %q", f.groupBatches[1].EntityType)
	}

	// Memberships only for groups, never org units.
	if len(f.membershipBatches) != 1 {
		t.Fatalf("membership batches = %d, want 1", len(f.membershipBatches))
	}
	if got := f.membershipBatches[0]; len(got) != 2 || got[0].GroupIdpID != "g1" || got[0].UserIdpID != "u1" {
		t.Fatalf("membership pairs = %v", got)
	}

	// First sync skips the breaker entirely.
	if f.staleCountsCalled {
		t.Fatal("stale counts consulted on first sync")
	}

	// Tombstones run in fixed order, then the watermark advances.
	wantOrder := []string{"groups", "identities", "memberships", "actors"}
	if len(f.deleteOrder) != len(wantOrder) {
		t.Fatalf("delete order = %v, want %v", f.deleteOrder, wantOrder)
	}
	for i, want := range wantOrder {
		if f.deleteOrder[i] != want {
			t.Fatalf("delete order = %v, want %v", f.deleteOrder, wantOrder)
		}
	}
	if f.finalizedAt == nil || !f.finalizedAt.Equal(stats.SyncedAt) {
		t.Fatalf("finalized at = %v, want %v", f.finalizedAt, stats.SyncedAt)
	}
}

func TestRun_DeletionBreakerTripsAtThreshold(t *testing.T) {
	t.Parallel()

	prior := time.Now().Add(-time.Hour)
	f := &fakeStore{staleIdentities: store.StaleCounts{Total: 10, Stale: 9}}
	adapter := &fakeAdapter{}

	_, err := testEngine(f).Run(context.Background(), testDirectory(&prior), adapter)

	var thresholdErr *DeletionThresholdError
	if !errors.As(err, &thresholdErr) {
		t.Fatalf("error = %v, want DeletionThresholdError", err)
	}
	if thresholdErr.Resource != "identities" || thresholdErr.ToDelete != 9 || thresholdErr.Total != 10 {
		t.Fatalf("threshold error = %+v", thresholdErr)
	}
	if len(f.deleteOrder) != 0 {
		t.Fatalf("deletes ran after breaker trip: %v", f.deleteOrder)
	}
	if f.finalizedAt != nil {
		t.Fatal("watermark advanced after breaker trip")
	}
	if got := Classify(err); got != KindClientError {
		t.Fatalf("Classify() = %v, want client_error", got)
	}
}

func TestRun_DeletionBreakerNeedsMinimumRows(t *testing.T) {
	t.Parallel()

	prior := time.Now().Add(-time.Hour)
	f := &fakeStore{staleIdentities: store.StaleCounts{Total: 9, Stale: 9}}

	if _, err := testEngine(f).Run(context.Background(), testDirectory(&prior), &fakeAdapter{}); err != nil {
		t.Fatalf("Run() error = %v, small tables must not trip the breaker", err)
	}
	if f.finalizedAt == nil {
		t.Fatal("run did not finalize")
	}
}

func TestRun_DeletionBreakerChecksGroupsToo(t *testing.T) {
	t.Parallel()

	prior := time.Now().Add(-time.Hour)
	f := &fakeStore{staleGroups: store.StaleCounts{Total: 20, Stale: 19}}

	_, err := testEngine(f).Run(context.Background(), testDirectory(&prior), &fakeAdapter{})

	var thresholdErr *DeletionThresholdError
	if !errors.As(err, &thresholdErr) {
		t.Fatalf("error = %v, want DeletionThresholdError", err)
	}
	if thresholdErr.Resource != "groups" {
		t.Fatalf("resource = %q, want groups", thresholdErr.Resource)
	}
}

func TestRun_StreamErrorCarriesStep(t *testing.T) {
	t.Parallel()

	f := &fakeStore{}
	adapter := &fakeAdapter{
		users:    []idp.UserRecord{{IdpID: "u1", Email: "a@corp.test"}},
		usersErr: errors.New("connection reset"),
	}

	_, err := testEngine(f).Run(context.Background(), testDirectory(nil), adapter)

	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("error = %v, want StepError", err)
	}
	if stepErr.Step != StepStreamUsers {
		t.Fatalf("step = %q, want %q", stepErr.Step, StepStreamUsers)
	}
	if f.finalizedAt != nil {
		t.Fatal("watermark advanced after failed run")
	}
	if len(f.deleteOrder) != 0 {
		t.Fatalf("tombstones ran after failed run: %v", f.deleteOrder)
	}
}

func TestRun_TokenErrorCarriesStep(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{tokenErr: errors.New("invalid_grant")}

	_, err := testEngine(&fakeStore{}).Run(context.Background(), testDirectory(nil), adapter)

	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != StepGetAccessToken {
		t.Fatalf("error = %v, want %s StepError", err, StepGetAccessToken)
	}
}

func TestRun_MembershipChunkingFlushes(t *testing.T) {
	t.Parallel()

	f := &fakeStore{}
	adapter := &fakeAdapter{
		groups: []idp.GroupRecord{
			{IdpID: "g1", Name: "One"},
			{IdpID: "g2", Name: "Two"},
			{IdpID: "g3", Name: "Three"},
		},
		members: map[string][]string{
			"g1": {"u1", "u2"},
			"g2": {"u3", "u4"},
			"g3": {"u5"},
		},
	}

	stats, err := testEngine(f).Run(context.Background(), testDirectory(nil), adapter)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.Memberships.Created != 5 {
		t.Fatalf("memberships created = %d, want 5", stats.Memberships.Created)
	}

	var total int
	for _, batch := range f.membershipBatches {
		if len(batch) > 3 {
			t.Fatalf("batch of %d exceeds membership batch size 3", len(batch))
		}
		total += len(batch)
	}
	if total != 5 {
		t.Fatalf("pairs written = %d, want 5", total)
	}
}
