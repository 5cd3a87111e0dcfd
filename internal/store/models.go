package store

import (
	"time"

	"github.com/google/uuid"
)

const (
	ProviderGoogle = "google"
	ProviderEntra  = "entra"
	ProviderOkta   = "okta"
)

// FeatureIDPSync gates directory sync per account.
const FeatureIDPSync = "idp_sync"

type Account struct {
	ID         uuid.UUID
	Name       string
	Features   map[string]bool
	DisabledAt *time.Time
	InsertedAt time.Time
	UpdatedAt  time.Time
}

type Directory struct {
	ID              uuid.UUID
	AccountID       uuid.UUID
	Provider        string
	Name            string
	Config          []byte
	SyncedAt        *time.Time
	ErroredAt       *time.Time
	ErrorMessage    *string
	ErrorEmailCount int
	IsDisabled      bool
	DisabledReason  *string
	IsVerified      bool
	InsertedAt      time.Time
	UpdatedAt       time.Time
}

// IdentityRecord is one normalized user row as produced by a provider
// adapter. Email must already be lowercased and trimmed.
type IdentityRecord struct {
	IdpID             string
	Email             string
	Name              string
	GivenName         string
	FamilyName        string
	PreferredUsername string
}

type GroupRecord struct {
	IdpID string
	Name  string
}

// MembershipPair links a group to a user by their provider-side ids.
type MembershipPair struct {
	GroupIdpID string
	UserIdpID  string
}

// BatchResult reports how many rows a batch upsert created vs updated.
// Rows skipped by the monotonic last_synced_at guard count in neither.
type BatchResult struct {
	Created int64
	Updated int64
}

type StaleCounts struct {
	Total int64
	Stale int64
}
