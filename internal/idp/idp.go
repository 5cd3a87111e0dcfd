// Package idp defines the contract every identity provider adapter
// implements, plus the provider-specific configuration payloads stored on
// a directory.
package idp

import (
	"context"
	"iter"
)

// UserRecord is one normalized user from a provider listing. Email is
// lowercased and trimmed by the adapter.
type UserRecord struct {
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

// Adapter is a streaming view over one provider tenant. The sequences are
// lazy: each pulls provider pages on demand and never buffers more than
// one page. A non-nil error terminates the sequence.
type Adapter interface {
	// Issuer is the URL-form issuer identities from this provider carry.
	Issuer() string

	// AccessToken performs the provider's OAuth flow and returns a bearer
	// token for the streaming calls.
	AccessToken(ctx context.Context) (string, error)

	Users(ctx context.Context, token string) iter.Seq2[UserRecord, error]
	Groups(ctx context.Context, token string) iter.Seq2[GroupRecord, error]

	// GroupMembers yields provider-side user ids for USER-type members of
	// the given group. Nested groups and external members are skipped.
	GroupMembers(ctx context.Context, token, groupIdpID string) iter.Seq2[string, error]

	// OrgUnits yields organizational units where the provider has them
	// (Google); elsewhere the sequence is empty.
	OrgUnits(ctx context.Context, token string) iter.Seq2[GroupRecord, error]

	// Verify probes a minimal request against each required scope.
	Verify(ctx context.Context) error
}

// EmptySeq is the empty stream, for providers without a given resource.
func EmptySeq[T any]() iter.Seq2[T, error] {
	return func(func(T, error) bool) {}
}
