package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type UpsertMembershipsParams struct {
	AccountID   uuid.UUID
	DirectoryID uuid.UUID
	Issuer      string
	SyncedAt    time.Time
	Pairs       []MembershipPair
}

// upsertMembershipsSQL resolves provider-side id pairs to (actor_id,
// group_id) through the current identity and group rows. Pairs whose
// either side is unknown drop out of the join silently.
const upsertMembershipsSQL = `
WITH pairs AS (
	SELECT * FROM unnest($4::text[], $5::text[]) AS t(group_idp_id, user_idp_id)
),
resolved AS (
	SELECT DISTINCT ei.actor_id, g.id AS group_id
	FROM pairs p
	JOIN external_identities ei
	  ON ei.account_id = $1 AND ei.issuer = $3 AND ei.idp_id = p.user_idp_id
	JOIN groups g
	  ON g.account_id = $1 AND g.directory_id = $2 AND g.idp_id = p.group_idp_id
)
INSERT INTO memberships (account_id, actor_id, group_id, last_synced_at, inserted_at, updated_at)
SELECT $1, r.actor_id, r.group_id, $6, $6, $6
FROM resolved r
ON CONFLICT (actor_id, group_id) DO UPDATE SET
	last_synced_at = GREATEST(memberships.last_synced_at, EXCLUDED.last_synced_at),
	updated_at = EXCLUDED.updated_at
RETURNING (xmax = 0) AS created
`

func (s *Store) UpsertMemberships(ctx context.Context, p UpsertMembershipsParams) (BatchResult, error) {
	if len(p.Pairs) == 0 {
		return BatchResult{}, nil
	}

	groupIDs := make([]string, len(p.Pairs))
	userIDs := make([]string, len(p.Pairs))
	for i, pair := range p.Pairs {
		groupIDs[i] = pair.GroupIdpID
		userIDs[i] = pair.UserIdpID
	}

	rows, err := s.pool.Query(ctx, upsertMembershipsSQL,
		p.AccountID, p.DirectoryID, p.Issuer, groupIDs, userIDs, p.SyncedAt)
	if err != nil {
		return BatchResult{}, err
	}
	defer rows.Close()

	return collectBatchResult(rows)
}

// DeleteUnsyncedMemberships removes memberships of this directory's groups
// that the current run did not confirm.
func (s *Store) DeleteUnsyncedMemberships(ctx context.Context, directoryID uuid.UUID, syncedAt time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM memberships m
		USING groups g
		WHERE m.group_id = g.id
		  AND g.directory_id = $1
		  AND (m.last_synced_at IS NULL OR m.last_synced_at < $2)`,
		directoryID, syncedAt)
	return tag.RowsAffected(), err
}
