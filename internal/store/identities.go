package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type UpsertIdentitiesParams struct {
	AccountID   uuid.UUID
	DirectoryID uuid.UUID
	Issuer      string
	SyncedAt    time.Time
	Records     []IdentityRecord
}

// upsertIdentitiesSQL resolves each incoming record to an actor in three
// disjoint partitions — identity already known, actor matched by email
// (oldest actor wins), or a brand-new actor — then writes the identities
// in one statement. last_synced_at only ever moves forward.
const upsertIdentitiesSQL = `
WITH input_rows AS (
	SELECT *
	FROM unnest($4::text[], $5::text[], $6::text[], $7::text[], $8::text[], $9::text[])
	  AS t(idp_id, email, name, given_name, family_name, preferred_username)
),
existing_identities AS (
	SELECT i.idp_id, ei.actor_id
	FROM input_rows i
	JOIN external_identities ei
	  ON ei.account_id = $1 AND ei.issuer = $3 AND ei.idp_id = i.idp_id
),
unmatched AS (
	SELECT i.*
	FROM input_rows i
	LEFT JOIN existing_identities e ON e.idp_id = i.idp_id
	WHERE e.idp_id IS NULL
),
actors_by_email AS (
	SELECT DISTINCT ON (u.idp_id) u.idp_id, a.id AS actor_id
	FROM unmatched u
	JOIN actors a ON a.account_id = $1 AND lower(a.email) = u.email
	ORDER BY u.idp_id, a.inserted_at ASC
),
to_create AS (
	SELECT u.*
	FROM unmatched u
	LEFT JOIN actors_by_email ae ON ae.idp_id = u.idp_id
	WHERE ae.idp_id IS NULL
),
new_actors AS (
	INSERT INTO actors (id, account_id, type, name, email, created_by_directory_id, inserted_at, updated_at)
	SELECT DISTINCT ON (c.email)
	       uuid_generate_v4(), $1, 'user', c.name, c.email, $2, $10, $10
	FROM to_create c
	RETURNING id, email
),
actor_map AS (
	SELECT idp_id, actor_id FROM existing_identities
	UNION ALL
	SELECT idp_id, actor_id FROM actors_by_email
	UNION ALL
	SELECT c.idp_id, na.id FROM to_create c JOIN new_actors na ON na.email = c.email
)
INSERT INTO external_identities (
	account_id, actor_id, directory_id, issuer, idp_id,
	email, name, given_name, family_name, preferred_username,
	last_synced_at, inserted_at, updated_at
)
SELECT $1, am.actor_id, $2, $3, i.idp_id,
       i.email, i.name, i.given_name, i.family_name, i.preferred_username,
       $10, $10, $10
FROM input_rows i
JOIN actor_map am ON am.idp_id = i.idp_id
ON CONFLICT (account_id, issuer, idp_id) DO UPDATE SET
	actor_id = EXCLUDED.actor_id,
	directory_id = EXCLUDED.directory_id,
	email = EXCLUDED.email,
	name = EXCLUDED.name,
	given_name = EXCLUDED.given_name,
	family_name = EXCLUDED.family_name,
	preferred_username = EXCLUDED.preferred_username,
	last_synced_at = EXCLUDED.last_synced_at,
	updated_at = EXCLUDED.updated_at
WHERE external_identities.last_synced_at IS NULL
   OR external_identities.last_synced_at < EXCLUDED.last_synced_at
RETURNING (xmax = 0) AS created
`

// UpsertIdentities writes one batch of user records. Records must carry a
// non-empty idp_id and email; duplicate idp_ids within the batch collapse
// to the last occurrence before the statement runs.
func (s *Store) UpsertIdentities(ctx context.Context, p UpsertIdentitiesParams) (BatchResult, error) {
	records := DedupeIdentityRecords(p.Records)
	if len(records) == 0 {
		return BatchResult{}, nil
	}

	idpIDs := make([]string, len(records))
	emails := make([]string, len(records))
	names := make([]string, len(records))
	givenNames := make([]string, len(records))
	familyNames := make([]string, len(records))
	preferredUsernames := make([]string, len(records))
	for i, r := range records {
		idpIDs[i] = r.IdpID
		emails[i] = r.Email
		names[i] = r.Name
		givenNames[i] = r.GivenName
		familyNames[i] = r.FamilyName
		preferredUsernames[i] = r.PreferredUsername
	}

	rows, err := s.pool.Query(ctx, upsertIdentitiesSQL,
		p.AccountID, p.DirectoryID, p.Issuer,
		idpIDs, emails, names, givenNames, familyNames, preferredUsernames,
		p.SyncedAt)
	if err != nil {
		return BatchResult{}, err
	}
	defer rows.Close()

	return collectBatchResult(rows)
}

// DedupeIdentityRecords collapses duplicate idp_ids, keeping the last
// occurrence, and drops records missing idp_id or email. Input order of
// the survivors is preserved.
func DedupeIdentityRecords(records []IdentityRecord) []IdentityRecord {
	last := make(map[string]int, len(records))
	for i, r := range records {
		if r.IdpID == "" || r.Email == "" {
			continue
		}
		last[r.IdpID] = i
	}

	out := make([]IdentityRecord, 0, len(last))
	for i, r := range records {
		if idx, ok := last[r.IdpID]; ok && idx == i {
			out = append(out, records[idx])
		}
	}
	return out
}

func (s *Store) StaleIdentityCounts(ctx context.Context, directoryID uuid.UUID, syncedAt time.Time) (StaleCounts, error) {
	var c StaleCounts
	err := s.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE last_synced_at IS NULL OR last_synced_at < $2)
		FROM external_identities
		WHERE directory_id = $1`,
		directoryID, syncedAt).Scan(&c.Total, &c.Stale)
	return c, err
}

func (s *Store) DeleteUnsyncedIdentities(ctx context.Context, directoryID uuid.UUID, syncedAt time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM external_identities
		WHERE directory_id = $1
		  AND (last_synced_at IS NULL OR last_synced_at < $2)`,
		directoryID, syncedAt)
	return tag.RowsAffected(), err
}
