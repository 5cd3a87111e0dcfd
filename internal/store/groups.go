package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	GroupEntityGroup   = "group"
	GroupEntityOrgUnit = "org_unit"
)

type UpsertGroupsParams struct {
	AccountID   uuid.UUID
	DirectoryID uuid.UUID
	EntityType  string
	SyncedAt    time.Time
	Records     []GroupRecord
}

const upsertGroupsSQL = `
WITH input_rows AS (
	SELECT * FROM unnest($4::text[], $5::text[]) AS t(idp_id, name)
)
INSERT INTO groups (account_id, directory_id, idp_id, entity_type, name, last_synced_at, inserted_at, updated_at)
SELECT $1, $2, i.idp_id, $3, i.name, $6, $6, $6
FROM input_rows i
ON CONFLICT (account_id, idp_id) WHERE idp_id IS NOT NULL DO UPDATE SET
	directory_id = EXCLUDED.directory_id,
	entity_type = EXCLUDED.entity_type,
	name = EXCLUDED.name,
	last_synced_at = EXCLUDED.last_synced_at,
	updated_at = EXCLUDED.updated_at
WHERE groups.last_synced_at IS NULL
   OR groups.last_synced_at < EXCLUDED.last_synced_at
RETURNING (xmax = 0) AS created
`

// UpsertGroups writes one batch of group (or org unit) records. Duplicate
// idp_ids within the batch collapse to the last occurrence.
func (s *Store) UpsertGroups(ctx context.Context, p UpsertGroupsParams) (BatchResult, error) {
	records := DedupeGroupRecords(p.Records)
	if len(records) == 0 {
		return BatchResult{}, nil
	}

	entityType := p.EntityType
	if entityType == "" {
		entityType = GroupEntityGroup
	}

	idpIDs := make([]string, len(records))
	names := make([]string, len(records))
	for i, r := range records {
		idpIDs[i] = r.IdpID
		names[i] = r.Name
	}

	rows, err := s.pool.Query(ctx, upsertGroupsSQL,
		p.AccountID, p.DirectoryID, entityType, idpIDs, names, p.SyncedAt)
	if err != nil {
		return BatchResult{}, err
	}
	defer rows.Close()

	return collectBatchResult(rows)
}

func DedupeGroupRecords(records []GroupRecord) []GroupRecord {
	last := make(map[string]int, len(records))
	for i, r := range records {
		if r.IdpID == "" {
			continue
		}
		last[r.IdpID] = i
	}

	out := make([]GroupRecord, 0, len(last))
	for i, r := range records {
		if idx, ok := last[r.IdpID]; ok && idx == i {
			out = append(out, records[idx])
		}
	}
	return out
}

func (s *Store) StaleGroupCounts(ctx context.Context, directoryID uuid.UUID, syncedAt time.Time) (StaleCounts, error) {
	var c StaleCounts
	err := s.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE last_synced_at IS NULL OR last_synced_at < $2)
		FROM groups
		WHERE directory_id = $1`,
		directoryID, syncedAt).Scan(&c.Total, &c.Stale)
	return c, err
}

func (s *Store) DeleteUnsyncedGroups(ctx context.Context, directoryID uuid.UUID, syncedAt time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM groups
		WHERE directory_id = $1
		  AND (last_synced_at IS NULL OR last_synced_at < $2)`,
		directoryID, syncedAt)
	return tag.RowsAffected(), err
}

func collectBatchResult(rows pgx.Rows) (BatchResult, error) {
	var res BatchResult
	for rows.Next() {
		var created bool
		if err := rows.Scan(&created); err != nil {
			return res, err
		}
		if created {
			res.Created++
		} else {
			res.Updated++
		}
	}
	return res, rows.Err()
}
