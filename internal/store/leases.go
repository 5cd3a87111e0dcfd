package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TryAcquireDirectoryLease takes the per-directory single-flight lease.
// A live lease held by someone else wins; an expired lease is stolen.
// Returns false without error when the lease is unavailable.
func (s *Store) TryAcquireDirectoryLease(ctx context.Context, directoryID, holder uuid.UUID, ttlSeconds int64) (bool, error) {
	var got uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO directory_leases (directory_id, holder, acquired_at, expires_at)
		VALUES ($1, $2, now(), now() + make_interval(secs => $3))
		ON CONFLICT (directory_id) DO UPDATE SET
			holder = EXCLUDED.holder,
			acquired_at = now(),
			expires_at = EXCLUDED.expires_at
		WHERE directory_leases.expires_at <= now()
		RETURNING directory_id`,
		directoryID, holder, ttlSeconds).Scan(&got)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RenewDirectoryLease extends a held lease. pgx.ErrNoRows means the lease
// was lost (expired and stolen, or released elsewhere).
func (s *Store) RenewDirectoryLease(ctx context.Context, directoryID, holder uuid.UUID, ttlSeconds int64) error {
	var got uuid.UUID
	return s.pool.QueryRow(ctx, `
		UPDATE directory_leases
		SET expires_at = now() + make_interval(secs => $3)
		WHERE directory_id = $1 AND holder = $2
		RETURNING directory_id`,
		directoryID, holder, ttlSeconds).Scan(&got)
}

func (s *Store) ReleaseDirectoryLease(ctx context.Context, directoryID, holder uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM directory_leases
		WHERE directory_id = $1 AND holder = $2`,
		directoryID, holder)
	return err
}
