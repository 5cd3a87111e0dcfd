package store

import (
	"context"

	"github.com/google/uuid"
)

// DeleteOrphanActors removes actors this directory created whose last
// external identity is gone.
func (s *Store) DeleteOrphanActors(ctx context.Context, directoryID uuid.UUID) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM actors a
		WHERE a.created_by_directory_id = $1
		  AND NOT EXISTS (
			SELECT 1 FROM external_identities ei WHERE ei.actor_id = a.id
		  )`,
		directoryID)
	return tag.RowsAffected(), err
}
