package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const directoryColumns = `id, account_id, provider, name, config,
	synced_at, errored_at, error_message, error_email_count,
	is_disabled, disabled_reason, is_verified, inserted_at, updated_at`

func scanDirectory(row pgx.Row) (Directory, error) {
	var d Directory
	err := row.Scan(
		&d.ID, &d.AccountID, &d.Provider, &d.Name, &d.Config,
		&d.SyncedAt, &d.ErroredAt, &d.ErrorMessage, &d.ErrorEmailCount,
		&d.IsDisabled, &d.DisabledReason, &d.IsVerified, &d.InsertedAt, &d.UpdatedAt,
	)
	return d, err
}

type CreateDirectoryParams struct {
	AccountID uuid.UUID
	Provider  string
	Name      string
	Config    []byte
}

func (s *Store) CreateDirectory(ctx context.Context, p CreateDirectoryParams) (Directory, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO directories (account_id, provider, name, config)
		VALUES ($1, $2, $3, $4)
		RETURNING `+directoryColumns,
		p.AccountID, p.Provider, p.Name, p.Config)
	return scanDirectory(row)
}

func (s *Store) GetDirectory(ctx context.Context, id uuid.UUID) (Directory, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+directoryColumns+`
		FROM directories
		WHERE id = $1`,
		id)
	return scanDirectory(row)
}

func (s *Store) ListDirectories(ctx context.Context, accountID uuid.UUID) ([]Directory, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+directoryColumns+`
		FROM directories
		WHERE account_id = $1
		ORDER BY inserted_at ASC`,
		accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDirectories(rows)
}

// ListSyncableDirectories returns directories eligible for scheduling:
// the directory is enabled, its account is active, and the account has
// the idp_sync feature turned on.
func (s *Store) ListSyncableDirectories(ctx context.Context) ([]Directory, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+qualifiedDirectoryColumns+`
		FROM directories d
		JOIN accounts a ON a.id = d.account_id
		WHERE d.is_disabled = false
		  AND a.disabled_at IS NULL
		  AND COALESCE(a.features->>'idp_sync', '') = 'true'
		ORDER BY d.inserted_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDirectories(rows)
}

const qualifiedDirectoryColumns = `d.id, d.account_id, d.provider, d.name, d.config,
	d.synced_at, d.errored_at, d.error_message, d.error_email_count,
	d.is_disabled, d.disabled_reason, d.is_verified, d.inserted_at, d.updated_at`

// DirectoryEligible re-checks eligibility from inside a worker, where the
// scheduler's snapshot may be stale.
func (s *Store) DirectoryEligible(ctx context.Context, id uuid.UUID) (bool, error) {
	var eligible bool
	err := s.pool.QueryRow(ctx, `
		SELECT d.is_disabled = false
		   AND a.disabled_at IS NULL
		   AND COALESCE(a.features->>'idp_sync', '') = 'true'
		FROM directories d
		JOIN accounts a ON a.id = d.account_id
		WHERE d.id = $1`,
		id).Scan(&eligible)
	return eligible, err
}

// FinalizeDirectorySync records a fully successful run: advances synced_at
// and clears every error and disable field in one statement.
func (s *Store) FinalizeDirectorySync(ctx context.Context, id uuid.UUID, syncedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE directories
		SET synced_at = $2,
		    errored_at = NULL,
		    error_message = NULL,
		    error_email_count = 0,
		    is_disabled = false,
		    disabled_reason = NULL,
		    is_verified = true,
		    updated_at = now()
		WHERE id = $1`,
		id, syncedAt)
	return err
}

// MarkDirectoryTransientError records a transient failure. errored_at is
// only set when absent so the first failure in a streak anchors the
// promotion window. Returns the effective errored_at.
func (s *Store) MarkDirectoryTransientError(ctx context.Context, id uuid.UUID, at time.Time, message string) (time.Time, error) {
	var erroredAt time.Time
	err := s.pool.QueryRow(ctx, `
		UPDATE directories
		SET errored_at = COALESCE(errored_at, $2),
		    error_message = $3,
		    updated_at = now()
		WHERE id = $1
		RETURNING errored_at`,
		id, at, message).Scan(&erroredAt)
	return erroredAt, err
}

func (s *Store) DisableDirectory(ctx context.Context, id uuid.UUID, at time.Time, message, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE directories
		SET is_disabled = true,
		    disabled_reason = $4,
		    errored_at = COALESCE(errored_at, $2),
		    error_message = $3,
		    is_verified = false,
		    updated_at = now()
		WHERE id = $1`,
		id, at, message, reason)
	return err
}

func (s *Store) SetDirectoryEnabled(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE directories
		SET is_disabled = false,
		    disabled_reason = NULL,
		    errored_at = NULL,
		    error_message = NULL,
		    updated_at = now()
		WHERE id = $1`,
		id)
	return err
}

func (s *Store) SetDirectoryVerified(ctx context.Context, id uuid.UUID, verified bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE directories
		SET is_verified = $2, updated_at = now()
		WHERE id = $1`,
		id, verified)
	return err
}

func (s *Store) IncrementDirectoryErrorEmailCount(ctx context.Context, id uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		UPDATE directories
		SET error_email_count = error_email_count + 1, updated_at = now()
		WHERE id = $1
		RETURNING error_email_count`,
		id).Scan(&n)
	return n, err
}

func (s *Store) DeleteDirectory(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM directories WHERE id = $1`, id)
	return err
}

func collectDirectories(rows pgx.Rows) ([]Directory, error) {
	var out []Directory
	for rows.Next() {
		d, err := scanDirectory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
