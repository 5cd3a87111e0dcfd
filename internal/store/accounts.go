package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const accountColumns = `id, name, features, disabled_at, inserted_at, updated_at`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Name, &a.Features, &a.DisabledAt, &a.InsertedAt, &a.UpdatedAt)
	return a, err
}

func (s *Store) CreateAccount(ctx context.Context, name string, features map[string]bool) (Account, error) {
	if features == nil {
		features = map[string]bool{}
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO accounts (name, features)
		VALUES ($1, $2)
		RETURNING `+accountColumns,
		name, features)
	return scanAccount(row)
}

func (s *Store) GetAccount(ctx context.Context, id uuid.UUID) (Account, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = $1`,
		id)
	return scanAccount(row)
}

func (s *Store) GetAccountByName(ctx context.Context, name string) (Account, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE name = $1
		ORDER BY inserted_at ASC
		LIMIT 1`,
		name)
	return scanAccount(row)
}

func (s *Store) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		ORDER BY inserted_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) SetAccountFeature(ctx context.Context, id uuid.UUID, feature string, enabled bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE accounts
		SET features = jsonb_set(features, ARRAY[$2], to_jsonb($3::boolean)),
		    updated_at = now()
		WHERE id = $1`,
		id, feature, enabled)
	return err
}

func (s *Store) SetAccountDisabled(ctx context.Context, id uuid.UUID, disabledAt *time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE accounts
		SET disabled_at = $2, updated_at = now()
		WHERE id = $1`,
		id, disabledAt)
	return err
}
