package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chittyos/chittybroker/internal/model"
)

const apiKeyColumns = `id, name, key_hash, prefix, status, scopes, created_at, last_used_at`

func scanAPIKey(row pgx.Row) (*model.APIKey, error) {
	var k model.APIKey
	err := row.Scan(&k.ID, &k.Name, &k.KeyHash, &k.Prefix, &k.Status, &k.Scopes,
		&k.CreatedAt, &k.LastUsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// CreateAPIKey stores a new API key record. The raw key never reaches storage.
func (db *DB) CreateAPIKey(ctx context.Context, k *model.APIKey) error {
	if k.ID == uuid.Nil {
		k.ID = uuid.New()
	}
	if k.CreatedAt == 0 {
		k.CreatedAt = time.Now().Unix()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, prefix, status, scopes, created_at, last_used_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 0)`,
		k.ID, k.Name, k.KeyHash, k.Prefix, k.Status, k.Scopes, k.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("storage: create api key: %w", err)
	}
	return nil
}

// GetAPIKeysByPrefix returns active keys sharing a prefix. Prefixes are not
// unique, so authentication verifies the hash against each candidate.
func (db *DB) GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]model.APIKey, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys
		 WHERE prefix = $1 AND status = 'active'`, prefix)
	if err != nil {
		return nil, fmt.Errorf("storage: get api keys by prefix: %w", err)
	}
	defer rows.Close()

	var out []model.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}

// TouchAPIKey updates the last-used timestamp. Best-effort; failures are
// logged by the caller, not surfaced to the request.
func (db *DB) TouchAPIKey(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = $1 WHERE id = $2`,
		time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("storage: touch api key: %w", err)
	}
	return nil
}

// DisableAPIKey marks a key disabled. Disabled keys fail authentication.
func (db *DB) DisableAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE api_keys SET status = 'disabled' WHERE id = $1 AND status = 'active'`, id)
	if err != nil {
		return fmt.Errorf("storage: disable api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAPIKeys returns all key records, newest first. Hashes are included in
// the struct but excluded from JSON serialization.
func (db *DB) ListAPIKeys(ctx context.Context) ([]model.APIKey, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list api keys: %w", err)
	}
	defer rows.Close()

	var out []model.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}

// CountAPIKeysByName reports whether a key with the given name already exists.
func (db *DB) CountAPIKeysByName(ctx context.Context, name string) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM api_keys WHERE name = $1`, name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count api keys: %w", err)
	}
	return n, nil
}
