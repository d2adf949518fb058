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

const credAuditColumns = `id, type, service, requesting_service, token_id, outcome,
	context, issued_at, expires_at, revoked_at, revoke_reason`

func scanCredAudit(row pgx.Row) (*model.CredentialAuditEntry, error) {
	var e model.CredentialAuditEntry
	err := row.Scan(&e.ID, &e.Type, &e.Service, &e.RequestingService, &e.TokenID,
		&e.Outcome, &e.Context, &e.IssuedAt, &e.ExpiresAt, &e.RevokedAt, &e.RevokeReason)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// InsertCredentialAudit records one credential provisioning or retrieval.
// Token secrets never pass through here.
func (db *DB) InsertCredentialAudit(ctx context.Context, e *model.CredentialAuditEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.IssuedAt == 0 {
		e.IssuedAt = time.Now().Unix()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO credential_audit (id, type, service, requesting_service, token_id, outcome,
		 context, issued_at, expires_at, revoked_at, revoke_reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.Type, e.Service, e.RequestingService, e.TokenID, e.Outcome,
		e.Context, e.IssuedAt, e.ExpiresAt, e.RevokedAt, e.RevokeReason)
	if err != nil {
		return fmt.Errorf("storage: insert credential audit: %w", err)
	}
	return nil
}

// GetCredentialAuditByTokenID looks up the provisioning record for a token.
func (db *DB) GetCredentialAuditByTokenID(ctx context.Context, tokenID string) (*model.CredentialAuditEntry, error) {
	e, err := scanCredAudit(db.pool.QueryRow(ctx,
		`SELECT `+credAuditColumns+` FROM credential_audit
		 WHERE token_id = $1 ORDER BY issued_at DESC LIMIT 1`, tokenID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("storage: get credential audit: %w", err)
	}
	return e, err
}

// MarkCredentialRevoked stamps the audit record of a token as revoked.
// Revoking an already-revoked token is a no-op.
func (db *DB) MarkCredentialRevoked(ctx context.Context, tokenID, reason string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE credential_audit SET revoked_at = $1, revoke_reason = $2
		 WHERE token_id = $3 AND revoked_at = 0`,
		time.Now().Unix(), reason, tokenID)
	if err != nil {
		return fmt.Errorf("storage: mark credential revoked: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListCredentialAudit returns audit entries matching the filter, newest first.
func (db *DB) ListCredentialAudit(ctx context.Context, f model.CredentialAuditFilter, limit int) ([]model.CredentialAuditEntry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+credAuditColumns+` FROM credential_audit
		 WHERE ($1 = '' OR service = $1)
		   AND ($2 = '' OR type = $2)
		   AND ($3 = '' OR token_id = $3)
		   AND issued_at >= $4
		 ORDER BY issued_at DESC, id DESC LIMIT $5`,
		f.Service, f.Type, f.TokenID, f.Since, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list credential audit: %w", err)
	}
	defer rows.Close()

	var out []model.CredentialAuditEntry
	for rows.Next() {
		e, err := scanCredAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// CleanupCredentialAudit deletes audit rows older than the retention cutoff
// and returns the number removed.
func (db *DB) CleanupCredentialAudit(ctx context.Context, issuedBefore int64) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM credential_audit WHERE issued_at < $1`, issuedBefore)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup credential audit: %w", err)
	}
	return tag.RowsAffected(), nil
}
