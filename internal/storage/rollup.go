package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chittyos/chittybroker/internal/model"
)

// CreateContextWithDNA inserts a new context entity, its initial DNA row, and
// a genesis-chained ledger entry recording the creation, atomically. A unique
// violation on the context hash (two sessions racing to create the same
// context) surfaces as ErrConflict so the caller can re-resolve.
func (db *DB) CreateContextWithDNA(ctx context.Context, e *model.ContextEntity, d *model.ContextDNA) (*model.LedgerEntry, error) {
	var entry *model.LedgerEntry
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO context_entities (id, chitty_id, context_hash, signature, project_path,
			 workspace, support_type, organization, trust_score, trust_level, status, unsigned,
			 metadata, total_sessions, created_at, last_activity)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			e.ID, e.ChittyID, e.ContextHash, e.Signature, e.ProjectPath,
			e.Workspace, e.SupportType, e.Organization, e.TrustScore, e.TrustLevel,
			e.Status, e.Unsigned, e.Metadata, e.TotalSessions, e.CreatedAt, e.LastActivity,
		); err != nil {
			return fmt.Errorf("storage: insert context: %w", err)
		}
		if err := upsertDNATx(ctx, tx, *d); err != nil {
			return err
		}
		var err error
		entry, err = appendLedgerTx(ctx, tx, e.ID, model.LedgerTransaction, map[string]any{
			"event":    "context_created",
			"chittyId": e.ChittyID,
			"unsigned": e.Unsigned,
		})
		return err
	})
	if isUniqueViolation(err) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// SessionRollup carries the fully computed result of closing a session:
// the caller does the DNA merge and trust math, storage applies it atomically.
type SessionRollup struct {
	BindingID   uuid.UUID
	ContextID   uuid.UUID
	Reason      model.UnbindReason
	Metrics     model.SessionMetrics
	DNA         model.ContextDNA          // merged profile to persist
	TrustEntry  model.TrustEvolutionEntry // ContentHash precomputed by the caller
	RecordTrust bool                      // false when the score did not move
	Payload     map[string]any            // ledger outcome payload
}

// ApplySessionRollup closes a binding and applies its rolled-up effects in one
// transaction: binding closure, DNA merge, trust update, trust evolution row,
// and a chained ledger outcome entry. ErrConflict means the binding was
// already closed by a concurrent writer.
func (db *DB) ApplySessionRollup(ctx context.Context, r SessionRollup) (*model.LedgerEntry, error) {
	now := time.Now().Unix()
	var entry *model.LedgerEntry

	err := WithRetry(ctx, ledgerAppendRetries, 50*time.Millisecond, func() error {
		return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx,
				`UPDATE session_bindings SET unbound_at = $1, unbind_reason = $2,
				 interactions_count = $3, decisions_count = $4, session_success_rate = $5
				 WHERE id = $6 AND unbound_at = 0`,
				now, r.Reason, r.Metrics.Interactions, r.Metrics.Decisions,
				r.Metrics.SuccessRate, r.BindingID)
			if err != nil {
				return fmt.Errorf("storage: close binding: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return ErrConflict
			}

			if _, err := tx.Exec(ctx,
				`UPDATE context_entities SET trust_score = $1, trust_level = $2, last_activity = $3
				 WHERE id = $4`,
				r.TrustEntry.NewScore, r.TrustEntry.NewLevel, now, r.ContextID,
			); err != nil {
				return fmt.Errorf("storage: update context trust: %w", err)
			}

			if err := upsertDNATx(ctx, tx, r.DNA); err != nil {
				return err
			}
			if r.RecordTrust {
				if err := insertTrustEntryTx(ctx, tx, r.TrustEntry); err != nil {
					return err
				}
			}

			entry, err = appendLedgerTx(ctx, tx, r.ContextID, model.LedgerOutcome, r.Payload)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}
