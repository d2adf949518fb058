package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chittyos/chittybroker/internal/model"
)

func insertTrustEntryTx(ctx context.Context, tx pgx.Tx, e model.TrustEvolutionEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().Unix()
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO trust_evolution (id, context_id, previous_level, previous_score,
		 new_level, new_score, change_trigger, factors, content_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.ContextID, e.PreviousLevel, e.PreviousScore,
		e.NewLevel, e.NewScore, e.ChangeTrigger, e.Factors, e.ContentHash, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: insert trust entry: %w", err)
	}
	return nil
}

// InsertTrustEntry records a trust change outside a rollup transaction,
// e.g. a manual adjustment or a lifecycle operation.
func (db *DB) InsertTrustEntry(ctx context.Context, e model.TrustEvolutionEntry) error {
	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		return insertTrustEntryTx(ctx, tx, e)
	})
}

// CountTrustEntries returns the number of trust evolution rows for a context.
func (db *DB) CountTrustEntries(ctx context.Context, contextID uuid.UUID) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM trust_evolution WHERE context_id = $1`, contextID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count trust entries: %w", err)
	}
	return n, nil
}

// ListTrustHistory returns a context's trust evolution entries, newest first.
func (db *DB) ListTrustHistory(ctx context.Context, contextID uuid.UUID, limit int) ([]model.TrustEvolutionEntry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, context_id, previous_level, previous_score, new_level, new_score,
		 change_trigger, factors, content_hash, created_at
		 FROM trust_evolution WHERE context_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`,
		contextID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list trust history: %w", err)
	}
	defer rows.Close()

	var out []model.TrustEvolutionEntry
	for rows.Next() {
		var e model.TrustEvolutionEntry
		if err := rows.Scan(&e.ID, &e.ContextID, &e.PreviousLevel, &e.PreviousScore,
			&e.NewLevel, &e.NewScore, &e.ChangeTrigger, &e.Factors, &e.ContentHash, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
