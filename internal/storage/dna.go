package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chittyos/chittybroker/internal/model"
)

// GetDNA returns the behavioural profile of a context. Every context has
// exactly one DNA row, created together with the entity.
func (db *DB) GetDNA(ctx context.Context, contextID uuid.UUID) (*model.ContextDNA, error) {
	var d model.ContextDNA
	err := db.pool.QueryRow(ctx,
		`SELECT context_id, patterns, traits, competencies, expertise_domains,
		 interactions_count, decisions_count, success_rate, peak_hours, updated_at
		 FROM context_dna WHERE context_id = $1`, contextID,
	).Scan(&d.ContextID, &d.Patterns, &d.Traits, &d.Competencies, &d.ExpertiseDomains,
		&d.InteractionsCount, &d.DecisionsCount, &d.SuccessRate, &d.PeakHours, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get dna: %w", err)
	}
	return &d, nil
}

// UpsertDNA writes the full DNA row outside a session rollup; used by
// explicit expansion.
func (db *DB) UpsertDNA(ctx context.Context, d model.ContextDNA) error {
	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		return upsertDNATx(ctx, tx, d)
	})
}

// upsertDNATx writes the full DNA row inside a transaction.
func upsertDNATx(ctx context.Context, tx pgx.Tx, d model.ContextDNA) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO context_dna (context_id, patterns, traits, competencies, expertise_domains,
		 interactions_count, decisions_count, success_rate, peak_hours, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (context_id) DO UPDATE SET
		 patterns = EXCLUDED.patterns,
		 traits = EXCLUDED.traits,
		 competencies = EXCLUDED.competencies,
		 expertise_domains = EXCLUDED.expertise_domains,
		 interactions_count = EXCLUDED.interactions_count,
		 decisions_count = EXCLUDED.decisions_count,
		 success_rate = EXCLUDED.success_rate,
		 peak_hours = EXCLUDED.peak_hours,
		 updated_at = EXCLUDED.updated_at`,
		d.ContextID, d.Patterns, d.Traits, d.Competencies, d.ExpertiseDomains,
		d.InteractionsCount, d.DecisionsCount, d.SuccessRate, d.PeakHours, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storage: upsert dna: %w", err)
	}
	return nil
}
