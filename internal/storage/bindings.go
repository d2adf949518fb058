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

const bindingColumns = `id, context_id, session_id, platform, bound_at, last_activity,
	unbound_at, unbind_reason, interactions_count, decisions_count, session_success_rate`

func scanBinding(row pgx.Row) (*model.SessionBinding, error) {
	var b model.SessionBinding
	err := row.Scan(&b.ID, &b.ContextID, &b.SessionID, &b.Platform, &b.BoundAt,
		&b.LastActivity, &b.UnboundAt, &b.UnbindReason,
		&b.InteractionsCount, &b.DecisionsCount, &b.SessionSuccessRate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// CreateBinding opens a new session binding, bumps the context's session
// counter and last activity, reactivates a dormant context, and appends a
// session_bound decision entry to the ledger, all in one transaction. At most
// one binding per session may be open; a second open attempt returns ErrConflict.
func (db *DB) CreateBinding(ctx context.Context, contextID uuid.UUID, sessionID, platform string) (*model.SessionBinding, error) {
	now := time.Now().Unix()
	b := &model.SessionBinding{
		ID:           uuid.New(),
		ContextID:    contextID,
		SessionID:    sessionID,
		Platform:     platform,
		BoundAt:      now,
		LastActivity: now,
	}

	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO session_bindings (id, context_id, session_id, platform, bound_at, last_activity,
			 unbound_at, unbind_reason, interactions_count, decisions_count, session_success_rate)
			 VALUES ($1, $2, $3, $4, $5, $6, 0, '', 0, 0, 0)`,
			b.ID, b.ContextID, b.SessionID, b.Platform, b.BoundAt, b.LastActivity,
		); err != nil {
			return fmt.Errorf("storage: insert binding: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE context_entities SET total_sessions = total_sessions + 1, last_activity = $1,
			 status = CASE WHEN status = 'dormant' THEN 'active' ELSE status END
			 WHERE id = $2`,
			now, contextID,
		); err != nil {
			return fmt.Errorf("storage: bump context session count: %w", err)
		}
		_, err := appendLedgerTx(ctx, tx, contextID, model.LedgerDecision, map[string]any{
			"type":      "session_bound",
			"sessionId": sessionID,
			"platform":  platform,
		})
		return err
	})
	if isUniqueViolation(err) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// GetActiveBinding returns the open binding for a session, if any.
func (db *DB) GetActiveBinding(ctx context.Context, sessionID string) (*model.SessionBinding, error) {
	b, err := scanBinding(db.pool.QueryRow(ctx,
		`SELECT `+bindingColumns+` FROM session_bindings
		 WHERE session_id = $1 AND unbound_at = 0`, sessionID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("storage: get active binding: %w", err)
	}
	return b, err
}

// GetBinding returns a binding by id.
func (db *DB) GetBinding(ctx context.Context, id uuid.UUID) (*model.SessionBinding, error) {
	b, err := scanBinding(db.pool.QueryRow(ctx,
		`SELECT `+bindingColumns+` FROM session_bindings WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("storage: get binding: %w", err)
	}
	return b, err
}

// TouchBinding records session activity on an open binding and the owning
// context. Closed bindings are left untouched.
func (db *DB) TouchBinding(ctx context.Context, id uuid.UUID) error {
	now := time.Now().Unix()
	tag, err := db.pool.Exec(ctx,
		`UPDATE session_bindings SET last_activity = $1 WHERE id = $2 AND unbound_at = 0`,
		now, id)
	if err != nil {
		return fmt.Errorf("storage: touch binding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	_, err = db.pool.Exec(ctx,
		`UPDATE context_entities SET last_activity = $1
		 WHERE id = (SELECT context_id FROM session_bindings WHERE id = $2)`,
		now, id)
	if err != nil {
		return fmt.Errorf("storage: touch binding context: %w", err)
	}
	return nil
}

// ListIdleBindings returns open bindings whose last activity predates the
// cutoff, oldest first, for the idle reaper.
func (db *DB) ListIdleBindings(ctx context.Context, lastActivityBefore int64, limit int) ([]model.SessionBinding, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+bindingColumns+` FROM session_bindings
		 WHERE unbound_at = 0 AND last_activity < $1
		 ORDER BY last_activity ASC LIMIT $2`,
		lastActivityBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list idle bindings: %w", err)
	}
	defer rows.Close()

	var out []model.SessionBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// ListActiveBindingsForContext returns open bindings on a context, used by
// decommission preview and revocation.
func (db *DB) ListActiveBindingsForContext(ctx context.Context, contextID uuid.UUID) ([]model.SessionBinding, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+bindingColumns+` FROM session_bindings
		 WHERE context_id = $1 AND unbound_at = 0 ORDER BY bound_at ASC`,
		contextID)
	if err != nil {
		return nil, fmt.Errorf("storage: list active bindings: %w", err)
	}
	defer rows.Close()

	var out []model.SessionBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}
