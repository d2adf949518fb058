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

const contextColumns = `id, chitty_id, context_hash, signature, project_path, workspace,
	support_type, organization, trust_score, trust_level, status, unsigned,
	metadata, total_sessions, created_at, last_activity`

func scanContext(row pgx.Row) (*model.ContextEntity, error) {
	var e model.ContextEntity
	err := row.Scan(&e.ID, &e.ChittyID, &e.ContextHash, &e.Signature, &e.ProjectPath,
		&e.Workspace, &e.SupportType, &e.Organization, &e.TrustScore, &e.TrustLevel,
		&e.Status, &e.Unsigned, &e.Metadata, &e.TotalSessions, &e.CreatedAt, &e.LastActivity)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanContexts(rows pgx.Rows) ([]model.ContextEntity, error) {
	defer rows.Close()
	var out []model.ContextEntity
	for rows.Next() {
		e, err := scanContext(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// GetContext returns a context entity by its internal id.
func (db *DB) GetContext(ctx context.Context, id uuid.UUID) (*model.ContextEntity, error) {
	e, err := scanContext(db.pool.QueryRow(ctx,
		`SELECT `+contextColumns+` FROM context_entities WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("storage: get context: %w", err)
	}
	return e, err
}

// GetContextByChittyID returns a context entity by its minted identifier.
func (db *DB) GetContextByChittyID(ctx context.Context, chittyID string) (*model.ContextEntity, error) {
	e, err := scanContext(db.pool.QueryRow(ctx,
		`SELECT `+contextColumns+` FROM context_entities WHERE chitty_id = $1`, chittyID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("storage: get context by chitty id: %w", err)
	}
	return e, err
}

// GetActiveContextByHash returns the single non-revoked, non-archived context
// whose fingerprint matches. Uniqueness is enforced by a partial index.
func (db *DB) GetActiveContextByHash(ctx context.Context, contextHash string) (*model.ContextEntity, error) {
	e, err := scanContext(db.pool.QueryRow(ctx,
		`SELECT `+contextColumns+` FROM context_entities
		 WHERE context_hash = $1 AND status IN ('active', 'dormant')`, contextHash))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("storage: get context by hash: %w", err)
	}
	return e, err
}

// SearchContextsByAnchors returns fuzzy-match candidates: active or dormant
// contexts sharing the support type and organization, most trusted first and
// most recently active as the tie-break.
func (db *DB) SearchContextsByAnchors(ctx context.Context, supportType, organization string, limit int) ([]model.ContextEntity, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+contextColumns+` FROM context_entities
		 WHERE support_type = $1 AND organization = $2 AND status IN ('active', 'dormant')
		 ORDER BY trust_score DESC, last_activity DESC
		 LIMIT $3`,
		supportType, organization, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: search contexts by anchors: %w", err)
	}
	return scanContexts(rows)
}

// SearchContextsByProject returns fuzzy-resolution candidates: live contexts
// sharing the project path and support type, most trusted first with recency
// as the tie-break.
func (db *DB) SearchContextsByProject(ctx context.Context, projectPath, supportType string, limit int) ([]model.ContextEntity, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+contextColumns+` FROM context_entities
		 WHERE project_path = $1 AND support_type = $2 AND status IN ('active', 'dormant')
		 ORDER BY trust_score DESC, last_activity DESC
		 LIMIT $3`,
		projectPath, supportType, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: search contexts by project: %w", err)
	}
	return scanContexts(rows)
}

// ListContexts returns contexts ordered by last activity, optionally filtered
// by status. An empty status means all.
func (db *DB) ListContexts(ctx context.Context, status model.ContextStatus, limit, offset int) ([]model.ContextEntity, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if status == "" {
		rows, err = db.pool.Query(ctx,
			`SELECT `+contextColumns+` FROM context_entities
			 ORDER BY last_activity DESC LIMIT $1 OFFSET $2`, limit, offset)
	} else {
		rows, err = db.pool.Query(ctx,
			`SELECT `+contextColumns+` FROM context_entities
			 WHERE status = $1 ORDER BY last_activity DESC LIMIT $2 OFFSET $3`,
			status, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: list contexts: %w", err)
	}
	return scanContexts(rows)
}

// UpdateContextStatus moves a context from one status to another. The update
// is conditional on the current status; ErrConflict means the context was not
// in the expected state (a concurrent writer won, or the transition is stale).
func (db *DB) UpdateContextStatus(ctx context.Context, id uuid.UUID, from, to model.ContextStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE context_entities SET status = $1, last_activity = $2
		 WHERE id = $3 AND status = $4`,
		to, time.Now().Unix(), id, from)
	if err != nil {
		return fmt.Errorf("storage: update context status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// AssignMintedChittyID replaces a locally generated identifier with a freshly
// minted one and clears the unsigned flag. Only unsigned contexts are eligible.
func (db *DB) AssignMintedChittyID(ctx context.Context, id uuid.UUID, chittyID, signature string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE context_entities SET chitty_id = $1, signature = $2, unsigned = FALSE
		 WHERE id = $3 AND unsigned = TRUE`,
		chittyID, signature, id)
	if err != nil {
		return fmt.Errorf("storage: assign minted chitty id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// ListUnsignedContexts returns contexts still carrying a locally generated
// identifier, oldest first, for the re-mint loop.
func (db *DB) ListUnsignedContexts(ctx context.Context, limit int) ([]model.ContextEntity, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+contextColumns+` FROM context_entities
		 WHERE unsigned = TRUE AND status IN ('active', 'dormant')
		 ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list unsigned contexts: %w", err)
	}
	return scanContexts(rows)
}

// UpdateContextMetadata merges metadata keys into a context's metadata column.
func (db *DB) UpdateContextMetadata(ctx context.Context, id uuid.UUID, patch map[string]any) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE context_entities SET metadata = COALESCE(metadata, '{}'::jsonb) || $1
		 WHERE id = $2`,
		patch, id)
	if err != nil {
		return fmt.Errorf("storage: update context metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountContextsByStatus returns counts grouped by status for health and stats.
func (db *DB) CountContextsByStatus(ctx context.Context) (map[model.ContextStatus]int, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM context_entities GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("storage: count contexts: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.ContextStatus]int)
	for rows.Next() {
		var s model.ContextStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, rows.Err()
}
