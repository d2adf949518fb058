package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chittyos/chittybroker/internal/integrity"
	"github.com/chittyos/chittybroker/internal/model"
)

// ledgerAppendRetries bounds transient-conflict retries around a ledger append.
const ledgerAppendRetries = 3

// appendLedgerTx appends one hash-chained entry inside an open transaction.
// The chain head is read with a row lock so concurrent appends to the same
// context serialize instead of forking the chain.
func appendLedgerTx(ctx context.Context, tx pgx.Tx, contextID uuid.UUID, eventType model.LedgerEventType, payload map[string]any) (*model.LedgerEntry, error) {
	var (
		headSeq  int64
		headHash string
	)
	err := tx.QueryRow(ctx,
		`SELECT seq, hash FROM context_ledger
		 WHERE context_id = $1 ORDER BY seq DESC LIMIT 1 FOR UPDATE`,
		contextID,
	).Scan(&headSeq, &headHash)
	if errors.Is(err, pgx.ErrNoRows) {
		headSeq, headHash = 0, model.GenesisHash
	} else if err != nil {
		return nil, fmt.Errorf("storage: read ledger head: %w", err)
	}

	entry := model.LedgerEntry{
		ID:           uuid.New(),
		ContextID:    contextID,
		Seq:          headSeq + 1,
		EventType:    eventType,
		Payload:      payload,
		PreviousHash: headHash,
		CreatedAt:    time.Now().Unix(),
	}
	entry.Hash, err = integrity.ComputeEntryHash(entry.ContextID, entry.Seq, entry.EventType, entry.Payload, entry.PreviousHash, entry.CreatedAt)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO context_ledger (id, context_id, seq, event_type, payload, hash, previous_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.ContextID, entry.Seq, entry.EventType, entry.Payload,
		entry.Hash, entry.PreviousHash, entry.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("storage: insert ledger entry: %w", err)
	}
	return &entry, nil
}

// AppendLedgerEntry appends a single entry to a context's ledger. Concurrent
// appends serialize on the chain head; serialization failures are retried.
func (db *DB) AppendLedgerEntry(ctx context.Context, contextID uuid.UUID, eventType model.LedgerEventType, payload map[string]any) (*model.LedgerEntry, error) {
	var entry *model.LedgerEntry
	err := WithRetry(ctx, ledgerAppendRetries, 50*time.Millisecond, func() error {
		return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
			var err error
			entry, err = appendLedgerTx(ctx, tx, contextID, eventType, payload)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

const ledgerColumns = `id, context_id, seq, event_type, payload, hash, previous_hash, created_at`

func scanLedgerEntries(rows pgx.Rows) ([]model.LedgerEntry, error) {
	defer rows.Close()
	var out []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		if err := rows.Scan(&e.ID, &e.ContextID, &e.Seq, &e.EventType, &e.Payload,
			&e.Hash, &e.PreviousHash, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListLedger returns a context's ledger entries with seq greater than afterSeq,
// oldest first. Use afterSeq 0 to read from the beginning.
func (db *DB) ListLedger(ctx context.Context, contextID uuid.UUID, afterSeq int64, limit int) ([]model.LedgerEntry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+ledgerColumns+` FROM context_ledger
		 WHERE context_id = $1 AND seq > $2 ORDER BY seq ASC LIMIT $3`,
		contextID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list ledger: %w", err)
	}
	return scanLedgerEntries(rows)
}

// CountLedgerEntries returns the number of ledger entries for a context.
func (db *DB) CountLedgerEntries(ctx context.Context, contextID uuid.UUID) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM context_ledger WHERE context_id = $1`, contextID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count ledger entries: %w", err)
	}
	return n, nil
}

// LedgerHead returns the latest entry of a context's ledger, or ErrNotFound
// when the ledger is empty.
func (db *DB) LedgerHead(ctx context.Context, contextID uuid.UUID) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	err := db.pool.QueryRow(ctx,
		`SELECT `+ledgerColumns+` FROM context_ledger
		 WHERE context_id = $1 ORDER BY seq DESC LIMIT 1`, contextID,
	).Scan(&e.ID, &e.ContextID, &e.Seq, &e.EventType, &e.Payload,
		&e.Hash, &e.PreviousHash, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: ledger head: %w", err)
	}
	return &e, nil
}

// LedgerHeadHashes returns the chain-head hash of every context that has at
// least one ledger entry, ordered by context id for deterministic Merkle roots.
func (db *DB) LedgerHeadHashes(ctx context.Context) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT ON (context_id) hash FROM context_ledger
		 ORDER BY context_id, seq DESC`)
	if err != nil {
		return nil, fmt.Errorf("storage: ledger head hashes: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// InsertLedgerCheckpoint records a Merkle root over the current ledger heads.
func (db *DB) InsertLedgerCheckpoint(ctx context.Context, merkleRoot string, entryCount int) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO ledger_checkpoints (id, merkle_root, entry_count, created_at)
		 VALUES ($1, $2, $3, $4)`,
		uuid.New(), merkleRoot, entryCount, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("storage: insert ledger checkpoint: %w", err)
	}
	return nil
}

// LatestLedgerCheckpoint returns the most recent checkpoint root and its
// creation time, or ErrNotFound when no checkpoint exists yet.
func (db *DB) LatestLedgerCheckpoint(ctx context.Context) (string, int64, error) {
	var (
		root      string
		createdAt int64
	)
	err := db.pool.QueryRow(ctx,
		`SELECT merkle_root, created_at FROM ledger_checkpoints
		 ORDER BY created_at DESC LIMIT 1`,
	).Scan(&root, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", 0, ErrNotFound
	}
	if err != nil {
		return "", 0, fmt.Errorf("storage: latest ledger checkpoint: %w", err)
	}
	return root, createdAt, nil
}
