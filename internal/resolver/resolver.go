// Package resolver implements the context resolution and anchoring engine:
// resolving session hints to persistent context entities, binding and
// unbinding sessions with DNA and trust rollups, lifecycle operations, and
// decommissioning. All persistent effects go through the Store; the math
// (fingerprints, DNA merges, trust deltas) is pure and tested directly.
package resolver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chittyos/chittybroker/internal/chittyid"
	"github.com/chittyos/chittybroker/internal/model"
	"github.com/chittyos/chittybroker/internal/storage"
)

// Sentinel errors surfaced to the API layer.
var (
	// ErrInsufficientHints means none of projectPath, workspace, or an
	// explicit identifier were supplied.
	ErrInsufficientHints = errors.New("resolver: insufficient hints")

	// ErrNotFound re-exports the storage sentinel for callers that do not
	// import storage.
	ErrNotFound = storage.ErrNotFound

	// ErrConflict re-exports the storage sentinel.
	ErrConflict = storage.ErrConflict

	// ErrInvalidState means the context's status does not allow the operation.
	ErrInvalidState = errors.New("resolver: invalid context state")

	// ErrActiveSessions means a decommission was attempted without force
	// while sessions are still bound.
	ErrActiveSessions = errors.New("resolver: context has active sessions")
)

// Store is the persistence surface the resolver needs. *storage.DB satisfies it.
type Store interface {
	GetContext(ctx context.Context, id uuid.UUID) (*model.ContextEntity, error)
	GetContextByChittyID(ctx context.Context, chittyID string) (*model.ContextEntity, error)
	GetActiveContextByHash(ctx context.Context, contextHash string) (*model.ContextEntity, error)
	SearchContextsByProject(ctx context.Context, projectPath, supportType string, limit int) ([]model.ContextEntity, error)
	CreateContextWithDNA(ctx context.Context, e *model.ContextEntity, d *model.ContextDNA) (*model.LedgerEntry, error)
	UpdateContextStatus(ctx context.Context, id uuid.UUID, from, to model.ContextStatus) error
	UpdateContextMetadata(ctx context.Context, id uuid.UUID, patch map[string]any) error
	AssignMintedChittyID(ctx context.Context, id uuid.UUID, chittyID, signature string) error
	ListUnsignedContexts(ctx context.Context, limit int) ([]model.ContextEntity, error)

	GetDNA(ctx context.Context, contextID uuid.UUID) (*model.ContextDNA, error)
	UpsertDNA(ctx context.Context, d model.ContextDNA) error

	CreateBinding(ctx context.Context, contextID uuid.UUID, sessionID, platform string) (*model.SessionBinding, error)
	GetActiveBinding(ctx context.Context, sessionID string) (*model.SessionBinding, error)
	TouchBinding(ctx context.Context, id uuid.UUID) error
	ListIdleBindings(ctx context.Context, lastActivityBefore int64, limit int) ([]model.SessionBinding, error)
	ListActiveBindingsForContext(ctx context.Context, contextID uuid.UUID) ([]model.SessionBinding, error)
	ApplySessionRollup(ctx context.Context, r storage.SessionRollup) (*model.LedgerEntry, error)

	AppendLedgerEntry(ctx context.Context, contextID uuid.UUID, eventType model.LedgerEventType, payload map[string]any) (*model.LedgerEntry, error)
	CountLedgerEntries(ctx context.Context, contextID uuid.UUID) (int, error)
	CountTrustEntries(ctx context.Context, contextID uuid.UUID) (int, error)
	ListTrustHistory(ctx context.Context, contextID uuid.UUID, limit int) ([]model.TrustEvolutionEntry, error)
	ListLedger(ctx context.Context, contextID uuid.UUID, afterSeq int64, limit int) ([]model.LedgerEntry, error)
}

// Minter mints canonical identifiers. *chittyid.Client satisfies it.
type Minter interface {
	Mint(ctx context.Context, t chittyid.EntityType, characterization string, metadata map[string]any) (*chittyid.MintResult, error)
}

// Resolver is the context resolution engine.
type Resolver struct {
	store  Store
	minter Minter
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Resolver.
func New(store Store, minter Minter, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:  store,
		minter: minter,
		logger: logger,
		now:    time.Now,
	}
}
