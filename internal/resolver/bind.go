package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/chittyos/chittybroker/internal/chittyid"
	"github.com/chittyos/chittybroker/internal/integrity"
	"github.com/chittyos/chittybroker/internal/model"
	"github.com/chittyos/chittybroker/internal/storage"
)

// CreateContext mints an identifier and persists a new context entity with an
// empty DNA row and a genesis ledger entry. Contexts are minted as synthetic
// persons; if the minting service is unreachable, a conforming local
// identifier is generated and the entity marked unsigned for later re-mint.
// On a fingerprint race the winner is returned instead.
func (r *Resolver) CreateContext(ctx context.Context, pending PendingContext) (*model.ContextEntity, error) {
	now := r.now()

	var (
		id        string
		signature string
		unsigned  bool
	)
	minted, err := r.minter.Mint(ctx, chittyid.TypePerson, "Synthetic", map[string]any{
		"supportType": pending.SupportType,
	})
	if err != nil {
		r.logger.Warn("mint failed, generating fallback identifier", "error", err)
		id, err = chittyid.GenerateFallback(chittyid.TypePerson, now)
		if err != nil {
			return nil, err
		}
		unsigned = true
	} else {
		id, signature = minted.ChittyID, minted.Signature
	}

	entity := &model.ContextEntity{
		ID:           uuid.New(),
		ChittyID:     id,
		ContextHash:  pending.ContextHash,
		Signature:    signature,
		ProjectPath:  pending.ProjectPath,
		Workspace:    pending.Workspace,
		SupportType:  pending.SupportType,
		Organization: pending.Organization,
		TrustScore:   initialTrustScore,
		TrustLevel:   TrustLevel(initialTrustScore),
		Status:       model.StatusActive,
		Unsigned:     unsigned,
		CreatedAt:    now.Unix(),
		LastActivity: now.Unix(),
	}
	dna := &model.ContextDNA{
		ContextID: entity.ID,
		UpdatedAt: now.Unix(),
	}

	if _, err := r.store.CreateContextWithDNA(ctx, entity, dna); err != nil {
		if errors.Is(err, ErrConflict) {
			// Another session created the same context first; bind to it.
			winner, lookupErr := r.store.GetActiveContextByHash(ctx, pending.ContextHash)
			if lookupErr != nil {
				return nil, err
			}
			r.logger.Info("context creation raced, using winner",
				"contextHash", pending.ContextHash, "chittyId", winner.ChittyID)
			return winner, nil
		}
		return nil, err
	}

	r.logger.Info("context created",
		"chittyId", entity.ChittyID, "supportType", entity.SupportType, "unsigned", unsigned)
	return entity, nil
}

// BindSession opens a binding between a session and a context. Dormant
// contexts reactivate on bind; archived and revoked contexts refuse.
func (r *Resolver) BindSession(ctx context.Context, contextID uuid.UUID, sessionID, platform string) (*model.SessionBinding, error) {
	entity, err := r.store.GetContext(ctx, contextID)
	if err != nil {
		return nil, err
	}
	if entity.Status != model.StatusActive && entity.Status != model.StatusDormant {
		return nil, fmt.Errorf("%w: cannot bind to %s context", ErrInvalidState, entity.Status)
	}

	binding, err := r.store.CreateBinding(ctx, contextID, sessionID, platform)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: session %s already bound", ErrConflict, sessionID)
		}
		return nil, err
	}
	return binding, nil
}

// RollupResult reports the effects of an unbind.
type RollupResult struct {
	Binding     *model.SessionBinding `json:"binding"`
	DNA         model.ContextDNA      `json:"dna"`
	TrustScore  float64               `json:"trustScore"`
	TrustLevel  int                   `json:"trustLevel"`
	TrustMoved  bool                  `json:"trustMoved"`
	LedgerEntry *model.LedgerEntry    `json:"ledgerEntry"`
}

// UnbindSession closes the session's binding and rolls its metrics up into
// the owning context: DNA merge, trust recompute with an audit entry when the
// score moves, and a chained outcome ledger entry.
func (r *Resolver) UnbindSession(ctx context.Context, sessionID string, metrics model.SessionMetrics, reason model.UnbindReason) (*RollupResult, error) {
	if err := metrics.Validate(); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = model.UnbindSessionComplete
	}

	binding, err := r.store.GetActiveBinding(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return r.rollupBinding(ctx, binding, metrics, reason)
}

// rollupBinding performs the rollup for an already-loaded open binding.
func (r *Resolver) rollupBinding(ctx context.Context, binding *model.SessionBinding, metrics model.SessionMetrics, reason model.UnbindReason) (*RollupResult, error) {
	entity, err := r.store.GetContext(ctx, binding.ContextID)
	if err != nil {
		return nil, err
	}
	dna, err := r.store.GetDNA(ctx, binding.ContextID)
	if err != nil {
		return nil, err
	}

	now := r.now().Unix()
	merged := mergeDNA(*dna, metrics, now)
	newScore, factors := trustDelta(entity.TrustScore, dna.SuccessRate, merged.SuccessRate, metrics, reason)
	newLevel := TrustLevel(newScore)
	trustMoved := newScore != entity.TrustScore || newLevel != entity.TrustLevel

	trustEntry := model.TrustEvolutionEntry{
		ID:            uuid.New(),
		ContextID:     entity.ID,
		PreviousLevel: entity.TrustLevel,
		PreviousScore: entity.TrustScore,
		NewLevel:      newLevel,
		NewScore:      newScore,
		ChangeTrigger: "session_rollup",
		Factors:       factors,
		CreatedAt:     now,
	}
	trustEntry.ContentHash, err = integrity.ComputeTrustHash(entity.ID,
		trustEntry.PreviousLevel, trustEntry.PreviousScore,
		trustEntry.NewLevel, trustEntry.NewScore,
		trustEntry.ChangeTrigger, factors)
	if err != nil {
		return nil, err
	}

	entry, err := r.store.ApplySessionRollup(ctx, storage.SessionRollup{
		BindingID:   binding.ID,
		ContextID:   entity.ID,
		Reason:      reason,
		Metrics:     metrics,
		DNA:         merged,
		TrustEntry:  trustEntry,
		RecordTrust: trustMoved,
		Payload: map[string]any{
			"event":        "session_unbound",
			"sessionId":    binding.SessionID,
			"reason":       string(reason),
			"interactions": metrics.Interactions,
			"decisions":    metrics.Decisions,
			"successRate":  metrics.SuccessRate,
			"trustScore":   newScore,
		},
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("session rolled up",
		"sessionId", binding.SessionID, "chittyId", entity.ChittyID,
		"reason", reason, "trustScore", newScore, "trustLevel", newLevel)

	closed := *binding
	closed.UnboundAt = now
	closed.UnbindReason = reason
	closed.InteractionsCount = metrics.Interactions
	closed.DecisionsCount = metrics.Decisions
	closed.SessionSuccessRate = metrics.SuccessRate

	return &RollupResult{
		Binding:     &closed,
		DNA:         merged,
		TrustScore:  newScore,
		TrustLevel:  newLevel,
		TrustMoved:  trustMoved,
		LedgerEntry: entry,
	}, nil
}

// SwitchContext atomically moves a session from one context to another:
// unbind with metrics accumulation, then bind the target. Switching to the
// context the session is already bound to is a no-op success.
func (r *Resolver) SwitchContext(ctx context.Context, sessionID, fromChittyID, toChittyID string, metrics model.SessionMetrics) (*model.SessionBinding, error) {
	target, err := r.store.GetContextByChittyID(ctx, toChittyID)
	if err != nil {
		return nil, err
	}

	binding, err := r.store.GetActiveBinding(ctx, sessionID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	platform := ""
	if binding != nil {
		platform = binding.Platform
		if binding.ContextID == target.ID {
			return binding, nil
		}
		if fromChittyID != "" {
			current, err := r.store.GetContext(ctx, binding.ContextID)
			if err != nil {
				return nil, err
			}
			if current.ChittyID != fromChittyID {
				return nil, fmt.Errorf("%w: session bound to %s, not %s", ErrConflict, current.ChittyID, fromChittyID)
			}
		}
		if _, err := r.rollupBinding(ctx, binding, metrics, model.UnbindSessionComplete); err != nil {
			return nil, err
		}
	}

	return r.BindSession(ctx, target.ID, sessionID, platform)
}

// TouchSession records activity for a bound session.
func (r *Resolver) TouchSession(ctx context.Context, sessionID string) error {
	binding, err := r.store.GetActiveBinding(ctx, sessionID)
	if err != nil {
		return err
	}
	return r.store.TouchBinding(ctx, binding.ID)
}

// CurrentContext returns the context a session is bound to.
func (r *Resolver) CurrentContext(ctx context.Context, sessionID string) (*model.ContextEntity, *model.SessionBinding, error) {
	binding, err := r.store.GetActiveBinding(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	entity, err := r.store.GetContext(ctx, binding.ContextID)
	if err != nil {
		return nil, nil, err
	}
	return entity, binding, nil
}
