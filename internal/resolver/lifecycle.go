package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/chittyos/chittybroker/internal/chittyid"
	"github.com/chittyos/chittybroker/internal/model"
)

// CreateLifecycleContext mints a new context derived from one or more parent
// contexts: supernova and fission over pairs, derivative and suspension over a
// single parent. The new entity is still a Person-type synthetic; the
// lifecycle kind and parent identifiers live in metadata. Each parent's
// ledger records the relation.
func (r *Resolver) CreateLifecycleContext(ctx context.Context, kind model.LifecycleKind, parentIDs []uuid.UUID, supportType string) (*model.ContextEntity, error) {
	switch kind {
	case model.LifecycleSupernova, model.LifecycleFission:
		if len(parentIDs) < 2 {
			return nil, fmt.Errorf("resolver: %s requires at least two parents", kind)
		}
	case model.LifecycleDerivative, model.LifecycleSuspension:
		if len(parentIDs) != 1 {
			return nil, fmt.Errorf("resolver: %s requires exactly one parent", kind)
		}
	default:
		return nil, fmt.Errorf("resolver: unknown lifecycle kind %q", kind)
	}

	parents := make([]*model.ContextEntity, 0, len(parentIDs))
	parentChittyIDs := make([]string, 0, len(parentIDs))
	trustSum := 0.0
	for _, id := range parentIDs {
		p, err := r.store.GetContext(ctx, id)
		if err != nil {
			return nil, err
		}
		if p.Status == model.StatusRevoked {
			return nil, fmt.Errorf("%w: parent %s is revoked", ErrInvalidState, p.ChittyID)
		}
		parents = append(parents, p)
		parentChittyIDs = append(parentChittyIDs, p.ChittyID)
		trustSum += p.TrustScore
	}
	if supportType == "" {
		supportType = parents[0].SupportType
	}

	now := r.now()
	var (
		id        string
		signature string
		unsigned  bool
	)
	minted, err := r.minter.Mint(ctx, chittyid.TypePerson, "Synthetic", map[string]any{
		"lifecycle": string(kind),
		"parents":   parentChittyIDs,
	})
	if err != nil {
		r.logger.Warn("lifecycle mint failed, generating fallback identifier",
			"kind", kind, "error", err)
		id, err = chittyid.GenerateFallback(chittyid.TypePerson, now)
		if err != nil {
			return nil, err
		}
		unsigned = true
	} else {
		id, signature = minted.ChittyID, minted.Signature
	}

	// Lifecycle contexts inherit the mean of their parents' trust; a merged
	// entity should not start less trusted than what formed it averaged out.
	inherited := trustSum / float64(len(parents))

	entity := &model.ContextEntity{
		ID:           uuid.New(),
		ChittyID:     id,
		ContextHash:  lifecycleHash(kind, parentChittyIDs, now.Unix()),
		Signature:    signature,
		SupportType:  supportType,
		Organization: parents[0].Organization,
		TrustScore:   inherited,
		TrustLevel:   TrustLevel(inherited),
		Status:       model.StatusActive,
		Unsigned:     unsigned,
		Metadata: map[string]any{
			"lifecycle": string(kind),
			"parents":   parentChittyIDs,
		},
		CreatedAt:    now.Unix(),
		LastActivity: now.Unix(),
	}
	dna := &model.ContextDNA{ContextID: entity.ID, UpdatedAt: now.Unix()}

	if _, err := r.store.CreateContextWithDNA(ctx, entity, dna); err != nil {
		return nil, err
	}

	for _, p := range parents {
		if _, err := r.store.AppendLedgerEntry(ctx, p.ID, model.LedgerTransaction, map[string]any{
			"event":     "lifecycle_" + string(kind),
			"childId":   entity.ChittyID,
			"parents":   parentChittyIDs,
		}); err != nil {
			r.logger.Warn("record lifecycle relation on parent ledger",
				"parent", p.ChittyID, "error", err)
		}
	}

	r.logger.Info("lifecycle context created",
		"kind", kind, "chittyId", entity.ChittyID, "parents", parentChittyIDs)
	return entity, nil
}

// lifecycleHash derives a fingerprint for lifecycle contexts, which have no
// filesystem anchors of their own.
func lifecycleHash(kind model.LifecycleKind, parents []string, createdAt int64) string {
	h := Hints{
		ProjectPath: fmt.Sprintf("lifecycle:%s:%d", kind, createdAt),
		Workspace:   fmt.Sprintf("%v", parents),
		SupportType: string(kind),
	}
	return h.fingerprint()
}

// DecommissionPreview summarises what decommissioning a context would affect.
type DecommissionPreview struct {
	Context        *model.ContextEntity `json:"context"`
	ActiveSessions int                  `json:"activeSessions"`
	LedgerEntries  int                  `json:"ledgerEntries"`
	TrustLogs      int                  `json:"trustLogs"`
	Warnings       []string             `json:"warnings,omitempty"`
	Recommendation string               `json:"recommendation"`
}

// PreviewDecommission reports what a decommission would do without doing it.
func (r *Resolver) PreviewDecommission(ctx context.Context, contextID uuid.UUID) (*DecommissionPreview, error) {
	entity, err := r.store.GetContext(ctx, contextID)
	if err != nil {
		return nil, err
	}
	bindings, err := r.store.ListActiveBindingsForContext(ctx, contextID)
	if err != nil {
		return nil, err
	}
	ledgerCount, err := r.store.CountLedgerEntries(ctx, contextID)
	if err != nil {
		return nil, err
	}
	trustCount, err := r.store.CountTrustEntries(ctx, contextID)
	if err != nil {
		return nil, err
	}

	preview := &DecommissionPreview{
		Context:        entity,
		ActiveSessions: len(bindings),
		LedgerEntries:  ledgerCount,
		TrustLogs:      trustCount,
	}
	if len(bindings) > 0 {
		preview.Warnings = append(preview.Warnings,
			fmt.Sprintf("%d active session(s) will be force-unbound", len(bindings)))
	}
	if entity.Status == model.StatusRevoked {
		preview.Warnings = append(preview.Warnings, "context is already revoked")
		preview.Recommendation = "none"
	} else if entity.TrustScore >= 60 {
		preview.Recommendation = "archive"
		preview.Warnings = append(preview.Warnings,
			"high-trust context: archiving preserves the option to reactivate")
	} else {
		preview.Recommendation = "archive"
	}
	return preview, nil
}

// Decommission archives or revokes a context. With open sessions and no
// force, the operation is rejected; with force, they are unbound with reason
// revoked before the status change.
func (r *Resolver) Decommission(ctx context.Context, contextID uuid.UUID, action model.ContextStatus, force bool) (*model.ContextEntity, error) {
	if action != model.StatusArchived && action != model.StatusRevoked {
		return nil, fmt.Errorf("resolver: decommission action must be archive or revoke, got %q", action)
	}

	entity, err := r.store.GetContext(ctx, contextID)
	if err != nil {
		return nil, err
	}
	if !entity.Status.CanTransition(action) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidState, entity.Status, action)
	}

	bindings, err := r.store.ListActiveBindingsForContext(ctx, contextID)
	if err != nil {
		return nil, err
	}
	if len(bindings) > 0 && !force {
		return nil, fmt.Errorf("%w: %d open binding(s)", ErrActiveSessions, len(bindings))
	}
	for i := range bindings {
		if _, err := r.rollupBinding(ctx, &bindings[i], model.SessionMetrics{}, model.UnbindRevoked); err != nil {
			return nil, fmt.Errorf("resolver: force-unbind session %s: %w", bindings[i].SessionID, err)
		}
	}

	if err := r.store.UpdateContextStatus(ctx, contextID, entity.Status, action); err != nil {
		return nil, err
	}
	if _, err := r.store.AppendLedgerEntry(ctx, contextID, model.LedgerDecision, map[string]any{
		"type":   "decommission",
		"action": string(action),
		"forced": force,
	}); err != nil {
		r.logger.Warn("record decommission on ledger", "chittyId", entity.ChittyID, "error", err)
	}

	entity.Status = action
	r.logger.Info("context decommissioned",
		"chittyId", entity.ChittyID, "action", action, "forced", force)
	return entity, nil
}

// ReapIdleBindings force-unbinds bindings idle past the cutoff with reason
// timeout, carrying forward the counters accumulated on the binding row.
// Returns the number reaped.
func (r *Resolver) ReapIdleBindings(ctx context.Context, lastActivityBefore int64, limit int) (int, error) {
	idle, err := r.store.ListIdleBindings(ctx, lastActivityBefore, limit)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for i := range idle {
		metrics := model.SessionMetrics{
			Interactions: idle[i].InteractionsCount,
			Decisions:    idle[i].DecisionsCount,
			SuccessRate:  idle[i].SessionSuccessRate,
		}
		if _, err := r.rollupBinding(ctx, &idle[i], metrics, model.UnbindTimeout); err != nil {
			if errors.Is(err, ErrConflict) {
				continue // closed concurrently
			}
			r.logger.Warn("reap idle binding", "sessionId", idle[i].SessionID, "error", err)
			continue
		}
		reaped++
	}
	return reaped, nil
}

// RemintUnsigned retries minting for contexts carrying fallback identifiers.
// Returns the number successfully re-minted.
func (r *Resolver) RemintUnsigned(ctx context.Context, limit int) (int, error) {
	unsigned, err := r.store.ListUnsignedContexts(ctx, limit)
	if err != nil {
		return 0, err
	}

	reminted := 0
	for _, e := range unsigned {
		minted, err := r.minter.Mint(ctx, chittyid.TypePerson, "Synthetic", map[string]any{
			"supportType": e.SupportType,
			"remintOf":    e.ChittyID,
		})
		if err != nil {
			// Minting is still down; the next sweep will retry.
			return reminted, nil
		}
		if err := r.store.AssignMintedChittyID(ctx, e.ID, minted.ChittyID, minted.Signature); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return reminted, err
		}
		if _, err := r.store.AppendLedgerEntry(ctx, e.ID, model.LedgerTransaction, map[string]any{
			"event":      "reminted",
			"previousId": e.ChittyID,
			"chittyId":   minted.ChittyID,
		}); err != nil {
			r.logger.Warn("record remint on ledger", "chittyId", minted.ChittyID, "error", err)
		}
		reminted++
	}
	return reminted, nil
}
