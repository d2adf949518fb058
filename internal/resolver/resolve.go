package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/chittyos/chittybroker/internal/model"
)

// Resolution actions.
const (
	ActionBindExisting      = "bind_existing"
	ActionBindExistingFuzzy = "bind_existing_fuzzy"
	ActionCreateNew         = "create_new"
)

// Resolution is the outcome of resolving hints to a context.
type Resolution struct {
	Action     string               `json:"action"`
	Context    *model.ContextEntity `json:"context,omitempty"`
	Pending    *PendingContext      `json:"pendingContext,omitempty"`
	Confidence float64              `json:"confidence"`
	Reason     string               `json:"reason"`

	// RequiresConfirmation is set on fuzzy matches; the client must confirm
	// before binding.
	RequiresConfirmation bool `json:"requiresConfirmation,omitempty"`
}

// fuzzyCandidates bounds the fuzzy-match query.
const fuzzyCandidates = 10

// Resolve maps hints to an existing context, a fuzzy candidate, or a pending
// new context. An explicit identifier short-circuits to a direct lookup.
func (r *Resolver) Resolve(ctx context.Context, hints Hints) (*Resolution, error) {
	hints = hints.normalize()

	if hints.ExplicitChittyID != "" {
		entity, err := r.store.GetContextByChittyID(ctx, hints.ExplicitChittyID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("%w: chitty id %s", ErrNotFound, hints.ExplicitChittyID)
			}
			return nil, err
		}
		return &Resolution{
			Action:     ActionBindExisting,
			Context:    entity,
			Confidence: 1.0,
			Reason:     "explicit identifier",
		}, nil
	}

	if !hints.sufficient() {
		return nil, ErrInsufficientHints
	}

	hash := hints.fingerprint()
	entity, err := r.store.GetActiveContextByHash(ctx, hash)
	if err == nil {
		return &Resolution{
			Action:     ActionBindExisting,
			Context:    entity,
			Confidence: 1.0,
			Reason:     "anchor fingerprint match",
		}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if hints.ProjectPath != "" {
		candidates, err := r.store.SearchContextsByProject(ctx, hints.ProjectPath, hints.SupportType, fuzzyCandidates)
		if err != nil {
			return nil, err
		}
		if len(candidates) > 0 {
			// Candidates arrive ordered by trust then recency; the first wins.
			best := candidates[0]
			return &Resolution{
				Action:               ActionBindExistingFuzzy,
				Context:              &best,
				Confidence:           fuzzyConfidence(hints, best),
				Reason:               "project and support type match, anchors differ",
				RequiresConfirmation: true,
			}, nil
		}
	}

	return &Resolution{
		Action: ActionCreateNew,
		Pending: &PendingContext{
			ProjectPath:  hints.ProjectPath,
			Workspace:    hints.Workspace,
			SupportType:  hints.SupportType,
			Organization: hints.Organization,
			ContextHash:  hash,
		},
		Confidence: 1.0,
		Reason:     "no existing context matches these anchors",
	}, nil
}

// fuzzyConfidence scores a fuzzy candidate in [0.6, 0.9]: the floor for a
// project+support match, raised when the remaining anchors also agree.
func fuzzyConfidence(hints Hints, candidate model.ContextEntity) float64 {
	confidence := 0.6
	if hints.Workspace != "" && hints.Workspace == candidate.Workspace {
		confidence += 0.15
	}
	if hints.Organization != "" && hints.Organization == candidate.Organization {
		confidence += 0.15
	}
	if confidence > 0.9 {
		confidence = 0.9
	}
	return confidence
}
