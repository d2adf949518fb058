package resolver

import (
	"context"

	"github.com/chittyos/chittybroker/internal/model"
)

// DNAExpansion is an explicit addition to a context's behavioural profile,
// outside any session rollup.
type DNAExpansion struct {
	Patterns         []string `json:"patterns,omitempty"`
	Traits           []string `json:"traits,omitempty"`
	Competencies     []string `json:"competencies,omitempty"`
	ExpertiseDomains []string `json:"expertiseDomains,omitempty"`
}

func (e DNAExpansion) empty() bool {
	return len(e.Patterns) == 0 && len(e.Traits) == 0 &&
		len(e.Competencies) == 0 && len(e.ExpertiseDomains) == 0
}

// ExpandDNA unions the expansion into the context's DNA and records the
// expansion as a decision on the ledger. Counters and the success rate are
// untouched; only rollups move those.
func (r *Resolver) ExpandDNA(ctx context.Context, chittyID string, exp DNAExpansion) (*model.ContextDNA, error) {
	entity, err := r.store.GetContextByChittyID(ctx, chittyID)
	if err != nil {
		return nil, err
	}
	dna, err := r.store.GetDNA(ctx, entity.ID)
	if err != nil {
		return nil, err
	}
	if exp.empty() {
		return dna, nil
	}

	dna.Patterns = unionStrings(dna.Patterns, exp.Patterns)
	dna.Traits = unionStrings(dna.Traits, exp.Traits)
	dna.Competencies = unionStrings(dna.Competencies, exp.Competencies)
	dna.ExpertiseDomains = unionStrings(dna.ExpertiseDomains, exp.ExpertiseDomains)
	dna.UpdatedAt = r.now().Unix()

	if err := r.store.UpsertDNA(ctx, *dna); err != nil {
		return nil, err
	}
	if _, err := r.store.AppendLedgerEntry(ctx, entity.ID, model.LedgerDecision, map[string]any{
		"type":             "dna_expanded",
		"patterns":         exp.Patterns,
		"traits":           exp.Traits,
		"competencies":     exp.Competencies,
		"expertiseDomains": exp.ExpertiseDomains,
	}); err != nil {
		r.logger.Warn("record dna expansion on ledger", "chittyId", chittyID, "error", err)
	}

	r.logger.Info("dna expanded", "chittyId", chittyID)
	return dna, nil
}
