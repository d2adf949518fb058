package resolver

import (
	"math"
	"slices"

	"github.com/chittyos/chittybroker/internal/model"
)

// Trust formula weights. newScore = clamp(old + alpha*deltaSuccess -
// beta*anomalyDelta + gamma*consistencyBonus, 0, 100).
const (
	trustAlpha = 20.0
	trustBeta  = 10.0
	trustGamma = 2.0

	// initialTrustScore is assigned to freshly created contexts.
	initialTrustScore = 50.0
)

// TrustLevel maps a score onto the 0-5 level scale. Half-steps round up, so
// the initial score of 50 lands on level 3.
func TrustLevel(score float64) int {
	level := int(math.Round(score / 20))
	if level < 0 {
		return 0
	}
	if level > 5 {
		return 5
	}
	return level
}

// mergeDNA folds a session's metrics into a context's accumulated profile.
// The success rate is a count-weighted average; competencies, expertise
// domains, and peak hours are set unions.
func mergeDNA(old model.ContextDNA, m model.SessionMetrics, updatedAt int64) model.ContextDNA {
	merged := old
	merged.InteractionsCount = old.InteractionsCount + m.Interactions
	merged.DecisionsCount = old.DecisionsCount + m.Decisions

	if merged.InteractionsCount > 0 {
		merged.SuccessRate = (old.SuccessRate*float64(old.InteractionsCount) +
			m.SuccessRate*float64(m.Interactions)) / float64(merged.InteractionsCount)
	}

	merged.Competencies = unionStrings(old.Competencies, m.Competencies)
	merged.ExpertiseDomains = unionStrings(old.ExpertiseDomains, m.ExpertiseDomains)
	merged.PeakHours = unionInts(old.PeakHours, m.PeakHours)
	merged.UpdatedAt = updatedAt
	return merged
}

// trustDelta computes the new trust score after a session rollup.
// deltaSuccess is the movement of the accumulated success rate, not the raw
// session rate, so one noisy session cannot swing an established context.
func trustDelta(oldScore, oldRate, mergedRate float64, m model.SessionMetrics, reason model.UnbindReason) (newScore float64, factors map[string]any) {
	deltaSuccess := mergedRate - oldRate
	consistency := 0.0
	if reason == model.UnbindSessionComplete && m.SuccessRate >= 0.5 && m.AnomalyDelta == 0 {
		consistency = 1.0
	}

	newScore = oldScore + trustAlpha*deltaSuccess - trustBeta*m.AnomalyDelta + trustGamma*consistency
	newScore = math.Max(0, math.Min(100, newScore))

	factors = map[string]any{
		"deltaSuccessRate": deltaSuccess,
		"anomalyDelta":     m.AnomalyDelta,
		"consistencyBonus": consistency,
		"sessionRate":      m.SuccessRate,
	}
	return newScore, factors
}

func unionStrings(a, b []string) []string {
	out := slices.Clone(a)
	for _, s := range b {
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

func unionInts(a, b []int) []int {
	out := slices.Clone(a)
	for _, n := range b {
		if !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out
}
