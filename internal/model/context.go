// Package model defines the core entities of the ChittyBroker context engine:
// context entities, their DNA, session bindings, the per-context ledger, and
// the trust evolution log.
package model

import (
	"fmt"

	"github.com/google/uuid"
)

// ContextStatus is the lifecycle state of a context entity.
type ContextStatus string

const (
	StatusActive   ContextStatus = "active"
	StatusDormant  ContextStatus = "dormant"
	StatusArchived ContextStatus = "archived"
	StatusRevoked  ContextStatus = "revoked"
)

// CanTransition reports whether a context may move from its current status to
// the target status. Revoked is terminal; archived contexts may be reactivated.
func (s ContextStatus) CanTransition(to ContextStatus) bool {
	if s == to {
		return false
	}
	switch s {
	case StatusActive:
		return to == StatusDormant || to == StatusArchived || to == StatusRevoked
	case StatusDormant:
		return to == StatusActive || to == StatusArchived || to == StatusRevoked
	case StatusArchived:
		return to == StatusActive || to == StatusRevoked
	case StatusRevoked:
		return false
	default:
		return false
	}
}

// Valid reports whether s is a known status value.
func (s ContextStatus) Valid() bool {
	switch s {
	case StatusActive, StatusDormant, StatusArchived, StatusRevoked:
		return true
	}
	return false
}

// ContextEntity is the persistent synthetic principal a session resolves to.
// ChittyID is minted exactly once and never changes (P1). ContextHash is
// unique among active contexts (P2).
type ContextEntity struct {
	ID           uuid.UUID      `json:"id"`
	ChittyID     string         `json:"chittyId"`
	ContextHash  string         `json:"contextHash"`
	Signature    string         `json:"signature,omitempty"`
	ProjectPath  string         `json:"projectPath,omitempty"`
	Workspace    string         `json:"workspace,omitempty"`
	SupportType  string         `json:"supportType"`
	Organization string         `json:"organization,omitempty"`
	TrustScore   float64        `json:"trustScore"` // 0..100
	TrustLevel   int            `json:"trustLevel"` // 0..5
	Status       ContextStatus  `json:"status"`
	Unsigned     bool           `json:"unsigned,omitempty"` // true when the ChittyID was locally generated and awaits re-mint
	Metadata     map[string]any `json:"metadata,omitempty"`
	TotalSessions int           `json:"totalSessions"`
	CreatedAt    int64          `json:"createdAt"`
	LastActivity int64          `json:"lastActivity"`
}

// ContextDNA is the accumulated behavioural profile of a context entity.
// Exactly one row per context. SuccessRate is always within [0,1].
type ContextDNA struct {
	ContextID         uuid.UUID `json:"contextId"`
	Patterns          []string  `json:"patterns"`
	Traits            []string  `json:"traits"`
	Competencies      []string  `json:"competencies"`
	ExpertiseDomains  []string  `json:"expertiseDomains"`
	InteractionsCount int       `json:"interactionsCount"`
	DecisionsCount    int       `json:"decisionsCount"`
	SuccessRate       float64   `json:"successRate"`
	PeakHours         []int     `json:"peakHours"` // observed peak activity hours, 0-23, deduplicated
	UpdatedAt         int64     `json:"updatedAt"`
}

// LedgerEventType categorises ledger entries.
type LedgerEventType string

const (
	LedgerTransaction LedgerEventType = "transaction"
	LedgerDecision    LedgerEventType = "decision"
	LedgerOutcome     LedgerEventType = "outcome"
	LedgerAnomaly     LedgerEventType = "anomaly"
)

// GenesisHash is the sentinel previous-hash of the first ledger entry of a context.
const GenesisHash = "genesis"

// LedgerEntry is one hash-chained, append-only event on a context's ledger.
// For every entry except the first, PreviousHash equals the Hash of the
// immediately preceding entry of the same context (P4).
type LedgerEntry struct {
	ID           uuid.UUID       `json:"id"`
	ContextID    uuid.UUID       `json:"contextId"`
	Seq          int64           `json:"seq"`
	EventType    LedgerEventType `json:"eventType"`
	Payload      map[string]any  `json:"payload"`
	Hash         string          `json:"hash"`
	PreviousHash string          `json:"previousHash"`
	CreatedAt    int64           `json:"createdAt"`
}

// UnbindReason records why a session binding was closed.
type UnbindReason string

const (
	UnbindSessionComplete UnbindReason = "session_complete"
	UnbindTimeout         UnbindReason = "timeout"
	UnbindError           UnbindReason = "error"
	UnbindRevoked         UnbindReason = "revoked"
)

// SessionBinding joins an ephemeral session to exactly one context entity.
// At most one binding per session has UnboundAt == 0 (P3).
type SessionBinding struct {
	ID                 uuid.UUID    `json:"id"`
	ContextID          uuid.UUID    `json:"contextId"`
	SessionID          string       `json:"sessionId"`
	Platform           string       `json:"platform,omitempty"`
	BoundAt            int64        `json:"boundAt"`
	LastActivity       int64        `json:"lastActivity"`
	UnboundAt          int64        `json:"unboundAt,omitempty"` // 0 while active
	UnbindReason       UnbindReason `json:"unbindReason,omitempty"`
	InteractionsCount  int          `json:"interactionsCount"`
	DecisionsCount     int          `json:"decisionsCount"`
	SessionSuccessRate float64      `json:"sessionSuccessRate"`
}

// Active reports whether the binding is still open.
func (b SessionBinding) Active() bool { return b.UnboundAt == 0 }

// SessionMetrics carries the rolled-up numbers a session reports on unbind.
type SessionMetrics struct {
	Interactions     int      `json:"interactions"`
	Decisions        int      `json:"decisions"`
	SuccessRate      float64  `json:"successRate"`
	Competencies     []string `json:"competencies,omitempty"`
	ExpertiseDomains []string `json:"expertiseDomains,omitempty"`
	PeakHours        []int    `json:"peakHours,omitempty"`
	AnomalyDelta     float64  `json:"anomalyDelta,omitempty"`
}

// Validate checks metric ranges before they flow into DNA and trust math.
func (m SessionMetrics) Validate() error {
	if m.Interactions < 0 || m.Decisions < 0 {
		return fmt.Errorf("session metrics: counts must be non-negative")
	}
	if m.SuccessRate < 0 || m.SuccessRate > 1 {
		return fmt.Errorf("session metrics: successRate must be in [0,1]")
	}
	for _, h := range m.PeakHours {
		if h < 0 || h > 23 {
			return fmt.Errorf("session metrics: peak hour %d out of range", h)
		}
	}
	return nil
}

// TrustEvolutionEntry is an immutable audit row recording a trust change (P5).
type TrustEvolutionEntry struct {
	ID            uuid.UUID      `json:"id"`
	ContextID     uuid.UUID      `json:"contextId"`
	PreviousLevel int            `json:"previousLevel"`
	PreviousScore float64        `json:"previousScore"`
	NewLevel      int            `json:"newLevel"`
	NewScore      float64        `json:"newScore"`
	ChangeTrigger string         `json:"changeTrigger"`
	Factors       map[string]any `json:"factors,omitempty"`
	ContentHash   string         `json:"contentHash"`
	CreatedAt     int64          `json:"createdAt"`
}

// LifecycleKind tags contexts created by lifecycle operations. Lifecycle
// contexts are still Person-type entities; the tag lives in metadata.
type LifecycleKind string

const (
	LifecycleSupernova  LifecycleKind = "supernova"
	LifecycleFission    LifecycleKind = "fission"
	LifecycleDerivative LifecycleKind = "derivative"
	LifecycleSuspension LifecycleKind = "suspension"
)
