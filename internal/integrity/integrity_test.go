package integrity

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chittyos/chittybroker/internal/model"
)

func chainedEntries(t *testing.T, ctxID uuid.UUID, n int) []model.LedgerEntry {
	t.Helper()
	entries := make([]model.LedgerEntry, 0, n)
	prev := model.GenesisHash
	for i := range n {
		e := model.LedgerEntry{
			ContextID:    ctxID,
			Seq:          int64(i + 1),
			EventType:    model.LedgerDecision,
			Payload:      map[string]any{"n": float64(i)},
			PreviousHash: prev,
			CreatedAt:    1700000000 + int64(i),
		}
		hash, err := ComputeEntryHash(e.ContextID, e.Seq, e.EventType, e.Payload, e.PreviousHash, e.CreatedAt)
		require.NoError(t, err)
		e.Hash = hash
		entries = append(entries, e)
		prev = hash
	}
	return entries
}

func TestEntryHashDeterministic(t *testing.T) {
	ctxID := uuid.New()
	payload := map[string]any{"b": 2, "a": 1, "nested": map[string]any{"y": true, "x": false}}

	h1, err := ComputeEntryHash(ctxID, 1, model.LedgerOutcome, payload, model.GenesisHash, 1700000000)
	require.NoError(t, err)

	// Same logical payload, different construction order.
	payload2 := map[string]any{"nested": map[string]any{"x": false, "y": true}, "a": 1, "b": 2}
	h2, err := ComputeEntryHash(ctxID, 1, model.LedgerOutcome, payload2, model.GenesisHash, 1700000000)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
}

func TestEntryHashSensitivity(t *testing.T) {
	ctxID := uuid.New()
	base, err := ComputeEntryHash(ctxID, 1, model.LedgerDecision, map[string]any{"k": "v"}, model.GenesisHash, 100)
	require.NoError(t, err)

	other, err := ComputeEntryHash(ctxID, 2, model.LedgerDecision, map[string]any{"k": "v"}, model.GenesisHash, 100)
	require.NoError(t, err)
	assert.NotEqual(t, base, other, "seq must affect the hash")

	other, err = ComputeEntryHash(ctxID, 1, model.LedgerAnomaly, map[string]any{"k": "v"}, model.GenesisHash, 100)
	require.NoError(t, err)
	assert.NotEqual(t, base, other, "event type must affect the hash")

	other, err = ComputeEntryHash(ctxID, 1, model.LedgerDecision, map[string]any{"k": "v"}, "deadbeef", 100)
	require.NoError(t, err)
	assert.NotEqual(t, base, other, "previous hash must affect the hash")
}

func TestVerifyChainIntact(t *testing.T) {
	entries := chainedEntries(t, uuid.New(), 5)
	idx, err := VerifyChain(entries)
	require.NoError(t, err)
	assert.Equal(t, -1, idx)
}

func TestVerifyChainEmpty(t *testing.T) {
	idx, err := VerifyChain(nil)
	require.NoError(t, err)
	assert.Equal(t, -1, idx)
}

func TestVerifyChainDetectsBrokenLink(t *testing.T) {
	entries := chainedEntries(t, uuid.New(), 4)
	entries[2].PreviousHash = "tampered"

	idx, err := VerifyChain(entries)
	require.Error(t, err)
	assert.Equal(t, 2, idx)
}

func TestVerifyChainDetectsPayloadTamper(t *testing.T) {
	entries := chainedEntries(t, uuid.New(), 4)
	entries[1].Payload["n"] = float64(99)

	idx, err := VerifyChain(entries)
	require.Error(t, err)
	assert.Equal(t, 1, idx)
}

func TestVerifyChainRequiresGenesis(t *testing.T) {
	entries := chainedEntries(t, uuid.New(), 3)
	idx, err := VerifyChain(entries[1:])
	require.Error(t, err)
	assert.Equal(t, 0, idx)
}

func TestTrustHashBindsAllFields(t *testing.T) {
	ctxID := uuid.New()
	h1, err := ComputeTrustHash(ctxID, 2, 50, 3, 62, "session_rollup", map[string]any{"delta": 0.15})
	require.NoError(t, err)

	h2, err := ComputeTrustHash(ctxID, 2, 50, 3, 62, "session_rollup", map[string]any{"delta": 0.15})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	h3, err := ComputeTrustHash(ctxID, 2, 50, 3, 63, "session_rollup", map[string]any{"delta": 0.15})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)

	h4, err := ComputeTrustHash(ctxID, 2, 50, 3, 62, "manual_adjustment", map[string]any{"delta": 0.15})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h4)
}

func TestAnchorHashStableAndDistinct(t *testing.T) {
	a := ComputeAnchorHash("/p", "dev", "development", "acme")
	b := ComputeAnchorHash("/p", "dev", "development", "acme")
	assert.Equal(t, a, b)

	// Field boundaries matter: shifting a character across fields must change the hash.
	c := ComputeAnchorHash("/pd", "ev", "development", "acme")
	assert.NotEqual(t, a, c)

	d := ComputeAnchorHash("", "", "development", "")
	assert.NotEqual(t, a, d)
}

func TestBuildMerkleRoot(t *testing.T) {
	assert.Equal(t, "", BuildMerkleRoot(nil))
	assert.Equal(t, "leaf", BuildMerkleRoot([]string{"leaf"}))

	two := BuildMerkleRoot([]string{"a", "b"})
	assert.NotEmpty(t, two)
	assert.NotEqual(t, two, BuildMerkleRoot([]string{"b", "a"}), "order is part of the root")

	// Odd leaf counts bind the last leaf by hashing it with itself.
	three := BuildMerkleRoot([]string{"a", "b", "c"})
	assert.NotEqual(t, two, three)
}
