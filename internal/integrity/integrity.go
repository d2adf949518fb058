// Package integrity provides tamper-evident hashing for the per-context
// ledger and the trust evolution log. All functions are pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"

	"github.com/chittyos/chittybroker/internal/model"
)

// ComputeEntryHash produces the SHA-256 hex digest of a ledger entry's
// canonical encoding. Each field is length-prefixed to avoid delimiter
// collisions in freeform payloads. The previous hash is part of the digest,
// which is what chains the ledger.
func ComputeEntryHash(contextID uuid.UUID, seq int64, eventType model.LedgerEventType, payload map[string]any, previousHash string, createdAt int64) (string, error) {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("integrity: canonicalise payload: %w", err)
	}

	h := sha256.New()
	writeField(h, contextID.String())
	writeField(h, strconv.FormatInt(seq, 10))
	writeField(h, string(eventType))
	writeField(h, canonical)
	writeField(h, previousHash)
	writeField(h, strconv.FormatInt(createdAt, 10))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChain walks entries (oldest first) and checks that every entry's
// PreviousHash equals its predecessor's Hash, that the first entry is chained
// from the genesis sentinel, and that each stored hash matches a recompute.
// Returns the index of the first broken entry, or -1 when the chain is intact.
func VerifyChain(entries []model.LedgerEntry) (int, error) {
	prev := model.GenesisHash
	for i, e := range entries {
		if e.PreviousHash != prev {
			return i, fmt.Errorf("integrity: entry %d previous hash %q does not chain from %q", i, e.PreviousHash, prev)
		}
		recomputed, err := ComputeEntryHash(e.ContextID, e.Seq, e.EventType, e.Payload, e.PreviousHash, e.CreatedAt)
		if err != nil {
			return i, err
		}
		if recomputed != e.Hash {
			return i, fmt.Errorf("integrity: entry %d stored hash does not match content", i)
		}
		prev = e.Hash
	}
	return -1, nil
}

// ComputeTrustHash produces the content hash stored on a trust evolution
// entry, binding the before/after values to the trigger and factors.
func ComputeTrustHash(contextID uuid.UUID, previousLevel int, previousScore float64, newLevel int, newScore float64, trigger string, factors map[string]any) (string, error) {
	canonical, err := canonicalJSON(factors)
	if err != nil {
		return "", fmt.Errorf("integrity: canonicalise factors: %w", err)
	}

	h := sha256.New()
	writeField(h, contextID.String())
	writeField(h, strconv.Itoa(previousLevel))
	writeField(h, strconv.FormatFloat(previousScore, 'f', 6, 64))
	writeField(h, strconv.Itoa(newLevel))
	writeField(h, strconv.FormatFloat(newScore, 'f', 6, 64))
	writeField(h, trigger)
	writeField(h, canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ComputeAnchorHash produces the stable context fingerprint over the static
// anchors. Fields are length-prefixed in a fixed order; absent anchors hash as
// empty strings so that hint ordering never changes the result.
func ComputeAnchorHash(projectPath, workspace, supportType, organization string) string {
	h := sha256.New()
	writeField(h, projectPath)
	writeField(h, workspace)
	writeField(h, supportType)
	writeField(h, organization)
	return hex.EncodeToString(h.Sum(nil))
}

// hashPair produces SHA-256(0x01 || a || b) as hex. The 0x01 byte is a domain
// separator for internal Merkle nodes (per RFC 6962) so internal hashes can
// never collide with leaf hashes.
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle root over leaf hashes. Leaves must be
// sorted by the caller for determinism. Empty input yields an empty root; a
// single leaf is its own root. Odd nodes hash with themselves.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}
	return level[0]
}

func writeField(h interface{ Write([]byte) (int, error) }, s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	h.Write(lenBuf[:])
	h.Write([]byte(s))
}

// canonicalJSON encodes a map with lexicographically sorted keys so that the
// same logical payload always hashes identically regardless of map iteration
// order or client key ordering.
func canonicalJSON(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			out = append(out, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return "", err
		}
		vb, err := canonicalValue(m[k])
		if err != nil {
			return "", err
		}
		out = append(out, kb...)
		out = append(out, ':')
		out = append(out, vb...)
	}
	out = append(out, '}')
	return string(out), nil
}

func canonicalValue(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]any:
		s, err := canonicalJSON(t)
		if err != nil {
			return nil, err
		}
		return []byte(s), nil
	case []any:
		out := []byte{'['}
		for i, e := range t {
			if i > 0 {
				out = append(out, ',')
			}
			eb, err := canonicalValue(e)
			if err != nil {
				return nil, err
			}
			out = append(out, eb...)
		}
		return append(out, ']'), nil
	default:
		return json.Marshal(v)
	}
}
