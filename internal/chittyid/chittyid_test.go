package chittyid

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateFallbackConforms(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	id, err := GenerateFallback(TypePerson, now)
	require.NoError(t, err)

	parsed, err := Parse(id)
	require.NoError(t, err, "fallback id %q must satisfy the grammar", id)
	assert.Equal(t, TypePerson, parsed.Type)
	assert.Equal(t, "Z", parsed.Node)
	assert.Equal(t, "2608", parsed.YYMM)
	assert.Len(t, strings.Split(id, "-"), 8)
}

func TestGenerateFallbackUnique(t *testing.T) {
	now := time.Now()
	seen := make(map[string]bool)
	for range 50 {
		id, err := GenerateFallback(TypePerson, now)
		require.NoError(t, err)
		assert.False(t, seen[id], "duplicate fallback id %s", id)
		seen[id] = true
	}
}

func TestGenerateFallbackRejectsBadType(t *testing.T) {
	_, err := GenerateFallback(EntityType("X"), time.Now())
	assert.Error(t, err)
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"not-an-id",
		"01-Z-ABC-1234-P-2608-0",          // seven segments
		"01-Z-ABC-1234-X-2608-0-AB",       // bad type code
		"01-Z-ABC-1234-P-2613-0-AB",       // month 13
		"01-Z-ABC-1234-P-2600-0-AB",       // month 00
		"1-Z-ABC-1234-P-2608-0-AB",        // one-digit version
		"01-Z-AB-1234-P-2608-0-AB",        // short locality
		"01-Z-ABC-1234-P-2608-0-ABC",      // long suffix
		"01-ZZ-ABC-1234-P-2608-0-AB",      // long node
		"01-Z-ABC-1234-P-26AB-0-AB",       // non-numeric month
	}
	for _, c := range cases {
		assert.Error(t, Validate(c), "expected %q to be rejected", c)
	}
}

func TestParseRejectsBadCheckChar(t *testing.T) {
	id, err := GenerateFallback(TypePerson, time.Now())
	require.NoError(t, err)

	parts := strings.Split(id, "-")
	// Flip the check character to a different value.
	if parts[6] == "0" {
		parts[6] = "1"
	} else {
		parts[6] = "0"
	}
	assert.Error(t, Validate(strings.Join(parts, "-")))
}

func TestParseNormalisesCase(t *testing.T) {
	id, err := GenerateFallback(TypePerson, time.Now())
	require.NoError(t, err)

	parsed, err := Parse(strings.ToLower(id))
	require.NoError(t, err)
	assert.Equal(t, id, parsed.String())
}

func TestCheckCharDetectsSegmentEdit(t *testing.T) {
	id, err := GenerateFallback(TypeAsset, time.Now())
	require.NoError(t, err)

	// Flip one character of the sequence segment; the mod-36 sum must change.
	parts := strings.Split(id, "-")
	seq := []byte(parts[3])
	if seq[2] == 'A' {
		seq[2] = 'B'
	} else {
		seq[2] = 'A'
	}
	parts[3] = string(seq)
	assert.Error(t, Validate(strings.Join(parts, "-")))
}

func TestEntityTypeValid(t *testing.T) {
	for _, et := range []EntityType{TypePerson, TypeLocation, TypeThing, TypeEvent, TypeAsset} {
		assert.True(t, et.Valid())
	}
	assert.False(t, EntityType("Q").Valid())
	assert.False(t, EntityType("").Valid())
}
