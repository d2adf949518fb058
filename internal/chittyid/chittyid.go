// Package chittyid implements the canonical ChittyOS identifier grammar and a
// client for the external minting service.
//
// The grammar is eight dash-separated segments:
//
//	VV-G-LLL-SSSS-T-YYMM-C-XX
//
// VV is the two-digit grammar version, G a single node character, LLL a
// three-character locality, SSSS a four-character sequence, T the entity type
// code, YYMM the mint month, C a mod-36 check character over the preceding
// segments, and XX a two-character suffix. Context entities always use the
// Person type code; lifecycle variants are tagged in entity metadata, never
// with a different type code.
package chittyid

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"
)

// EntityType is the single-letter type code in segment T.
type EntityType string

const (
	TypePerson   EntityType = "P"
	TypeLocation EntityType = "L"
	TypeThing    EntityType = "T"
	TypeEvent    EntityType = "E"
	TypeAsset    EntityType = "A"
)

// Valid reports whether t is a known type code.
func (t EntityType) Valid() bool {
	switch t {
	case TypePerson, TypeLocation, TypeThing, TypeEvent, TypeAsset:
		return true
	}
	return false
}

// Version is the grammar version emitted for locally generated identifiers.
const Version = "01"

const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

var segmentPattern = regexp.MustCompile(
	`^(\d{2})-([0-9A-Z])-([0-9A-Z]{3})-([0-9A-Z]{4})-([PLTEA])-(\d{4})-([0-9A-Z])-([0-9A-Z]{2})$`)

// ID is a parsed canonical identifier.
type ID struct {
	Version  string
	Node     string
	Locality string
	Sequence string
	Type     EntityType
	YYMM     string
	Check    string
	Suffix   string
}

// String reassembles the canonical dash-separated form.
func (id ID) String() string {
	return strings.Join([]string{
		id.Version, id.Node, id.Locality, id.Sequence,
		string(id.Type), id.YYMM, id.Check, id.Suffix,
	}, "-")
}

// Parse splits and validates a canonical identifier, including its check character.
func Parse(s string) (ID, error) {
	m := segmentPattern.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(s)))
	if m == nil {
		return ID{}, fmt.Errorf("chittyid: %q does not match the identifier grammar", s)
	}
	id := ID{
		Version:  m[1],
		Node:     m[2],
		Locality: m[3],
		Sequence: m[4],
		Type:     EntityType(m[5]),
		YYMM:     m[6],
		Check:    m[7],
		Suffix:   m[8],
	}
	if err := validateMonth(id.YYMM); err != nil {
		return ID{}, err
	}
	if want := checkChar(id); id.Check != want {
		return ID{}, fmt.Errorf("chittyid: check character mismatch (have %s, want %s)", id.Check, want)
	}
	return id, nil
}

// Validate reports whether s is a well-formed canonical identifier.
func Validate(s string) error {
	_, err := Parse(s)
	return err
}

// validateMonth checks the YYMM segment encodes a real month.
func validateMonth(yymm string) error {
	if yymm[2] > '1' || (yymm[2] == '1' && yymm[3] > '2') || yymm[2:] == "00" {
		return fmt.Errorf("chittyid: invalid mint month %q", yymm)
	}
	return nil
}

// checkChar computes the mod-36 check character over all segments except C,
// in grammar order.
func checkChar(id ID) string {
	payload := id.Version + id.Node + id.Locality + id.Sequence + string(id.Type) + id.YYMM + id.Suffix
	sum := 0
	for i, r := range payload {
		v := strings.IndexRune(alphabet, r)
		if v < 0 {
			v = 0
		}
		// Alternate doubling, Luhn-style, to catch transpositions.
		if i%2 == 1 {
			v *= 2
		}
		sum += v
	}
	return string(alphabet[sum%36])
}

// GenerateFallback creates a locally generated identifier conforming to the
// grammar. Used when the minting service is unreachable; entities carrying a
// fallback identifier are marked unsigned and re-minted later. The node
// character "Z" distinguishes local ids from minted ones.
func GenerateFallback(t EntityType, now time.Time) (string, error) {
	if !t.Valid() {
		return "", fmt.Errorf("chittyid: invalid entity type %q", t)
	}
	id := ID{
		Version: Version,
		Node:    "Z",
		Type:    t,
		YYMM:    now.UTC().Format("0601"),
	}
	var err error
	if id.Locality, err = randomSegment(3); err != nil {
		return "", err
	}
	if id.Sequence, err = randomSegment(4); err != nil {
		return "", err
	}
	if id.Suffix, err = randomSegment(2); err != nil {
		return "", err
	}
	id.Check = checkChar(id)
	return id.String(), nil
}

func randomSegment(n int) (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(alphabet)))
	for range n {
		i, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("chittyid: random segment: %w", err)
		}
		b.WriteByte(alphabet[i.Int64()])
	}
	return b.String(), nil
}
