package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// KeyPrefix marks raw ChittyBroker API keys.
const KeyPrefix = "cbk_"

// prefixLen is how many leading characters of a raw key are stored in clear
// for lookup. Prefixes are not unique; verification is against the hash.
const prefixLen = 8

// GenerateAPIKey returns a new raw API key and its lookup prefix. The raw key
// is shown to the caller once; only the Argon2id hash and the prefix persist.
func GenerateAPIKey() (raw, prefix string, err error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("auth: generate api key: %w", err)
	}
	raw = KeyPrefix + base64.RawURLEncoding.EncodeToString(buf)
	return raw, raw[:prefixLen], nil
}

// KeyLookupPrefix extracts the stored prefix from a presented raw key.
// Returns false when the value cannot be one of our keys.
func KeyLookupPrefix(raw string) (string, bool) {
	if !strings.HasPrefix(raw, KeyPrefix) || len(raw) < prefixLen {
		return "", false
	}
	return raw[:prefixLen], true
}
