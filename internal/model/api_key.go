package model

import "github.com/google/uuid"

// KeyStatus is the state of an API key record.
type KeyStatus string

const (
	KeyActive   KeyStatus = "active"
	KeyDisabled KeyStatus = "disabled"
)

// APIKey is a stored API key. KeyHash is an Argon2id hash — the raw key is
// shown to the caller once at creation and never stored.
type APIKey struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	KeyHash    string    `json:"-"`
	Prefix     string    `json:"prefix"` // first 8 chars of the raw key, for identification
	Status     KeyStatus `json:"status"`
	Scopes     []string  `json:"scopes"`
	CreatedAt  int64     `json:"createdAt"`
	LastUsedAt int64     `json:"lastUsedAt,omitempty"`
}

// HasScope reports whether the key carries the given scope. A key with the
// wildcard scope "*" passes every check.
func (k APIKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == "*" || s == scope {
			return true
		}
	}
	return false
}
