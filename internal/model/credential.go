package model

import "github.com/google/uuid"

// CredentialStatus is the validation state of a provisioned credential.
type CredentialStatus string

const (
	CredentialActive  CredentialStatus = "active"
	CredentialExpired CredentialStatus = "expired"
	CredentialRevoked CredentialStatus = "revoked"
	CredentialUnknown CredentialStatus = "unknown"
)

// CredentialAuditEntry records one credential provisioning or retrieval.
// TokenID is unique when present (P6 relies on looking entries up by it).
type CredentialAuditEntry struct {
	ID                uuid.UUID      `json:"id"`
	Type              string         `json:"type"`    // e.g. service_token, api_key, signing_key
	Service           string         `json:"service"` // target service the credential is for
	RequestingService string         `json:"requestingService,omitempty"`
	TokenID           string         `json:"tokenId,omitempty"`
	Outcome           string         `json:"outcome"` // vault | cache | fallback_used | unavailable
	Context           map[string]any `json:"context,omitempty"`
	IssuedAt          int64          `json:"issuedAt"`
	ExpiresAt         int64          `json:"expiresAt,omitempty"`
	RevokedAt         int64          `json:"revokedAt,omitempty"`
	RevokeReason      string         `json:"revokeReason,omitempty"`
}

// ProvisionedCredential is returned from a provisioning call. Secret is
// returned exactly once and never persisted or logged.
type ProvisionedCredential struct {
	TokenID   string `json:"tokenId"`
	Secret    string `json:"secret"`
	ExpiresAt int64  `json:"expiresAt"`
}

// CredentialAuditFilter narrows audit queries.
type CredentialAuditFilter struct {
	Service string
	Type    string
	TokenID string
	Since   int64
}
