// Package credentials brokers downstream service credentials: an LRU+TTL
// token cache in front of the vault, a conventional environment fallback, and
// an audit trail for every provisioning decision. Secrets are returned to
// callers exactly once and never logged or persisted.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/chittyos/chittybroker/internal/config"
	"github.com/chittyos/chittybroker/internal/gateway"
	"github.com/chittyos/chittybroker/internal/model"
)

const (
	cacheTTL     = 5 * time.Minute
	cacheMaxSize = 256
)

// Outcomes recorded on audit entries.
const (
	OutcomeVault       = "vault"
	OutcomeCache       = "cache"
	OutcomeFallback    = "fallback_used"
	OutcomeUnavailable = "unavailable"
)

// ErrUnavailable is returned when neither the vault nor an environment
// fallback can produce a credential. Routes surface it as 503.
var ErrUnavailable = errors.New("credentials: no source available")

// Vault is the subset of the vault client the broker needs.
type Vault interface {
	Configured() bool
	GetServiceToken(ctx context.Context, service string) (string, error)
	Provision(ctx context.Context, credType string, credCtx map[string]any, ttlHours int) (*model.ProvisionedCredential, error)
	Validate(ctx context.Context, credType, tokenID string, checkPermissions bool) (model.CredentialStatus, error)
	Revoke(ctx context.Context, tokenID, reason string) error
}

// AuditStore is the storage surface for the credential audit trail.
type AuditStore interface {
	InsertCredentialAudit(ctx context.Context, e *model.CredentialAuditEntry) error
	GetCredentialAuditByTokenID(ctx context.Context, tokenID string) (*model.CredentialAuditEntry, error)
	MarkCredentialRevoked(ctx context.Context, tokenID, reason string) error
	ListCredentialAudit(ctx context.Context, f model.CredentialAuditFilter, limit int) ([]model.CredentialAuditEntry, error)
}

// Broker is the credential broker.
type Broker struct {
	vault  Vault
	store  AuditStore
	cache  *tokenCache
	logger *slog.Logger
	getenv func(string) string
}

// New creates a Broker.
func New(v Vault, store AuditStore, logger *slog.Logger) *Broker {
	return &Broker{
		vault:  v,
		store:  store,
		cache:  newTokenCache(cacheTTL, cacheMaxSize),
		logger: logger,
		getenv: os.Getenv,
	}
}

// GetServiceToken resolves the outbound token for a downstream service:
// cache first, then the vault at the canonical path, then the conventional
// CHITTY_{SERVICE}_TOKEN environment variable. Vault failures are logged but
// not surfaced while a fallback exists; with no source, ErrUnavailable.
func (b *Broker) GetServiceToken(ctx context.Context, service string) (string, error) {
	if token, ok := b.cache.get(service); ok {
		return token, nil
	}

	token, err := b.vault.GetServiceToken(ctx, service)
	if err == nil {
		b.cache.set(service, token)
		b.audit(ctx, "service_token", service, OutcomeVault, nil)
		return token, nil
	}
	b.logger.Warn("vault token lookup failed, trying env fallback",
		"service", service, "error", err)

	if token := b.getenv(config.ServiceTokenEnvVar(service)); token != "" {
		b.cache.set(service, token)
		b.audit(ctx, "service_token", service, OutcomeFallback, nil)
		return token, nil
	}

	b.audit(ctx, "service_token", service, OutcomeUnavailable, nil)
	return "", fmt.Errorf("%w: service %s", ErrUnavailable, service)
}

// InvalidateToken drops a cached token, e.g. after a downstream 401.
func (b *Broker) InvalidateToken(service string) {
	b.cache.invalidate(service)
}

// Provision mints a short-lived credential via the vault and records an audit
// entry. The secret is present only in the returned value.
func (b *Broker) Provision(ctx context.Context, credType string, credCtx map[string]any, ttlHours int) (*model.ProvisionedCredential, error) {
	if ttlHours <= 0 {
		ttlHours = 24
	}
	cred, err := b.vault.Provision(ctx, credType, credCtx, ttlHours)
	if err != nil {
		b.audit(ctx, credType, serviceFromContext(credCtx), OutcomeUnavailable, credCtx)
		if isConfigUnavailable(err) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}

	entry := &model.CredentialAuditEntry{
		Type:              credType,
		Service:           serviceFromContext(credCtx),
		RequestingService: requestingFromContext(credCtx),
		TokenID:           cred.TokenID,
		Outcome:           OutcomeVault,
		Context:           credCtx,
		ExpiresAt:         cred.ExpiresAt,
	}
	if err := b.store.InsertCredentialAudit(ctx, entry); err != nil {
		// The credential exists upstream; losing the audit row is worse than
		// returning it, so log loudly and continue.
		b.logger.Error("record credential provision", "tokenId", cred.TokenID, "error", err)
	}
	return cred, nil
}

// Validate reports the status of a provisioned token. Local audit state wins
// for revocation and expiry; otherwise the vault is consulted.
func (b *Broker) Validate(ctx context.Context, credType, tokenID string, checkPermissions bool) (model.CredentialStatus, error) {
	entry, err := b.store.GetCredentialAuditByTokenID(ctx, tokenID)
	if err == nil {
		if entry.RevokedAt > 0 {
			return model.CredentialRevoked, nil
		}
		if entry.ExpiresAt > 0 && entry.ExpiresAt < time.Now().Unix() {
			return model.CredentialExpired, nil
		}
	}

	status, vErr := b.vault.Validate(ctx, credType, tokenID, checkPermissions)
	if vErr != nil {
		if err == nil {
			// We issued it and it is not revoked or expired locally.
			return model.CredentialActive, nil
		}
		return model.CredentialUnknown, nil
	}
	return status, nil
}

// Revoke marks the token revoked locally and attempts upstream revocation.
// Upstream failure does not undo the local revocation.
func (b *Broker) Revoke(ctx context.Context, tokenID, reason string) error {
	if err := b.store.MarkCredentialRevoked(ctx, tokenID, reason); err != nil {
		return err
	}
	if err := b.vault.Revoke(ctx, tokenID, reason); err != nil {
		b.logger.Warn("upstream credential revocation failed",
			"tokenId", tokenID, "error", err)
	}
	return nil
}

// Audit queries the audit trail.
func (b *Broker) Audit(ctx context.Context, f model.CredentialAuditFilter, limit int) ([]model.CredentialAuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return b.store.ListCredentialAudit(ctx, f, limit)
}

// audit records a retrieval outcome; failures are logged, never surfaced.
func (b *Broker) audit(ctx context.Context, credType, service, outcome string, credCtx map[string]any) {
	err := b.store.InsertCredentialAudit(ctx, &model.CredentialAuditEntry{
		Type:    credType,
		Service: service,
		Outcome: outcome,
		Context: credCtx,
	})
	if err != nil {
		b.logger.Warn("record credential audit", "service", service, "outcome", outcome, "error", err)
	}
}

func isConfigUnavailable(err error) bool {
	var svcErr *gateway.ServiceError
	return errors.As(err, &svcErr) && svcErr.Code == model.ErrCodeConfigUnavailable
}

func serviceFromContext(credCtx map[string]any) string {
	if s, ok := credCtx["service"].(string); ok {
		return s
	}
	return ""
}

func requestingFromContext(credCtx map[string]any) string {
	if s, ok := credCtx["requestingService"].(string); ok {
		return s
	}
	return ""
}
