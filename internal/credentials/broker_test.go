package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chittyos/chittybroker/internal/gateway"
	"github.com/chittyos/chittybroker/internal/model"
)

type fakeVault struct {
	configured bool
	tokens     map[string]string
	tokenErr   error
	provisions int
	statuses   map[string]model.CredentialStatus
	revoked    []string
	calls      int
}

func (f *fakeVault) Configured() bool { return f.configured }

func (f *fakeVault) GetServiceToken(_ context.Context, service string) (string, error) {
	f.calls++
	if f.tokenErr != nil {
		return "", f.tokenErr
	}
	if t, ok := f.tokens[service]; ok {
		return t, nil
	}
	return "", &gateway.ServiceError{Code: model.ErrCodeNotFound, Service: "chittyvault"}
}

func (f *fakeVault) Provision(_ context.Context, _ string, _ map[string]any, _ int) (*model.ProvisionedCredential, error) {
	if f.tokenErr != nil {
		return nil, f.tokenErr
	}
	f.provisions++
	return &model.ProvisionedCredential{
		TokenID:   fmt.Sprintf("tok-%d", f.provisions),
		Secret:    "s3cret",
		ExpiresAt: time.Now().Add(24 * time.Hour).Unix(),
	}, nil
}

func (f *fakeVault) Validate(_ context.Context, _, tokenID string, _ bool) (model.CredentialStatus, error) {
	if f.tokenErr != nil {
		return model.CredentialUnknown, f.tokenErr
	}
	if s, ok := f.statuses[tokenID]; ok {
		return s, nil
	}
	return model.CredentialUnknown, nil
}

func (f *fakeVault) Revoke(_ context.Context, tokenID, _ string) error {
	if f.tokenErr != nil {
		return f.tokenErr
	}
	f.revoked = append(f.revoked, tokenID)
	return nil
}

type fakeAuditStore struct {
	entries []model.CredentialAuditEntry
}

func (s *fakeAuditStore) InsertCredentialAudit(_ context.Context, e *model.CredentialAuditEntry) error {
	if e.IssuedAt == 0 {
		e.IssuedAt = time.Now().Unix()
	}
	s.entries = append(s.entries, *e)
	return nil
}

func (s *fakeAuditStore) GetCredentialAuditByTokenID(_ context.Context, tokenID string) (*model.CredentialAuditEntry, error) {
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].TokenID == tokenID {
			e := s.entries[i]
			return &e, nil
		}
	}
	return nil, errors.New("not found")
}

func (s *fakeAuditStore) MarkCredentialRevoked(_ context.Context, tokenID, reason string) error {
	for i := range s.entries {
		if s.entries[i].TokenID == tokenID && s.entries[i].RevokedAt == 0 {
			s.entries[i].RevokedAt = time.Now().Unix()
			s.entries[i].RevokeReason = reason
			return nil
		}
	}
	return errors.New("not found")
}

func (s *fakeAuditStore) ListCredentialAudit(_ context.Context, f model.CredentialAuditFilter, limit int) ([]model.CredentialAuditEntry, error) {
	var out []model.CredentialAuditEntry
	for _, e := range s.entries {
		if f.Service != "" && e.Service != f.Service {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeAuditStore) lastOutcome() string {
	if len(s.entries) == 0 {
		return ""
	}
	return s.entries[len(s.entries)-1].Outcome
}

func newTestBroker(v *fakeVault, env map[string]string) (*Broker, *fakeAuditStore) {
	store := &fakeAuditStore{}
	b := New(v, store, slog.New(slog.DiscardHandler))
	b.getenv = func(key string) string { return env[key] }
	return b, store
}

func TestGetServiceTokenFromVaultThenCache(t *testing.T) {
	v := &fakeVault{configured: true, tokens: map[string]string{"chittycases": "vault-token"}}
	b, store := newTestBroker(v, nil)

	token, err := b.GetServiceToken(context.Background(), "chittycases")
	require.NoError(t, err)
	assert.Equal(t, "vault-token", token)
	assert.Equal(t, OutcomeVault, store.lastOutcome())

	// Second lookup is served from cache without a vault round trip.
	token, err = b.GetServiceToken(context.Background(), "chittycases")
	require.NoError(t, err)
	assert.Equal(t, "vault-token", token)
	assert.Equal(t, 1, v.calls)
}

func TestGetServiceTokenEnvFallback(t *testing.T) {
	v := &fakeVault{configured: true, tokenErr: &gateway.ServiceError{Code: model.ErrCodeServer, Service: "chittyvault"}}
	b, store := newTestBroker(v, map[string]string{"CHITTY_CASES_TOKEN": "env-token"})

	token, err := b.GetServiceToken(context.Background(), "chittycases")
	require.NoError(t, err, "vault failure must not surface while a fallback exists")
	assert.Equal(t, "env-token", token)
	assert.Equal(t, OutcomeFallback, store.lastOutcome())
}

func TestGetServiceTokenUnavailable(t *testing.T) {
	v := &fakeVault{configured: true, tokenErr: &gateway.ServiceError{Code: model.ErrCodeServer, Service: "chittyvault"}}
	b, store := newTestBroker(v, nil)

	_, err := b.GetServiceToken(context.Background(), "chittycases")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, OutcomeUnavailable, store.lastOutcome())
}

func TestInvalidateTokenForcesRefetch(t *testing.T) {
	v := &fakeVault{configured: true, tokens: map[string]string{"chittycases": "v1"}}
	b, _ := newTestBroker(v, nil)

	_, err := b.GetServiceToken(context.Background(), "chittycases")
	require.NoError(t, err)

	v.tokens["chittycases"] = "v2"
	b.InvalidateToken("chittycases")

	token, err := b.GetServiceToken(context.Background(), "chittycases")
	require.NoError(t, err)
	assert.Equal(t, "v2", token)
	assert.Equal(t, 2, v.calls)
}

func TestProvisionRecordsAudit(t *testing.T) {
	v := &fakeVault{configured: true}
	b, store := newTestBroker(v, nil)

	cred, err := b.Provision(context.Background(), "service_token", map[string]any{
		"service":           "chittycases",
		"requestingService": "chittybroker",
	}, 12)
	require.NoError(t, err)
	assert.NotEmpty(t, cred.Secret)

	entry, err := store.GetCredentialAuditByTokenID(context.Background(), cred.TokenID)
	require.NoError(t, err)
	assert.Equal(t, "chittycases", entry.Service)
	assert.Equal(t, "chittybroker", entry.RequestingService)
	assert.Equal(t, OutcomeVault, entry.Outcome)
	assert.NotZero(t, entry.ExpiresAt)
}

func TestValidatePrefersLocalState(t *testing.T) {
	v := &fakeVault{configured: true}
	b, _ := newTestBroker(v, nil)

	cred, err := b.Provision(context.Background(), "service_token", map[string]any{"service": "x"}, 1)
	require.NoError(t, err)

	// Vault has no opinion yet the local record says active.
	status, err := b.Validate(context.Background(), "service_token", cred.TokenID, false)
	require.NoError(t, err)
	assert.Equal(t, model.CredentialUnknown, status) // vault answered unknown

	require.NoError(t, b.Revoke(context.Background(), cred.TokenID, "rotation"))
	status, err = b.Validate(context.Background(), "service_token", cred.TokenID, false)
	require.NoError(t, err)
	assert.Equal(t, model.CredentialRevoked, status, "local revocation wins over the vault")
	assert.Equal(t, []string{cred.TokenID}, v.revoked)
}

func TestRevokeSurvivesUpstreamFailure(t *testing.T) {
	v := &fakeVault{configured: true}
	b, store := newTestBroker(v, nil)

	cred, err := b.Provision(context.Background(), "service_token", map[string]any{"service": "x"}, 1)
	require.NoError(t, err)

	v.tokenErr = &gateway.ServiceError{Code: model.ErrCodeServer, Service: "chittyvault"}
	require.NoError(t, b.Revoke(context.Background(), cred.TokenID, "compromise"))

	entry, err := store.GetCredentialAuditByTokenID(context.Background(), cred.TokenID)
	require.NoError(t, err)
	assert.NotZero(t, entry.RevokedAt)
}

func TestCacheLRUEviction(t *testing.T) {
	c := newTokenCache(time.Minute, 2)
	c.set("a", "1")
	c.set("b", "2")

	_, ok := c.get("a") // a becomes most recent
	require.True(t, ok)

	c.set("c", "3") // evicts b
	assert.Equal(t, 2, c.len())
	_, ok = c.get("b")
	assert.False(t, ok)
	_, ok = c.get("a")
	assert.True(t, ok)
}

func TestCacheTTLExpiry(t *testing.T) {
	c := newTokenCache(5*time.Minute, 10)
	base := time.Now()
	c.now = func() time.Time { return base }

	c.set("a", "1")
	_, ok := c.get("a")
	require.True(t, ok)

	base = base.Add(6 * time.Minute)
	_, ok = c.get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.len())
}
