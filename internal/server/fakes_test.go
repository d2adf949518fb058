package server_test

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chittyos/chittybroker/internal/credentials"
	"github.com/chittyos/chittybroker/internal/gateway"
	"github.com/chittyos/chittybroker/internal/model"
	"github.com/chittyos/chittybroker/internal/resolver"
	"github.com/chittyos/chittybroker/internal/storage"
)

// fakeBackend is an in-memory stand-in for the storage layer and the resolver.
// It satisfies server.Store, server.ContextService, and auth.KeyStore so the
// full HTTP surface can be exercised without Postgres.
type fakeBackend struct {
	mu       sync.Mutex
	byID     map[uuid.UUID]*model.ContextEntity
	byChitty map[string]*model.ContextEntity
	dna      map[uuid.UUID]*model.ContextDNA
	bindings map[string]*model.SessionBinding
	ledger   map[uuid.UUID][]model.LedgerEntry
	trust    map[uuid.UUID][]model.TrustEvolutionEntry
	keys     map[uuid.UUID]*model.APIKey
	seq      int
	pingErr  error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		byID:     make(map[uuid.UUID]*model.ContextEntity),
		byChitty: make(map[string]*model.ContextEntity),
		dna:      make(map[uuid.UUID]*model.ContextDNA),
		bindings: make(map[string]*model.SessionBinding),
		ledger:   make(map[uuid.UUID][]model.LedgerEntry),
		trust:    make(map[uuid.UUID][]model.TrustEvolutionEntry),
		keys:     make(map[uuid.UUID]*model.APIKey),
	}
}

func copyEntity(e *model.ContextEntity) *model.ContextEntity {
	c := *e
	return &c
}

func copyBinding(b *model.SessionBinding) *model.SessionBinding {
	c := *b
	return &c
}

// seedContext creates a context directly, bypassing the HTTP surface.
func (f *fakeBackend) seedContext(projectPath, workspace string) *model.ContextEntity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copyEntity(f.createLocked(resolver.PendingContext{
		ProjectPath: projectPath,
		Workspace:   workspace,
		SupportType: "development",
		ContextHash: "hash-" + projectPath,
	}))
}

func (f *fakeBackend) createLocked(p resolver.PendingContext) *model.ContextEntity {
	f.seq++
	now := time.Now().Unix()
	e := &model.ContextEntity{
		ID:           uuid.New(),
		ChittyID:     fmt.Sprintf("CB-TEST-%04d", f.seq),
		ContextHash:  p.ContextHash,
		ProjectPath:  p.ProjectPath,
		Workspace:    p.Workspace,
		SupportType:  p.SupportType,
		Organization: p.Organization,
		TrustScore:   20,
		TrustLevel:   1,
		Status:       model.StatusActive,
		CreatedAt:    now,
		LastActivity: now,
	}
	f.byID[e.ID] = e
	f.byChitty[e.ChittyID] = e
	f.dna[e.ID] = &model.ContextDNA{ContextID: e.ID, UpdatedAt: now}
	return e
}

// --- server.ContextService ---

func (f *fakeBackend) Resolve(_ context.Context, hints resolver.Hints) (*resolver.Resolution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if hints.ExplicitChittyID != "" {
		e, ok := f.byChitty[hints.ExplicitChittyID]
		if !ok {
			return nil, fmt.Errorf("%w: chitty id %s", storage.ErrNotFound, hints.ExplicitChittyID)
		}
		return &resolver.Resolution{
			Action:     resolver.ActionBindExisting,
			Context:    copyEntity(e),
			Confidence: 1,
			Reason:     "explicit identifier",
		}, nil
	}
	if hints.ProjectPath == "" && hints.Workspace == "" {
		return nil, resolver.ErrInsufficientHints
	}
	for _, e := range f.byID {
		if e.Status == model.StatusActive && e.ProjectPath == hints.ProjectPath {
			return &resolver.Resolution{
				Action:     resolver.ActionBindExisting,
				Context:    copyEntity(e),
				Confidence: 1,
				Reason:     "anchor fingerprint match",
			}, nil
		}
	}
	supportType := hints.SupportType
	if supportType == "" {
		supportType = "development"
	}
	return &resolver.Resolution{
		Action: resolver.ActionCreateNew,
		Pending: &resolver.PendingContext{
			ProjectPath:  hints.ProjectPath,
			Workspace:    hints.Workspace,
			SupportType:  supportType,
			Organization: hints.Organization,
			ContextHash:  "hash-" + hints.ProjectPath,
		},
		Confidence: 1,
		Reason:     "no existing context matches these anchors",
	}, nil
}

func (f *fakeBackend) CreateContext(_ context.Context, pending resolver.PendingContext) (*model.ContextEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copyEntity(f.createLocked(pending)), nil
}

func (f *fakeBackend) BindSession(_ context.Context, contextID uuid.UUID, sessionID, platform string) (*model.SessionBinding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, bound := f.bindings[sessionID]; bound {
		return nil, fmt.Errorf("%w: session %s already bound", storage.ErrConflict, sessionID)
	}
	entity, ok := f.byID[contextID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	now := time.Now().Unix()
	b := &model.SessionBinding{
		ID:           uuid.New(),
		ContextID:    contextID,
		SessionID:    sessionID,
		Platform:     platform,
		BoundAt:      now,
		LastActivity: now,
	}
	f.bindings[sessionID] = b
	entity.TotalSessions++
	entity.LastActivity = now
	return copyBinding(b), nil
}

func (f *fakeBackend) UnbindSession(_ context.Context, sessionID string, metrics model.SessionMetrics, reason model.UnbindReason) (*resolver.RollupResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.bindings[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: no active binding for session %s", storage.ErrNotFound, sessionID)
	}
	delete(f.bindings, sessionID)
	b.UnboundAt = time.Now().Unix()
	b.UnbindReason = reason
	b.InteractionsCount = metrics.Interactions
	b.DecisionsCount = metrics.Decisions
	b.SessionSuccessRate = metrics.SuccessRate

	entity := f.byID[b.ContextID]
	d := f.dna[b.ContextID]
	d.InteractionsCount += metrics.Interactions
	d.DecisionsCount += metrics.Decisions
	d.Competencies = append(d.Competencies, metrics.Competencies...)
	d.UpdatedAt = b.UnboundAt

	before := entity.TrustScore
	entity.TrustScore += metrics.SuccessRate
	if entity.TrustScore > 100 {
		entity.TrustScore = 100
	}
	return &resolver.RollupResult{
		Binding:    copyBinding(b),
		DNA:        *d,
		TrustScore: entity.TrustScore,
		TrustLevel: entity.TrustLevel,
		TrustMoved: entity.TrustScore != before,
	}, nil
}

func (f *fakeBackend) SwitchContext(_ context.Context, sessionID, _, toChittyID string, metrics model.SessionMetrics) (*model.SessionBinding, error) {
	f.mu.Lock()
	target, ok := f.byChitty[toChittyID]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: chitty id %s", storage.ErrNotFound, toChittyID)
	}
	if _, err := f.UnbindSession(context.Background(), sessionID, metrics, model.UnbindSessionComplete); err != nil {
		return nil, err
	}
	return f.BindSession(context.Background(), target.ID, sessionID, "")
}

func (f *fakeBackend) CurrentContext(_ context.Context, sessionID string) (*model.ContextEntity, *model.SessionBinding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.bindings[sessionID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: no active binding for session %s", storage.ErrNotFound, sessionID)
	}
	return copyEntity(f.byID[b.ContextID]), copyBinding(b), nil
}

func (f *fakeBackend) TouchSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.bindings[sessionID]
	if !ok {
		return fmt.Errorf("%w: no active binding for session %s", storage.ErrNotFound, sessionID)
	}
	b.LastActivity = time.Now().Unix()
	return nil
}

func (f *fakeBackend) ExpandDNA(_ context.Context, chittyID string, exp resolver.DNAExpansion) (*model.ContextDNA, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.byChitty[chittyID]
	if !ok {
		return nil, fmt.Errorf("%w: chitty id %s", storage.ErrNotFound, chittyID)
	}
	d := f.dna[e.ID]
	d.Patterns = append(d.Patterns, exp.Patterns...)
	d.Traits = append(d.Traits, exp.Traits...)
	d.Competencies = append(d.Competencies, exp.Competencies...)
	d.ExpertiseDomains = append(d.ExpertiseDomains, exp.ExpertiseDomains...)
	d.UpdatedAt = time.Now().Unix()
	c := *d
	return &c, nil
}

func (f *fakeBackend) CreateLifecycleContext(_ context.Context, kind model.LifecycleKind, parentIDs []uuid.UUID, supportType string) (*model.ContextEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, id := range parentIDs {
		if _, ok := f.byID[id]; !ok {
			return nil, storage.ErrNotFound
		}
	}
	if supportType == "" {
		supportType = "development"
	}
	e := f.createLocked(resolver.PendingContext{SupportType: supportType, ContextHash: "hash-" + string(kind)})
	e.Metadata = map[string]any{"lifecycle": string(kind)}
	return copyEntity(e), nil
}

func (f *fakeBackend) PreviewDecommission(_ context.Context, contextID uuid.UUID) (*resolver.DecommissionPreview, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.byID[contextID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	active := 0
	for _, b := range f.bindings {
		if b.ContextID == contextID {
			active++
		}
	}
	return &resolver.DecommissionPreview{
		Context:        copyEntity(e),
		ActiveSessions: active,
		LedgerEntries:  len(f.ledger[contextID]),
		TrustLogs:      len(f.trust[contextID]),
		Recommendation: "archive",
	}, nil
}

func (f *fakeBackend) Decommission(_ context.Context, contextID uuid.UUID, action model.ContextStatus, force bool) (*model.ContextEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.byID[contextID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	for sid, b := range f.bindings {
		if b.ContextID != contextID {
			continue
		}
		if !force {
			return nil, resolver.ErrActiveSessions
		}
		b.UnboundAt = time.Now().Unix()
		b.UnbindReason = model.UnbindRevoked
		delete(f.bindings, sid)
	}
	if !e.Status.CanTransition(action) {
		return nil, fmt.Errorf("%w: %s -> %s", resolver.ErrInvalidState, e.Status, action)
	}
	e.Status = action
	return copyEntity(e), nil
}

// --- server.Store ---

func (f *fakeBackend) Ping(context.Context) error { return f.pingErr }

func (f *fakeBackend) GetContext(_ context.Context, id uuid.UUID) (*model.ContextEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyEntity(e), nil
}

func (f *fakeBackend) GetContextByChittyID(_ context.Context, chittyID string) (*model.ContextEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byChitty[chittyID]
	if !ok {
		return nil, fmt.Errorf("%w: chitty id %s", storage.ErrNotFound, chittyID)
	}
	return copyEntity(e), nil
}

func (f *fakeBackend) SearchContextsByProject(_ context.Context, projectPath, supportType string, limit int) ([]model.ContextEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ContextEntity
	for _, e := range f.byID {
		if len(out) >= limit {
			break
		}
		if e.ProjectPath == projectPath && (supportType == "" || e.SupportType == supportType) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *fakeBackend) SearchContextsByAnchors(_ context.Context, supportType, organization string, limit int) ([]model.ContextEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ContextEntity
	for _, e := range f.byID {
		if len(out) >= limit {
			break
		}
		if (supportType == "" || e.SupportType == supportType) &&
			(organization == "" || e.Organization == organization) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *fakeBackend) ListContexts(_ context.Context, status model.ContextStatus, limit, _ int) ([]model.ContextEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ContextEntity
	for _, e := range f.byID {
		if len(out) >= limit {
			break
		}
		if status == "" || e.Status == status {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *fakeBackend) CountContextsByStatus(context.Context) (map[model.ContextStatus]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[model.ContextStatus]int)
	for _, e := range f.byID {
		out[e.Status]++
	}
	return out, nil
}

func (f *fakeBackend) GetDNA(_ context.Context, contextID uuid.UUID) (*model.ContextDNA, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.dna[contextID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *d
	return &c, nil
}

func (f *fakeBackend) GetActiveBinding(_ context.Context, sessionID string) (*model.SessionBinding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bindings[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: no active binding for session %s", storage.ErrNotFound, sessionID)
	}
	return copyBinding(b), nil
}

func (f *fakeBackend) ListActiveBindingsForContext(_ context.Context, contextID uuid.UUID) ([]model.SessionBinding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.SessionBinding
	for _, b := range f.bindings {
		if b.ContextID == contextID {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (f *fakeBackend) ListTrustHistory(_ context.Context, contextID uuid.UUID, limit int) ([]model.TrustEvolutionEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := f.trust[contextID]
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (f *fakeBackend) ListLedger(_ context.Context, contextID uuid.UUID, _ int64, limit int) ([]model.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := f.ledger[contextID]
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (f *fakeBackend) CountLedgerEntries(_ context.Context, contextID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ledger[contextID]), nil
}

func (f *fakeBackend) LatestLedgerCheckpoint(context.Context) (string, int64, error) {
	return "", 0, nil
}

func (f *fakeBackend) CreateAPIKey(_ context.Context, k *model.APIKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if k.CreatedAt == 0 {
		k.CreatedAt = time.Now().Unix()
	}
	c := *k
	f.keys[k.ID] = &c
	return nil
}

func (f *fakeBackend) ListAPIKeys(context.Context) ([]model.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.APIKey, 0, len(f.keys))
	for _, k := range f.keys {
		out = append(out, *k)
	}
	return out, nil
}

func (f *fakeBackend) DisableAPIKey(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[id]
	if !ok {
		return storage.ErrNotFound
	}
	k.Status = model.KeyDisabled
	return nil
}

func (f *fakeBackend) CountAPIKeysByName(_ context.Context, name string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, k := range f.keys {
		if k.Name == name {
			n++
		}
	}
	return n, nil
}

// --- auth.KeyStore ---

func (f *fakeBackend) GetAPIKeysByPrefix(_ context.Context, prefix string) ([]model.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.APIKey
	for _, k := range f.keys {
		if k.Prefix == prefix && k.Status == model.KeyActive {
			out = append(out, *k)
		}
	}
	return out, nil
}

func (f *fakeBackend) TouchAPIKey(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if k, ok := f.keys[id]; ok {
		k.LastUsedAt = time.Now().Unix()
	}
	return nil
}

// fakeCredentials satisfies server.CredentialService.
type fakeCredentials struct {
	mu          sync.Mutex
	tokens      map[string]string
	provisioned map[string]model.CredentialStatus
	audit       []model.CredentialAuditEntry
	invalidated []string
	seq         int
}

func newFakeCredentials() *fakeCredentials {
	return &fakeCredentials{
		tokens:      make(map[string]string),
		provisioned: make(map[string]model.CredentialStatus),
	}
}

func (f *fakeCredentials) GetServiceToken(_ context.Context, service string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	token, ok := f.tokens[service]
	if !ok {
		return "", fmt.Errorf("%w: service %s", credentials.ErrUnavailable, service)
	}
	return token, nil
}

func (f *fakeCredentials) InvalidateToken(service string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, service)
}

func (f *fakeCredentials) Provision(_ context.Context, credType string, credCtx map[string]any, ttlHours int) (*model.ProvisionedCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	tokenID := fmt.Sprintf("cred-%04d", f.seq)
	f.provisioned[tokenID] = model.CredentialActive
	if ttlHours <= 0 {
		ttlHours = 24
	}
	expires := time.Now().Add(time.Duration(ttlHours) * time.Hour).Unix()
	f.audit = append(f.audit, model.CredentialAuditEntry{
		ID:        uuid.New(),
		Type:      credType,
		TokenID:   tokenID,
		Outcome:   "vault",
		Context:   credCtx,
		IssuedAt:  time.Now().Unix(),
		ExpiresAt: expires,
	})
	return &model.ProvisionedCredential{
		TokenID:   tokenID,
		Secret:    fmt.Sprintf("s3cr3t-%04d", f.seq),
		ExpiresAt: expires,
	}, nil
}

func (f *fakeCredentials) Validate(_ context.Context, _, tokenID string, _ bool) (model.CredentialStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.provisioned[tokenID]
	if !ok {
		return model.CredentialUnknown, nil
	}
	return status, nil
}

func (f *fakeCredentials) Revoke(_ context.Context, tokenID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.provisioned[tokenID]; !ok {
		return fmt.Errorf("%w: token %s", storage.ErrNotFound, tokenID)
	}
	f.provisioned[tokenID] = model.CredentialRevoked
	return nil
}

func (f *fakeCredentials) Audit(_ context.Context, filter model.CredentialAuditFilter, limit int) ([]model.CredentialAuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.CredentialAuditEntry
	for _, e := range f.audit {
		if len(out) >= limit {
			break
		}
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		if filter.Service != "" && e.Service != filter.Service {
			continue
		}
		if filter.TokenID != "" && e.TokenID != filter.TokenID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeCredentials) invalidatedServices() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.invalidated...)
}

// fakeGateway satisfies server.Outbound and records the last outbound request.
type fakeGateway struct {
	mu      sync.Mutex
	lastReq gateway.Request
	respond func(service string, req gateway.Request) (*gateway.Response, error)
}

func (f *fakeGateway) Call(_ context.Context, service string, req gateway.Request) (*gateway.Response, error) {
	f.mu.Lock()
	f.lastReq = req
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		return respond(service, req)
	}
	header := http.Header{"Content-Type": []string{"application/json"}}
	return &gateway.Response{Status: http.StatusOK, Header: header, Body: []byte(`{"ok":true}`)}, nil
}

func (f *fakeGateway) BreakerStates() map[string]string {
	return map[string]string{"chittycases": "closed"}
}

func (f *fakeGateway) lastRequest() gateway.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq
}

func (f *fakeGateway) setRespond(fn func(service string, req gateway.Request) (*gateway.Response, error)) {
	f.mu.Lock()
	f.respond = fn
	f.mu.Unlock()
}
