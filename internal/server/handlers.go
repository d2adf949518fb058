// Package server implements the ChittyBroker HTTP API: the composite REST
// surface, the MCP transport mount, SSE event fan-out, and the proxy routes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/chittyos/chittybroker/internal/auth"
	"github.com/chittyos/chittybroker/internal/credentials"
	"github.com/chittyos/chittybroker/internal/ctxutil"
	"github.com/chittyos/chittybroker/internal/gateway"
	"github.com/chittyos/chittybroker/internal/kv"
	"github.com/chittyos/chittybroker/internal/model"
	"github.com/chittyos/chittybroker/internal/objectstore"
	"github.com/chittyos/chittybroker/internal/resolver"
	"github.com/chittyos/chittybroker/internal/storage"
)

// serviceName stamps the _meta block of every response.
const serviceName = "chittybroker"

// ContextService is the resolver surface the handlers need.
// *resolver.Resolver satisfies it.
type ContextService interface {
	Resolve(ctx context.Context, hints resolver.Hints) (*resolver.Resolution, error)
	CreateContext(ctx context.Context, pending resolver.PendingContext) (*model.ContextEntity, error)
	BindSession(ctx context.Context, contextID uuid.UUID, sessionID, platform string) (*model.SessionBinding, error)
	UnbindSession(ctx context.Context, sessionID string, metrics model.SessionMetrics, reason model.UnbindReason) (*resolver.RollupResult, error)
	SwitchContext(ctx context.Context, sessionID, fromChittyID, toChittyID string, metrics model.SessionMetrics) (*model.SessionBinding, error)
	CurrentContext(ctx context.Context, sessionID string) (*model.ContextEntity, *model.SessionBinding, error)
	TouchSession(ctx context.Context, sessionID string) error
	ExpandDNA(ctx context.Context, chittyID string, exp resolver.DNAExpansion) (*model.ContextDNA, error)
	CreateLifecycleContext(ctx context.Context, kind model.LifecycleKind, parentIDs []uuid.UUID, supportType string) (*model.ContextEntity, error)
	PreviewDecommission(ctx context.Context, contextID uuid.UUID) (*resolver.DecommissionPreview, error)
	Decommission(ctx context.Context, contextID uuid.UUID, action model.ContextStatus, force bool) (*model.ContextEntity, error)
}

// CredentialService is the broker surface the handlers need.
// *credentials.Broker satisfies it.
type CredentialService interface {
	GetServiceToken(ctx context.Context, service string) (string, error)
	InvalidateToken(service string)
	Provision(ctx context.Context, credType string, credCtx map[string]any, ttlHours int) (*model.ProvisionedCredential, error)
	Validate(ctx context.Context, credType, tokenID string, checkPermissions bool) (model.CredentialStatus, error)
	Revoke(ctx context.Context, tokenID, reason string) error
	Audit(ctx context.Context, f model.CredentialAuditFilter, limit int) ([]model.CredentialAuditEntry, error)
}

// Store is the read/admin storage surface the handlers use directly.
// *storage.DB satisfies it; everything write-heavy goes through the resolver.
type Store interface {
	Ping(ctx context.Context) error
	GetContext(ctx context.Context, id uuid.UUID) (*model.ContextEntity, error)
	GetContextByChittyID(ctx context.Context, chittyID string) (*model.ContextEntity, error)
	SearchContextsByProject(ctx context.Context, projectPath, supportType string, limit int) ([]model.ContextEntity, error)
	SearchContextsByAnchors(ctx context.Context, supportType, organization string, limit int) ([]model.ContextEntity, error)
	ListContexts(ctx context.Context, status model.ContextStatus, limit, offset int) ([]model.ContextEntity, error)
	CountContextsByStatus(ctx context.Context) (map[model.ContextStatus]int, error)
	GetDNA(ctx context.Context, contextID uuid.UUID) (*model.ContextDNA, error)
	GetActiveBinding(ctx context.Context, sessionID string) (*model.SessionBinding, error)
	ListActiveBindingsForContext(ctx context.Context, contextID uuid.UUID) ([]model.SessionBinding, error)
	ListTrustHistory(ctx context.Context, contextID uuid.UUID, limit int) ([]model.TrustEvolutionEntry, error)
	ListLedger(ctx context.Context, contextID uuid.UUID, afterSeq int64, limit int) ([]model.LedgerEntry, error)
	CountLedgerEntries(ctx context.Context, contextID uuid.UUID) (int, error)
	LatestLedgerCheckpoint(ctx context.Context) (string, int64, error)

	CreateAPIKey(ctx context.Context, k *model.APIKey) error
	ListAPIKeys(ctx context.Context) ([]model.APIKey, error)
	DisableAPIKey(ctx context.Context, id uuid.UUID) error
	CountAPIKeysByName(ctx context.Context, name string) (int, error)
}

// Outbound is the gateway surface the proxy routes use. *gateway.Gateway
// satisfies it.
type Outbound interface {
	Call(ctx context.Context, service string, req gateway.Request) (*gateway.Response, error)
	BreakerStates() map[string]string
}

// HandlersDeps carries everything Handlers needs. Optional fields (nil-safe):
// Objects, KV, Gateway, Credentials, Broker.
type HandlersDeps struct {
	Store       Store
	Contexts    ContextService
	Credentials CredentialService
	Gateway     Outbound
	Objects     *objectstore.Store
	KV          kv.Store
	JWTMgr      *auth.JWTManager
	Authn       *auth.Authenticator
	Broker      *Broker
	Logger      *slog.Logger

	Version string
	// ServiceURL maps a proxied service name to its base URL; empty string
	// means the service is unknown.
	ServiceURL func(service string) string
}

// Handlers owns all HTTP handler methods.
type Handlers struct {
	store       Store
	contexts    ContextService
	credentials CredentialService
	gateway     Outbound
	objects     *objectstore.Store
	kvStore     kv.Store
	jwtMgr      *auth.JWTManager
	authn       *auth.Authenticator
	broker      *Broker
	logger      *slog.Logger

	version    string
	serviceURL func(string) string
	startedAt  time.Time

	// dispatch replays batch sub-requests through the route table. Set by
	// server.New once the mux exists.
	dispatch http.Handler
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		store:       deps.Store,
		contexts:    deps.Contexts,
		credentials: deps.Credentials,
		gateway:     deps.Gateway,
		objects:     deps.Objects,
		kvStore:     deps.KV,
		jwtMgr:      deps.JWTMgr,
		authn:       deps.Authn,
		broker:      deps.Broker,
		logger:      deps.Logger,
		version:     deps.Version,
		serviceURL:  deps.ServiceURL,
		startedAt:   time.Now(),
	}
}

// meta builds the response _meta block for the request.
func (h *Handlers) meta(r *http.Request) model.ResponseMeta {
	return model.NewMeta(ctxutil.RequestIDFromContext(r.Context()), serviceName, h.version)
}

// writeJSON writes a success envelope.
func (h *Handlers) writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIResponse{
		Success: true,
		Data:    data,
		Meta:    h.meta(r),
	})
}

// writeError writes an error envelope with an explicit code and status.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{Code: code, Message: message, Details: details},
		Meta:  h.meta(r),
	})
}

// respondError maps a domain error onto the canonical taxonomy and writes the
// envelope. Secret material never reaches the message.
func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, err error) {
	code := model.ErrCodeServer
	message := err.Error()
	var details any

	var svcErr *gateway.ServiceError
	switch {
	case errors.As(err, &svcErr):
		code = svcErr.Code
		if svcErr.BreakerOpen {
			details = map[string]any{"breakerOpen": true, "service": svcErr.Service}
		}
	case errors.Is(err, resolver.ErrInsufficientHints):
		code = model.ErrCodeValidation
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, objectstore.ErrNotFound), errors.Is(err, kv.ErrNotFound):
		code = model.ErrCodeNotFound
	case errors.Is(err, storage.ErrConflict):
		code = model.ErrCodeConflict
	case errors.Is(err, resolver.ErrInvalidState), errors.Is(err, resolver.ErrActiveSessions):
		code = model.ErrCodeConflict
	case errors.Is(err, credentials.ErrUnavailable):
		code = model.ErrCodeConfigUnavailable
		message = "credential source unavailable; check vault configuration or the documented environment fallback"
	case errors.Is(err, auth.ErrUnauthorized):
		code = model.ErrCodeAuth
	case errors.Is(err, context.DeadlineExceeded):
		code = model.ErrCodeTimeout
	case errors.Is(err, context.Canceled):
		code = model.ErrCodeTimeout
		message = "request cancelled"
	}

	status := model.HTTPStatusForCode(code)
	if status >= 500 {
		h.logger.Error("request failed",
			"path", r.URL.Path, "code", code, "error", err,
			"request_id", ctxutil.RequestIDFromContext(r.Context()))
		// Do not leak internals on 5xx.
		message = "internal error"
	}
	h.writeError(w, r, status, code, message, details)
}

// decodeJSON decodes a JSON request body, rejecting unknown fields.
func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}
