package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/chittyos/chittybroker/internal/ctxutil"
	"github.com/chittyos/chittybroker/internal/mcp"
	"github.com/chittyos/chittybroker/internal/ratelimit"
)

// Server is the ChittyBroker HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Config holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, Broker, MCPServer, Tracker, Objects,
// KV, Gateway.
type Config struct {
	Handlers HandlersDeps

	// Optional dependencies (nil = disabled).
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer
	Tracker   *mcp.SessionTracker

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	RequestTimeout      time.Duration
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(cfg.Handlers)
	logger := cfg.Handlers.Logger

	// One keyed limit over the whole authenticated surface; the window lives
	// in KV so the bound holds across instances.
	rl := ratelimit.Middleware(cfg.Limiter, identityKeyFunc, func(r *http.Request) string {
		return ctxutil.RequestIDFromContext(r.Context())
	})

	mux := http.NewServeMux()

	// Discovery (no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.json", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /.well-known/chitty.json", h.HandleWellKnown)

	// Token exchange (no auth beyond the key being exchanged).
	mux.Handle("POST /api/v1/auth/token", http.HandlerFunc(h.HandleAuthToken))

	// Resolver API.
	contextScope := h.requireScope("context")
	mux.Handle("POST /api/v1/context/resolve", rl(contextScope(http.HandlerFunc(h.HandleResolve))))
	mux.Handle("POST /api/v1/context/bind", rl(contextScope(http.HandlerFunc(h.HandleBind))))
	mux.Handle("POST /api/v1/context/unbind", rl(contextScope(http.HandlerFunc(h.HandleUnbind))))
	mux.Handle("POST /api/v1/context/switch", rl(contextScope(http.HandlerFunc(h.HandleSwitch))))
	mux.Handle("POST /api/v1/context/expand", rl(contextScope(http.HandlerFunc(h.HandleExpand))))
	mux.Handle("GET /api/v1/context/current", rl(contextScope(http.HandlerFunc(h.HandleCurrent))))
	mux.Handle("GET /api/v1/context/search", rl(contextScope(http.HandlerFunc(h.HandleSearch))))
	mux.Handle("GET /api/v1/context/summary/{chittyId}", rl(contextScope(http.HandlerFunc(h.HandleSummary))))
	mux.Handle("GET /api/v1/context/trust/{chittyId}", rl(contextScope(http.HandlerFunc(h.HandleTrustHistory))))
	mux.Handle("GET /api/v1/context/ledger/{chittyId}", rl(contextScope(http.HandlerFunc(h.HandleLedger))))

	// Lifecycle and decommissioning (admin).
	adminScope := h.requireScope("admin")
	mux.Handle("POST /api/v1/context/lifecycle", rl(adminScope(http.HandlerFunc(h.HandleLifecycle))))
	mux.Handle("GET /api/v1/context/decommission/preview/{chittyId}", rl(adminScope(http.HandlerFunc(h.HandleDecommissionPreview))))
	mux.Handle("POST /api/v1/context/decommission", rl(adminScope(http.HandlerFunc(h.HandleDecommission))))

	// Credential broker API.
	credScope := h.requireScope("credentials")
	mux.Handle("POST /api/v1/credentials/provision", rl(credScope(http.HandlerFunc(h.HandleProvision))))
	mux.Handle("POST /api/v1/credentials/validate", rl(credScope(http.HandlerFunc(h.HandleValidate))))
	mux.Handle("POST /api/v1/credentials/revoke", rl(credScope(http.HandlerFunc(h.HandleRevoke))))
	mux.Handle("GET /api/v1/credentials/audit", rl(credScope(http.HandlerFunc(h.HandleCredentialAudit))))
	mux.Handle("POST /api/v1/credentials/retrieve", rl(credScope(http.HandlerFunc(h.HandleRetrieve))))

	// Sessions.
	mux.Handle("GET /api/v1/sessions", rl(contextScope(http.HandlerFunc(h.HandleListSessions))))
	mux.Handle("GET /api/v1/sessions/{sessionId}", rl(contextScope(http.HandlerFunc(h.HandleGetSession))))
	mux.Handle("POST /api/v1/sessions/{sessionId}/touch", rl(contextScope(http.HandlerFunc(h.HandleTouchSession))))

	// Documents.
	docScope := h.requireScope("documents")
	mux.Handle("POST /api/v1/documents/uploads", rl(docScope(http.HandlerFunc(h.HandleCreateUploadIntent))))
	mux.Handle("PUT /api/v1/documents/uploads/{token}", rl(docScope(http.HandlerFunc(h.HandleUploadByToken))))
	mux.Handle("POST /api/v1/documents/{chittyId}/{docType}", rl(docScope(http.HandlerFunc(h.HandleUploadDocument))))
	mux.Handle("GET /api/v1/documents/{chittyId}/{docType}/{docId}", rl(docScope(http.HandlerFunc(h.HandleGetDocument))))
	mux.Handle("DELETE /api/v1/documents/{chittyId}/{docType}/{docId}", rl(docScope(http.HandlerFunc(h.HandleDeleteDocument))))

	// API key administration.
	mux.Handle("POST /api/v1/keys", rl(adminScope(http.HandlerFunc(h.HandleCreateAPIKey))))
	mux.Handle("GET /api/v1/keys", rl(adminScope(http.HandlerFunc(h.HandleListAPIKeys))))
	mux.Handle("DELETE /api/v1/keys/{id}", rl(adminScope(http.HandlerFunc(h.HandleDisableAPIKey))))

	// Batch (rate limited once; sub-requests bypass the limiter).
	mux.Handle("POST /api/v1/batch", rl(http.HandlerFunc(h.HandleBatch)))

	// SSE events (no rate limit; long-lived connection).
	mux.Handle("GET /api/v1/events", contextScope(http.HandlerFunc(h.HandleEvents)))

	// MCP StreamableHTTP transport with session tracking.
	if cfg.MCPServer != nil {
		var mcpHandler http.Handler = mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		if cfg.Tracker != nil {
			mcpHandler = cfg.Tracker.TrackSessions(mcpHandler)
		}
		mux.Handle("/mcp", mcpHandler)
	}

	// Proxy routes for downstream chitty services. Registered with wildcards,
	// so the explicit /api/v1 routes above always win.
	if cfg.Handlers.Gateway != nil {
		mux.Handle("/api/{service}/{path...}", rl(http.HandlerFunc(h.HandleProxy)))
	}

	// Batch sub-requests replay through the bare route table: they inherit
	// the parent's identity and request ID from its context.
	h.dispatch = mux

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → max body → recovery → handler.
	var handler http.Handler = mux
	handler = h.recoveryMiddleware(handler)
	handler = maxBodyMiddleware(cfg.MaxRequestBodyBytes, handler)
	handler = h.authMiddleware(handler)
	handler = loggingMiddleware(logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	if cfg.RequestTimeout > 0 {
		handler = requestTimeoutMiddleware(cfg.RequestTimeout, handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   logger,
	}
}

// requestTimeoutMiddleware applies the overall inbound deadline. Streaming
// endpoints (SSE, MCP) are exempt, they manage their own lifetimes.
func requestTimeoutMiddleware(timeout time.Duration, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/events" || r.URL.Path == "/mcp" {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// identityKeyFunc keys rate-limit windows by the authenticated key; the
// wildcard (admin) scope is exempt.
func identityKeyFunc(r *http.Request) string {
	id := ctxutil.IdentityFromContext(r.Context())
	if id == nil || id.HasScope("*") {
		return ""
	}
	return "discover:rate:" + id.KeyID.String()
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Handlers returns the underlying Handlers for access to SeedAdmin etc.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
