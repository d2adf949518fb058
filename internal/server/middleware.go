package server

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/chittyos/chittybroker/internal/auth"
	"github.com/chittyos/chittybroker/internal/ctxutil"
	"github.com/chittyos/chittybroker/internal/model"
)

// unauthenticatedPath reports whether the path is served without credentials:
// discovery documents, health, and the token exchange itself.
func unauthenticatedPath(path string) bool {
	switch path {
	case "/health", "/openapi.json", "/api/v1/auth/token":
		return true
	}
	return strings.HasPrefix(path, "/.well-known/")
}

// requestIDMiddleware assigns a unique request ID to each request.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		ctx := ctxutil.WithRequestID(r.Context(), reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// securityHeadersMiddleware sets the standard hardening headers on every
// response.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs each request with structured fields.
func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", ctxutil.RequestIDFromContext(r.Context()),
		}
		if tid := traceIDFromContext(r.Context()); tid != "" {
			attrs = append(attrs, "trace_id", tid)
		}
		if id := ctxutil.IdentityFromContext(r.Context()); id != nil {
			attrs = append(attrs, "key_name", id.KeyName)
		}

		level := slog.LevelInfo
		if wrapped.statusCode >= 500 {
			level = slog.LevelError
		} else if wrapped.statusCode >= 400 {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "http request", attrs...)
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying writer so SSE streaming works through the
// middleware chain.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

var (
	tracer    = otel.Tracer("chittybroker/http")
	httpMeter = otel.GetMeterProvider().Meter("chittybroker/http")
)

// tracingMiddleware creates an OTEL span for each HTTP request
// and records request count and duration metrics.
func tracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.Path),
				attribute.String("http.request_id", ctxutil.RequestIDFromContext(r.Context())),
			),
		)
		defer span.End()

		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		duration := time.Since(start)
		span.SetAttributes(attribute.Int("http.status_code", wrapped.statusCode))

		attrs := []attribute.KeyValue{
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
			attribute.String("http.status_code", strconv.Itoa(wrapped.statusCode)),
		}

		// Record metrics (best-effort, instruments lazily created).
		if counter, err := httpMeter.Int64Counter("http.server.request_count"); err == nil {
			counter.Add(ctx, 1, otelmetric.WithAttributes(attrs...))
		}
		if hist, err := httpMeter.Float64Histogram("http.server.duration",
			otelmetric.WithUnit("ms")); err == nil {
			hist.Record(ctx, float64(duration.Milliseconds()), otelmetric.WithAttributes(attrs...))
		}
	})
}

// traceIDFromContext extracts the OTEL trace ID from the context, if any.
func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// authMiddleware resolves the caller's identity from either header form:
// `X-ChittyOS-API-Key: <raw key>` or `Authorization: Bearer <jwt or raw key>`.
// A raw key is recognised by its prefix and verified against the stored hash;
// anything else is treated as a JWT.
func (h *Handlers) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if unauthenticatedPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-ChittyOS-API-Key")
		if token == "" {
			header := r.Header.Get("Authorization")
			if header == "" {
				h.writeError(w, r, http.StatusUnauthorized, model.ErrCodeAuth, "missing credentials", nil)
				return
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				h.writeError(w, r, http.StatusUnauthorized, model.ErrCodeAuth, "invalid authorization format", nil)
				return
			}
			token = parts[1]
		}

		identity, err := h.resolveIdentity(r, token)
		if err != nil {
			h.writeError(w, r, http.StatusUnauthorized, model.ErrCodeAuth, "invalid or expired credentials", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctxutil.WithIdentity(r.Context(), identity)))
	})
}

// resolveIdentity authenticates a raw API key or a JWT.
func (h *Handlers) resolveIdentity(r *http.Request, token string) (*ctxutil.Identity, error) {
	if strings.HasPrefix(token, auth.KeyPrefix) {
		key, err := h.authn.AuthenticateKey(r.Context(), token)
		if err != nil {
			return nil, err
		}
		return &ctxutil.Identity{
			KeyID:   key.ID,
			KeyName: key.Name,
			Scopes:  key.Scopes,
		}, nil
	}

	claims, err := h.jwtMgr.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	keyID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, auth.ErrUnauthorized
	}
	return &ctxutil.Identity{
		KeyID:   keyID,
		KeyName: claims.KeyName,
		Scopes:  claims.Scopes,
		ViaJWT:  true,
	}, nil
}

// requireScope enforces a scope on the authenticated identity.
func (h *Handlers) requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := ctxutil.IdentityFromContext(r.Context())
			if id == nil {
				h.writeError(w, r, http.StatusUnauthorized, model.ErrCodeAuth, "no identity in context", nil)
				return
			}
			if !id.HasScope(scope) {
				h.writeError(w, r, http.StatusForbidden, model.ErrCodePermission, "insufficient scope", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// recoveryMiddleware converts handler panics into 500 responses instead of
// tearing down the connection.
func (h *Handlers) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("handler panic",
					"path", r.URL.Path,
					"panic", rec,
					"stack", string(debug.Stack()),
					"request_id", ctxutil.RequestIDFromContext(r.Context()))
				h.writeError(w, r, http.StatusInternalServerError, model.ErrCodeServer, "internal error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// maxBodyMiddleware bounds inbound request bodies.
func maxBodyMiddleware(limit int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limit > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}
