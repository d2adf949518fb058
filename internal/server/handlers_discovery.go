package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/chittyos/chittybroker/internal/kv"
	"github.com/chittyos/chittybroker/internal/model"
	"github.com/chittyos/chittybroker/internal/objectstore"
)

// HandleHealth reports backend reachability and breaker states. Unauthenticated.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := model.HealthResponse{
		Status:     "healthy",
		Version:    h.version,
		Postgres:   "ok",
		Redis:      "ok",
		UptimeSecs: int64(time.Since(h.startedAt).Seconds()),
	}

	if err := h.store.Ping(ctx); err != nil {
		resp.Postgres = "unreachable"
		resp.Status = "unhealthy"
	}
	if h.kvStore != nil {
		if _, err := h.kvStore.Get(ctx, "health:probe"); err != nil && !errors.Is(err, kv.ErrNotFound) {
			resp.Redis = "unreachable"
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		}
	} else {
		resp.Redis = "disabled"
	}
	if h.objects != nil {
		resp.ObjectStore = "ok"
		if _, err := h.objects.Stat(ctx, "health/probe"); err != nil && !errors.Is(err, objectstore.ErrNotFound) {
			resp.ObjectStore = "unreachable"
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}
	if h.gateway != nil {
		resp.Breakers = h.gateway.BreakerStates()
	}

	status := http.StatusOK
	if resp.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, r, status, resp)
}

// HandleWellKnown serves the service discovery document.
func (h *Handlers) HandleWellKnown(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, map[string]any{
		"service": serviceName,
		"version": h.version,
		"capabilities": []string{
			"context-resolution",
			"credential-brokering",
			"mcp",
			"documents",
			"events",
		},
		"endpoints": map[string]string{
			"api":     "/api/v1",
			"mcp":     "/mcp",
			"events":  "/api/v1/events",
			"openapi": "/openapi.json",
			"health":  "/health",
		},
		"auth": map[string]any{
			"headers":       []string{"X-ChittyOS-API-Key", "Authorization"},
			"tokenExchange": "/api/v1/auth/token",
		},
	})
}

// HandleOpenAPISpec serves the embedded OpenAPI document.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(openAPISpec))
}

// HandleEvents streams broker events as SSE until the client disconnects.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		h.writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeConfigUnavailable,
			"event streaming is not configured", nil)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, r, http.StatusInternalServerError, model.ErrCodeServer, "streaming unsupported", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	// Heartbeat keeps intermediaries from closing quiet connections.
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, open := <-ch:
			if !open {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
