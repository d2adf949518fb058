package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/chittyos/chittybroker/internal/model"
)

// HandleGetSession returns the active binding for a session.
func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	binding, err := h.store.GetActiveBinding(r.Context(), r.PathValue("sessionId"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, binding)
}

// HandleTouchSession refreshes a session binding's last-activity marker,
// keeping it clear of the idle reaper.
func (h *Handlers) HandleTouchSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	if err := h.contexts.TouchSession(r.Context(), sessionID); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]any{"sessionId": sessionID, "touched": true})
}

// HandleListSessions lists active bindings for a context.
func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("contextId")
	if raw == "" {
		h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "contextId query parameter is required", nil)
		return
	}
	contextID, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "contextId must be a UUID", nil)
		return
	}

	bindings, err := h.store.ListActiveBindingsForContext(r.Context(), contextID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]any{
		"sessions": bindings,
		"count":    len(bindings),
	})
}
