package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/chittyos/chittybroker/internal/integrity"
	"github.com/chittyos/chittybroker/internal/model"
)

type lifecycleRequest struct {
	Kind            model.LifecycleKind `json:"kind"`
	ParentChittyIDs []string            `json:"parentChittyIds"`
	SupportType     string              `json:"supportType,omitempty"`
}

// HandleLifecycle creates a lifecycle context (supernova, fission,
// derivative, suspension) from one or more parents.
func (h *Handlers) HandleLifecycle(w http.ResponseWriter, r *http.Request) {
	var req lifecycleRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body: "+err.Error(), nil)
		return
	}
	if len(req.ParentChittyIDs) == 0 {
		h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "parentChittyIds is required", nil)
		return
	}

	parents := make([]uuid.UUID, 0, len(req.ParentChittyIDs))
	for _, cid := range req.ParentChittyIDs {
		entity, err := h.store.GetContextByChittyID(r.Context(), cid)
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		parents = append(parents, entity.ID)
	}

	child, err := h.contexts.CreateLifecycleContext(r.Context(), req.Kind, parents, req.SupportType)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusCreated, child)
}

// HandleDecommissionPreview reports what decommissioning a context would do.
func (h *Handlers) HandleDecommissionPreview(w http.ResponseWriter, r *http.Request) {
	entity, err := h.store.GetContextByChittyID(r.Context(), r.PathValue("chittyId"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	preview, err := h.contexts.PreviewDecommission(r.Context(), entity.ID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, preview)
}

type decommissionRequest struct {
	ChittyID string `json:"chittyId"`
	Action   string `json:"action"` // archive | revoke
	Force    bool   `json:"force,omitempty"`
}

// HandleDecommission archives or revokes a context. Active sessions block
// the operation unless force is set, in which case they are unbound with
// reason revoked.
func (h *Handlers) HandleDecommission(w http.ResponseWriter, r *http.Request) {
	var req decommissionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body: "+err.Error(), nil)
		return
	}

	var target model.ContextStatus
	switch req.Action {
	case "archive":
		target = model.StatusArchived
	case "revoke":
		target = model.StatusRevoked
	default:
		h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "action must be archive or revoke", nil)
		return
	}

	entity, err := h.store.GetContextByChittyID(r.Context(), req.ChittyID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	updated, err := h.contexts.Decommission(r.Context(), entity.ID, target, req.Force)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, updated)
}

// HandleTrustHistory lists the trust evolution log of a context.
func (h *Handlers) HandleTrustHistory(w http.ResponseWriter, r *http.Request) {
	entity, err := h.store.GetContextByChittyID(r.Context(), r.PathValue("chittyId"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	entries, err := h.store.ListTrustHistory(r.Context(), entity.ID, queryInt(r.URL.Query().Get("limit"), 50, 500))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]any{
		"chittyId": entity.ChittyID,
		"entries":  entries,
		"count":    len(entries),
	})
}

// HandleLedger lists a context's ledger entries, optionally verifying the
// hash chain over the returned window.
func (h *Handlers) HandleLedger(w http.ResponseWriter, r *http.Request) {
	entity, err := h.store.GetContextByChittyID(r.Context(), r.PathValue("chittyId"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	q := r.URL.Query()
	afterSeq := int64(queryInt(q.Get("afterSeq"), 0, 0))
	entries, err := h.store.ListLedger(r.Context(), entity.ID, afterSeq, queryInt(q.Get("limit"), 100, 1000))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	data := map[string]any{
		"chittyId": entity.ChittyID,
		"entries":  entries,
		"count":    len(entries),
	}
	if q.Get("verify") == "true" && afterSeq == 0 {
		verified, vErr := integrity.VerifyChain(entries)
		data["verifiedEntries"] = verified
		data["chainIntact"] = vErr == nil
		if vErr != nil {
			data["chainError"] = vErr.Error()
		}
	}
	h.writeJSON(w, r, http.StatusOK, data)
}
