package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/chittyos/chittybroker/internal/model"
	"github.com/chittyos/chittybroker/internal/resolver"
)

// HandleResolve maps session hints to an existing context, a fuzzy candidate,
// or a pending new context.
func (h *Handlers) HandleResolve(w http.ResponseWriter, r *http.Request) {
	var hints resolver.Hints
	if err := decodeJSON(r, &hints); err != nil {
		h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body: "+err.Error(), nil)
		return
	}

	res, err := h.contexts.Resolve(r.Context(), hints)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, res)
}

type bindRequest struct {
	Action         string                   `json:"action"`
	ChittyID       string                   `json:"chittyId,omitempty"`
	PendingContext *resolver.PendingContext `json:"pendingContext,omitempty"`
	SessionID      string                   `json:"sessionId"`
	Platform       string                   `json:"platform,omitempty"`

	// Context is the entity threaded in from a preceding batch sub-request
	// (e.g. a resolve). Used as the bind target when chittyId is not set.
	Context *model.ContextEntity `json:"context,omitempty"`
}

type bindResponse struct {
	Context *model.ContextEntity  `json:"context"`
	Binding *model.SessionBinding `json:"binding"`
	Created bool                  `json:"created,omitempty"`
}

// HandleBind binds a session to a context. With action create_new and a
// pending context it mints and persists the entity first; otherwise the
// target is looked up by its identifier.
func (h *Handlers) HandleBind(w http.ResponseWriter, r *http.Request) {
	var req bindRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body: "+err.Error(), nil)
		return
	}
	if req.SessionID == "" {
		h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "sessionId is required", nil)
		return
	}

	var (
		entity  *model.ContextEntity
		created bool
		err     error
	)
	switch req.Action {
	case resolver.ActionCreateNew:
		if req.PendingContext == nil {
			h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "pendingContext is required for create_new", nil)
			return
		}
		entity, err = h.contexts.CreateContext(r.Context(), *req.PendingContext)
		created = err == nil
	case resolver.ActionBindExisting, resolver.ActionBindExistingFuzzy, "":
		if req.ChittyID == "" && req.Context != nil {
			req.ChittyID = req.Context.ChittyID
		}
		if req.ChittyID == "" {
			h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "chittyId is required", nil)
			return
		}
		entity, err = h.store.GetContextByChittyID(r.Context(), req.ChittyID)
	default:
		h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "unknown action "+req.Action, nil)
		return
	}
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	binding, err := h.contexts.BindSession(r.Context(), entity.ID, req.SessionID, req.Platform)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.writeJSON(w, r, status, bindResponse{Context: entity, Binding: binding, Created: created})
}

type unbindRequest struct {
	SessionID string               `json:"sessionId"`
	Metrics   model.SessionMetrics `json:"metrics"`
	Reason    model.UnbindReason   `json:"reason,omitempty"`

	// Context is accepted so batch threading does not break the strict
	// decoder; unbind is keyed on sessionId and ignores it.
	Context json.RawMessage `json:"context,omitempty"`
}

// HandleUnbind closes a session binding and rolls its metrics into the
// owning context.
func (h *Handlers) HandleUnbind(w http.ResponseWriter, r *http.Request) {
	var req unbindRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body: "+err.Error(), nil)
		return
	}
	if req.SessionID == "" {
		h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "sessionId is required", nil)
		return
	}
	if err := req.Metrics.Validate(); err != nil {
		h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, err.Error(), nil)
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = model.UnbindSessionComplete
	}

	result, err := h.contexts.UnbindSession(r.Context(), req.SessionID, req.Metrics, reason)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, result)
}

type switchRequest struct {
	SessionID    string               `json:"sessionId"`
	FromChittyID string               `json:"fromChittyId"`
	ToChittyID   string               `json:"toChittyId"`
	Metrics      model.SessionMetrics `json:"metrics"`

	// Context is the threaded entity from a preceding batch sub-request; used
	// as the switch target when toChittyId is not set.
	Context *model.ContextEntity `json:"context,omitempty"`
}

// HandleSwitch atomically moves a session from one context to another.
func (h *Handlers) HandleSwitch(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body: "+err.Error(), nil)
		return
	}
	if req.ToChittyID == "" && req.Context != nil {
		req.ToChittyID = req.Context.ChittyID
	}
	if req.SessionID == "" || req.ToChittyID == "" {
		h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "sessionId and toChittyId are required", nil)
		return
	}
	if err := req.Metrics.Validate(); err != nil {
		h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, err.Error(), nil)
		return
	}

	binding, err := h.contexts.SwitchContext(r.Context(), req.SessionID, req.FromChittyID, req.ToChittyID, req.Metrics)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, binding)
}

type expandRequest struct {
	ChittyID string `json:"chittyId"`
	resolver.DNAExpansion

	// Context is the threaded entity from a preceding batch sub-request; used
	// as the target when chittyId is not set.
	Context *model.ContextEntity `json:"context,omitempty"`
}

// HandleExpand unions an explicit expansion into a context's DNA.
func (h *Handlers) HandleExpand(w http.ResponseWriter, r *http.Request) {
	var req expandRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body: "+err.Error(), nil)
		return
	}
	if req.ChittyID == "" && req.Context != nil {
		req.ChittyID = req.Context.ChittyID
	}
	if req.ChittyID == "" {
		h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "chittyId is required", nil)
		return
	}

	dna, err := h.contexts.ExpandDNA(r.Context(), req.ChittyID, req.DNAExpansion)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, dna)
}

// HandleCurrent returns the context a session is currently bound to.
func (h *Handlers) HandleCurrent(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "sessionId query parameter is required", nil)
		return
	}

	entity, binding, err := h.contexts.CurrentContext(r.Context(), sessionID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]any{
		"context": entity,
		"binding": binding,
	})
}

// HandleSearch searches contexts by project path or anchor fields.
func (h *Handlers) HandleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := queryInt(q.Get("limit"), 20, 100)

	var (
		results []model.ContextEntity
		err     error
	)
	switch {
	case q.Get("projectPath") != "":
		results, err = h.store.SearchContextsByProject(r.Context(), q.Get("projectPath"), q.Get("supportType"), limit)
	case q.Get("supportType") != "" || q.Get("organization") != "":
		results, err = h.store.SearchContextsByAnchors(r.Context(), q.Get("supportType"), q.Get("organization"), limit)
	default:
		status := model.ContextStatus(q.Get("status"))
		if status != "" && !status.Valid() {
			h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "unknown status "+string(status), nil)
			return
		}
		results, err = h.store.ListContexts(r.Context(), status, limit, queryInt(q.Get("offset"), 0, 10000))
	}
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]any{
		"contexts": results,
		"count":    len(results),
	})
}

// summaryTrustEntries bounds the trust history included in a summary.
const summaryTrustEntries = 10

// HandleSummary returns the full picture of one context: entity, DNA,
// ledger size, recent trust history, and active sessions.
func (h *Handlers) HandleSummary(w http.ResponseWriter, r *http.Request) {
	chittyID := r.PathValue("chittyId")

	entity, err := h.store.GetContextByChittyID(r.Context(), chittyID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	dna, err := h.store.GetDNA(r.Context(), entity.ID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	ledgerCount, err := h.store.CountLedgerEntries(r.Context(), entity.ID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	trust, err := h.store.ListTrustHistory(r.Context(), entity.ID, summaryTrustEntries)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	bindings, err := h.store.ListActiveBindingsForContext(r.Context(), entity.ID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.writeJSON(w, r, http.StatusOK, map[string]any{
		"context":        entity,
		"dna":            dna,
		"ledgerEntries":  ledgerCount,
		"trustHistory":   trust,
		"activeSessions": bindings,
	})
}

// queryInt parses a positive integer query parameter with a default and cap.
func queryInt(s string, def, max int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	if max > 0 && n > max {
		return max
	}
	return n
}
