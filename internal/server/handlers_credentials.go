package server

import (
	"net/http"

	"github.com/chittyos/chittybroker/internal/model"
)

type provisionRequest struct {
	Type     string         `json:"type"`
	Context  map[string]any `json:"context,omitempty"`
	TTLHours int            `json:"ttlHours,omitempty"`
}

// HandleProvision mints a short-lived credential through the vault. The
// secret appears in this response and nowhere else.
func (h *Handlers) HandleProvision(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body: "+err.Error(), nil)
		return
	}
	if req.Type == "" {
		h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "type is required", nil)
		return
	}

	cred, err := h.credentials.Provision(r.Context(), req.Type, req.Context, req.TTLHours)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusCreated, cred)
}

type validateRequest struct {
	Type             string `json:"type"`
	TokenID          string `json:"tokenId"`
	CheckPermissions bool   `json:"checkPermissions,omitempty"`
}

// HandleValidate reports the status of a provisioned credential.
func (h *Handlers) HandleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body: "+err.Error(), nil)
		return
	}
	if req.TokenID == "" {
		h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "tokenId is required", nil)
		return
	}

	status, err := h.credentials.Validate(r.Context(), req.Type, req.TokenID, req.CheckPermissions)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]any{
		"tokenId": req.TokenID,
		"status":  status,
	})
}

type revokeRequest struct {
	TokenID string `json:"tokenId"`
	Reason  string `json:"reason,omitempty"`
}

// HandleRevoke revokes a provisioned credential locally and upstream.
func (h *Handlers) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body: "+err.Error(), nil)
		return
	}
	if req.TokenID == "" {
		h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "tokenId is required", nil)
		return
	}

	if err := h.credentials.Revoke(r.Context(), req.TokenID, req.Reason); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]any{
		"tokenId": req.TokenID,
		"status":  model.CredentialRevoked,
	})
}

// HandleCredentialAudit queries the provisioning audit trail. Audit rows carry
// token ids and outcomes, never secret material.
func (h *Handlers) HandleCredentialAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.CredentialAuditFilter{
		Service: q.Get("service"),
		Type:    q.Get("type"),
		TokenID: q.Get("tokenId"),
		Since:   int64(queryInt(q.Get("since"), 0, 0)),
	}

	entries, err := h.credentials.Audit(r.Context(), filter, queryInt(q.Get("limit"), 100, 500))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

type retrieveRequest struct {
	Service string `json:"service"`
}

// HandleRetrieve resolves the outbound token for a downstream service:
// cache, then vault, then the documented environment fallback.
func (h *Handlers) HandleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body: "+err.Error(), nil)
		return
	}
	if req.Service == "" {
		h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "service is required", nil)
		return
	}

	token, err := h.credentials.GetServiceToken(r.Context(), req.Service)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]any{
		"service": req.Service,
		"token":   token,
	})
}
