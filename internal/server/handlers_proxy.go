package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/chittyos/chittybroker/internal/gateway"
	"github.com/chittyos/chittybroker/internal/model"
)

// HandleProxy forwards a request to a downstream chitty service through the
// resilient gateway, injecting the brokered service token. Responses pass
// through verbatim so clients see the downstream contract, not the envelope.
func (h *Handlers) HandleProxy(w http.ResponseWriter, r *http.Request) {
	service := r.PathValue("service")
	if service == "" || service == "v1" {
		h.writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown route", nil)
		return
	}

	base := ""
	if h.serviceURL != nil {
		base = h.serviceURL(service)
	}
	if base == "" {
		h.writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeConfigUnavailable,
			"no endpoint configured for service "+service, nil)
		return
	}

	token, err := h.credentials.GetServiceToken(r.Context(), service)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "read request body: "+err.Error(), nil)
		return
	}

	url := strings.TrimSuffix(base, "/") + "/" + r.PathValue("path")
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}

	header := make(http.Header)
	header.Set("Authorization", "Bearer "+token)
	if ct := r.Header.Get("Content-Type"); ct != "" {
		header.Set("Content-Type", ct)
	}
	if accept := r.Header.Get("Accept"); accept != "" {
		header.Set("Accept", accept)
	}

	resp, err := h.gateway.Call(r.Context(), service, gateway.Request{
		Method: r.Method,
		URL:    url,
		Header: header,
		Body:   body,
	})
	if err != nil {
		// A downstream 401 means the cached token went stale.
		var svcErr *gateway.ServiceError
		if errors.As(err, &svcErr) && svcErr.Code == model.ErrCodeAuth {
			h.credentials.InvalidateToken(service)
		}
		h.respondError(w, r, err)
		return
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.Status)
	if _, err := w.Write(resp.Body); err != nil {
		h.logger.Warn("write proxy response", "service", service, "error", err)
	}
}
