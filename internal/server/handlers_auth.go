package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/chittyos/chittybroker/internal/auth"
	"github.com/chittyos/chittybroker/internal/model"
)

type tokenRequest struct {
	APIKey string `json:"apiKey"`
}

// HandleAuthToken exchanges a raw API key for a short-lived JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body: "+err.Error(), nil)
		return
	}
	if req.APIKey == "" {
		h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "apiKey is required", nil)
		return
	}

	key, err := h.authn.AuthenticateKey(r.Context(), req.APIKey)
	if err != nil {
		h.writeError(w, r, http.StatusUnauthorized, model.ErrCodeAuth, "invalid api key", nil)
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(*key)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]any{
		"token":     token,
		"tokenType": "Bearer",
		"expiresAt": expiresAt.UTC().Format(time.RFC3339),
	})
}

type createKeyRequest struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes,omitempty"`
}

// HandleCreateAPIKey mints a new API key. The raw key appears in this
// response and nowhere else; only the Argon2id hash is stored.
func (h *Handlers) HandleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body: "+err.Error(), nil)
		return
	}
	if req.Name == "" {
		h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "name is required", nil)
		return
	}
	if len(req.Scopes) == 0 {
		req.Scopes = []string{"context", "credentials"}
	}

	raw, prefix, err := auth.GenerateAPIKey()
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	hash, err := auth.HashAPIKey(raw)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	key := &model.APIKey{
		ID:      uuid.New(),
		Name:    req.Name,
		KeyHash: hash,
		Prefix:  prefix,
		Status:  model.KeyActive,
		Scopes:  req.Scopes,
	}
	if err := h.store.CreateAPIKey(r.Context(), key); err != nil {
		h.respondError(w, r, err)
		return
	}

	h.logger.Info("api key created", "name", key.Name, "prefix", key.Prefix)
	h.writeJSON(w, r, http.StatusCreated, map[string]any{
		"key":    raw, // shown once
		"record": key,
	})
}

// HandleListAPIKeys lists API key records (hashes excluded by the model).
func (h *Handlers) HandleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.store.ListAPIKeys(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]any{
		"keys":  keys,
		"count": len(keys),
	})
}

// HandleDisableAPIKey disables an API key; existing JWTs expire naturally.
func (h *Handlers) HandleDisableAPIKey(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "id must be a UUID", nil)
		return
	}
	if err := h.store.DisableAPIKey(r.Context(), id); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.logger.Info("api key disabled", "id", id)
	h.writeJSON(w, r, http.StatusOK, map[string]any{"disabled": true})
}

// adminKeyName is the record name of the bootstrap key.
const adminKeyName = "admin"

// SeedAdmin stores the bootstrap admin key from configuration if no admin key
// exists yet. Idempotent across restarts.
func (h *Handlers) SeedAdmin(ctx context.Context, rawKey string) error {
	if rawKey == "" {
		return nil
	}
	n, err := h.store.CountAPIKeysByName(ctx, adminKeyName)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	hash, err := auth.HashAPIKey(rawKey)
	if err != nil {
		return err
	}
	prefix, ok := auth.KeyLookupPrefix(rawKey)
	if !ok {
		return fmt.Errorf("server: admin api key must start with %q", auth.KeyPrefix)
	}

	key := &model.APIKey{
		ID:      uuid.New(),
		Name:    adminKeyName,
		KeyHash: hash,
		Prefix:  prefix,
		Status:  model.KeyActive,
		Scopes:  []string{"*"},
	}
	if err := h.store.CreateAPIKey(ctx, key); err != nil {
		return err
	}
	h.logger.Info("admin api key seeded", "prefix", prefix)
	return nil
}
