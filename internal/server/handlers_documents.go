package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/chittyos/chittybroker/internal/model"
	"github.com/chittyos/chittybroker/internal/objectstore"
)

// uploadIntentTTL bounds how long a pre-issued upload token stays valid.
const uploadIntentTTL = 15 * time.Minute

// uploadIntent is the KV payload behind an upload token.
type uploadIntent struct {
	ChittyID    string `json:"chittyId"`
	DocType     string `json:"docType"`
	DocID       string `json:"docId"`
	ContentType string `json:"contentType"`
}

// objectsConfigured rejects document routes when no object store is wired.
func (h *Handlers) objectsConfigured(w http.ResponseWriter, r *http.Request) bool {
	if h.objects == nil {
		h.writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeConfigUnavailable,
			"object store is not configured", nil)
		return false
	}
	return true
}

// HandleUploadDocument stores a document body under the owning context.
func (h *Handlers) HandleUploadDocument(w http.ResponseWriter, r *http.Request) {
	if !h.objectsConfigured(w, r) {
		return
	}
	chittyID, docType := r.PathValue("chittyId"), r.PathValue("docType")

	// The owning context must exist; documents are never orphaned.
	if _, err := h.store.GetContextByChittyID(r.Context(), chittyID); err != nil {
		h.respondError(w, r, err)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	docID := uuid.New().String()
	key := objectstore.DocumentKey(chittyID, docType, docID)
	if err := h.objects.Put(r.Context(), key, r.Body, contentType); err != nil {
		h.respondError(w, r, err)
		return
	}

	h.writeJSON(w, r, http.StatusCreated, map[string]any{
		"chittyId":    chittyID,
		"docType":     docType,
		"docId":       docID,
		"contentType": contentType,
	})
}

// HandleGetDocument streams a stored document back to the caller.
func (h *Handlers) HandleGetDocument(w http.ResponseWriter, r *http.Request) {
	if !h.objectsConfigured(w, r) {
		return
	}
	key := objectstore.DocumentKey(r.PathValue("chittyId"), r.PathValue("docType"), r.PathValue("docId"))

	body, contentType, err := h.objects.Get(r.Context(), key)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	defer body.Close()

	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.Warn("stream document", "key", key, "error", err)
	}
}

// HandleDeleteDocument removes a stored document.
func (h *Handlers) HandleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if !h.objectsConfigured(w, r) {
		return
	}
	key := objectstore.DocumentKey(r.PathValue("chittyId"), r.PathValue("docType"), r.PathValue("docId"))

	if err := h.objects.Delete(r.Context(), key); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]any{"deleted": true})
}

type uploadIntentRequest struct {
	ChittyID    string `json:"chittyId"`
	DocType     string `json:"docType"`
	ContentType string `json:"contentType,omitempty"`
}

// HandleCreateUploadIntent issues a one-shot upload token so large bodies can
// be pushed in a follow-up PUT without re-authenticating the metadata.
func (h *Handlers) HandleCreateUploadIntent(w http.ResponseWriter, r *http.Request) {
	if !h.objectsConfigured(w, r) {
		return
	}
	var req uploadIntentRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body: "+err.Error(), nil)
		return
	}
	if req.ChittyID == "" || req.DocType == "" {
		h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "chittyId and docType are required", nil)
		return
	}
	if _, err := h.store.GetContextByChittyID(r.Context(), req.ChittyID); err != nil {
		h.respondError(w, r, err)
		return
	}

	intent := uploadIntent{
		ChittyID:    req.ChittyID,
		DocType:     req.DocType,
		DocID:       uuid.New().String(),
		ContentType: req.ContentType,
	}
	payload, err := json.Marshal(intent)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	token := uuid.New().String()
	if err := h.kvStore.Put(r.Context(), "upload:"+token, string(payload), uploadIntentTTL); err != nil {
		h.respondError(w, r, err)
		return
	}

	h.writeJSON(w, r, http.StatusCreated, map[string]any{
		"token":     token,
		"docId":     intent.DocID,
		"expiresIn": int(uploadIntentTTL.Seconds()),
	})
}

// HandleUploadByToken consumes an upload intent and stores the request body.
func (h *Handlers) HandleUploadByToken(w http.ResponseWriter, r *http.Request) {
	if !h.objectsConfigured(w, r) {
		return
	}
	token := r.PathValue("token")

	raw, err := h.kvStore.Get(r.Context(), "upload:"+token)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var intent uploadIntent
	if err := json.Unmarshal([]byte(raw), &intent); err != nil {
		h.writeError(w, r, http.StatusInternalServerError, model.ErrCodeServer, "corrupt upload intent", nil)
		return
	}

	contentType := intent.ContentType
	if ct := r.Header.Get("Content-Type"); ct != "" {
		contentType = ct
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key := objectstore.DocumentKey(intent.ChittyID, intent.DocType, intent.DocID)
	if err := h.objects.Put(r.Context(), key, r.Body, contentType); err != nil {
		h.respondError(w, r, err)
		return
	}

	// Intents are one-shot; a second PUT with the same token is a 404.
	if err := h.kvStore.Delete(r.Context(), "upload:"+token); err != nil {
		h.logger.Warn("release upload intent", "error", err)
	}

	h.writeJSON(w, r, http.StatusCreated, map[string]any{
		"chittyId":    intent.ChittyID,
		"docType":     intent.DocType,
		"docId":       intent.DocID,
		"contentType": contentType,
	})
}
