package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/chittyos/chittybroker/internal/model"
)

// maxBatchRequests bounds one batch call.
const maxBatchRequests = 10

type batchSubRequest struct {
	Method string          `json:"method"`
	Path   string          `json:"path"`
	Body   json.RawMessage `json:"body,omitempty"`
}

type batchRequest struct {
	Parallel bool              `json:"parallel,omitempty"`
	Requests []batchSubRequest `json:"requests"`
}

type batchSubResult struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// HandleBatch executes up to ten sub-requests against the API, sequentially
// (threading the previous response's context forward) or in parallel.
// Returns 207 when outcomes are mixed.
func (h *Handlers) HandleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body: "+err.Error(), nil)
		return
	}
	if len(req.Requests) == 0 {
		h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "requests is required", nil)
		return
	}
	if len(req.Requests) > maxBatchRequests {
		h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "batch exceeds the limit of 10 sub-requests", nil)
		return
	}
	for i, sub := range req.Requests {
		if !batchablePath(sub.Path) {
			h.writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation,
				"request "+strconv.Itoa(i)+" targets a path not allowed in a batch", nil)
			return
		}
	}

	results := make([]batchSubResult, len(req.Requests))
	if req.Parallel {
		g, ctx := errgroup.WithContext(r.Context())
		for i, sub := range req.Requests {
			g.Go(func() error {
				results[i] = h.execSub(r.WithContext(ctx), sub)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		var carried json.RawMessage
		for i, sub := range req.Requests {
			sub.Body = threadContext(sub.Body, carried)
			results[i] = h.execSub(r, sub)
			carried = contextOf(results[i])
		}
	}

	status := http.StatusOK
	for _, res := range results {
		if res.Status >= 400 {
			status = http.StatusMultiStatus
			break
		}
	}
	h.writeJSON(w, r, status, map[string]any{"results": results})
}

// batchablePath restricts sub-requests to the JSON API and keeps batches from
// nesting or hijacking streaming endpoints.
func batchablePath(path string) bool {
	if !strings.HasPrefix(path, "/api/v1/") {
		return false
	}
	switch {
	case strings.HasPrefix(path, "/api/v1/batch"),
		strings.HasPrefix(path, "/api/v1/events"),
		strings.HasPrefix(path, "/api/v1/auth/"):
		return false
	}
	return true
}

// execSub replays one sub-request through the route table, inheriting the
// parent's context and identity.
func (h *Handlers) execSub(parent *http.Request, sub batchSubRequest) batchSubResult {
	method := sub.Method
	if method == "" {
		method = http.MethodGet
	}

	var body *bytes.Reader
	if len(sub.Body) > 0 {
		body = bytes.NewReader(sub.Body)
	} else {
		body = bytes.NewReader(nil)
	}

	subReq, err := http.NewRequestWithContext(parent.Context(), method, sub.Path, body)
	if err != nil {
		payload, _ := json.Marshal(map[string]any{"error": err.Error()})
		return batchSubResult{Status: http.StatusBadRequest, Body: payload}
	}
	subReq.Header.Set("Content-Type", "application/json")

	rec := &bufferedResponse{status: http.StatusOK, header: make(http.Header)}
	h.dispatch.ServeHTTP(rec, subReq)
	return batchSubResult{Status: rec.status, Body: rec.body.Bytes()}
}

// threadContext merges the carried context object into a sub-request body
// that does not set its own.
func threadContext(body, carried json.RawMessage) json.RawMessage {
	if len(carried) == 0 {
		return body
	}
	var fields map[string]json.RawMessage
	if len(body) == 0 {
		fields = make(map[string]json.RawMessage, 1)
	} else if err := json.Unmarshal(body, &fields); err != nil {
		return body
	}
	if _, ok := fields["context"]; ok {
		return body
	}
	fields["context"] = carried
	merged, err := json.Marshal(fields)
	if err != nil {
		return body
	}
	return merged
}

// contextOf extracts data.context from a successful sub-result for threading.
func contextOf(res batchSubResult) json.RawMessage {
	if res.Status >= 400 {
		return nil
	}
	var envelope struct {
		Data struct {
			Context json.RawMessage `json:"context"`
		} `json:"data"`
	}
	if err := json.Unmarshal(res.Body, &envelope); err != nil {
		return nil
	}
	return envelope.Data.Context
}

// bufferedResponse captures a sub-request's response in memory.
type bufferedResponse struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) Write(p []byte) (int, error) { return b.body.Write(p) }

func (b *bufferedResponse) WriteHeader(status int) { b.status = status }
