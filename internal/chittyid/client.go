package chittyid

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/chittyos/chittybroker/internal/gateway"
	"github.com/chittyos/chittybroker/internal/model"
)

// ServiceName is the breaker/service identity of the minting service.
const ServiceName = "chittyid"

// Caller abstracts the outbound gateway for tests.
type Caller interface {
	Call(ctx context.Context, service string, req gateway.Request) (*gateway.Response, error)
}

// MintResult is a freshly minted identifier with its server signature.
type MintResult struct {
	ChittyID  string `json:"chittyId"`
	Signature string `json:"signature"`
}

// Client mints canonical identifiers via the central minting service.
type Client struct {
	baseURL string
	token   string
	gw      Caller
}

// NewClient creates a minting client. An empty baseURL makes every mint fail,
// pushing callers onto the fallback generator.
func NewClient(baseURL, token string, gw Caller) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), token: token, gw: gw}
}

// Configured reports whether a minting endpoint is set.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

// Mint requests a canonical identifier. Context entities are always minted as
// synthetic persons; lifecycle variants are tagged in metadata upstream.
func (c *Client) Mint(ctx context.Context, t EntityType, characterization string, metadata map[string]any) (*MintResult, error) {
	if !c.Configured() {
		return nil, &gateway.ServiceError{
			Code:    model.ErrCodeConfigUnavailable,
			Service: ServiceName,
			Message: "minting service not configured",
		}
	}
	if !t.Valid() {
		return nil, fmt.Errorf("chittyid: invalid entity type %q", t)
	}

	payload, err := json.Marshal(map[string]any{
		"entityType":       string(t),
		"characterization": characterization,
		"metadata":         metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("chittyid: marshal mint request: %w", err)
	}

	resp, err := c.gw.Call(ctx, ServiceName, gateway.Request{
		Method: http.MethodPost,
		URL:    c.baseURL + "/v1/mint",
		Header: http.Header{
			"Authorization": []string{"Bearer " + c.token},
			"Content-Type":  []string{"application/json"},
		},
		Body: payload,
	})
	if err != nil {
		return nil, err
	}

	var out MintResult
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("chittyid: decode mint response: %w", err)
	}
	if err := Validate(out.ChittyID); err != nil {
		return nil, fmt.Errorf("chittyid: minted id rejected: %w", err)
	}
	return &out, nil
}
