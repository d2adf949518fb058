// Package vault is the HTTP client for the ChittyOS secrets vault. All calls
// go through the outbound gateway so vault traffic shares the same breaker,
// retry, and classification policies as every other downstream service.
package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/chittyos/chittybroker/internal/gateway"
	"github.com/chittyos/chittybroker/internal/model"
)

// ServiceName is the breaker/service identity of the vault.
const ServiceName = "chittyvault"

// Caller abstracts the outbound gateway for tests.
type Caller interface {
	Call(ctx context.Context, service string, req gateway.Request) (*gateway.Response, error)
}

// Client talks to the vault.
type Client struct {
	baseURL string
	token   string
	gw      Caller
}

// New creates a vault client. baseURL may be empty, in which case every call
// fails with a configuration error and callers fall back to env tokens.
func New(baseURL, token string, gw Caller) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), token: token, gw: gw}
}

// Configured reports whether a vault endpoint is set.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

var errNotConfigured = &gateway.ServiceError{
	Code:    model.ErrCodeConfigUnavailable,
	Service: ServiceName,
	Message: "vault endpoint not configured",
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	if !c.Configured() {
		return errNotConfigured
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("vault: marshal request: %w", err)
		}
	}

	header := http.Header{
		"Authorization": []string{"Bearer " + c.token},
		"Content-Type":  []string{"application/json"},
	}
	resp, err := c.gw.Call(ctx, ServiceName, gateway.Request{
		Method: method,
		URL:    c.baseURL + path,
		Header: header,
		Body:   payload,
	})
	if err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return fmt.Errorf("vault: decode response: %w", err)
		}
	}
	return nil
}

// GetServiceToken reads the static token at the canonical path
// services/{service}/service_token.
func (c *Client) GetServiceToken(ctx context.Context, service string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	path := fmt.Sprintf("/v1/secrets/services/%s/service_token", url.PathEscape(service))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", &gateway.ServiceError{
			Code:    model.ErrCodeNotFound,
			Service: ServiceName,
			Message: "empty token at " + path,
		}
	}
	return out.Token, nil
}

// Provision asks the vault to mint a short-lived credential.
func (c *Client) Provision(ctx context.Context, credType string, credCtx map[string]any, ttlHours int) (*model.ProvisionedCredential, error) {
	var out model.ProvisionedCredential
	err := c.do(ctx, http.MethodPost, "/v1/credentials/provision", map[string]any{
		"type":     credType,
		"context":  credCtx,
		"ttlHours": ttlHours,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Validate asks the vault for the current status of a token.
func (c *Client) Validate(ctx context.Context, credType, tokenID string, checkPermissions bool) (model.CredentialStatus, error) {
	var out struct {
		Status model.CredentialStatus `json:"status"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/credentials/validate", map[string]any{
		"type":             credType,
		"tokenId":          tokenID,
		"checkPermissions": checkPermissions,
	}, &out)
	if err != nil {
		return model.CredentialUnknown, err
	}
	return out.Status, nil
}

// Revoke tells the vault to revoke a token. Best-effort: callers record the
// revocation locally regardless.
func (c *Client) Revoke(ctx context.Context, tokenID, reason string) error {
	return c.do(ctx, http.MethodPost, "/v1/credentials/revoke", map[string]any{
		"tokenId": tokenID,
		"reason":  reason,
	}, nil)
}
