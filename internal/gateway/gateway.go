// Package gateway is the single entry point for outbound HTTP calls to
// backend services. It layers per-service circuit breakers, bounded retries
// with jittered exponential backoff, per-request timeouts, and error
// classification over a shared http.Client.
package gateway

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/chittyos/chittybroker/internal/model"
)

// maxErrorBodyBytes bounds how much of a failed response is kept for the
// error message.
const maxErrorBodyBytes = 2048

// Request is an outbound request. Body is a byte slice so retries can replay it.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a fully read downstream response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Options tunes the gateway.
type Options struct {
	Timeout     time.Duration // per-attempt timeout
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// OnRetry is invoked before each retry sleep. May be nil.
	OnRetry func(service string, attempt int, err error, delay time.Duration)
	// OnStateChange is invoked on breaker transitions. May be nil.
	OnStateChange func(service string, from, to State)
}

// Gateway performs resilient outbound calls.
type Gateway struct {
	client   *http.Client
	breakers *Manager
	logger   *slog.Logger
	opts     Options

	// Test seams.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// New creates a Gateway. identityServices get the tighter breaker config.
func New(logger *slog.Logger, opts Options, identityServices ...string) *Gateway {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}

	overrides := make(map[string]BreakerConfig, len(identityServices))
	for _, s := range identityServices {
		overrides[s] = IdentityBreakerConfig
	}

	return &Gateway{
		client:   &http.Client{},
		breakers: NewManager(DefaultBreakerConfig, overrides, opts.OnStateChange),
		logger:   logger,
		opts:     opts,
		sleep:    sleepCtx,
		jitter:   rand.Float64,
	}
}

// BreakerStates snapshots breaker states for health reporting.
func (g *Gateway) BreakerStates() map[string]string {
	return g.breakers.States()
}

// Call issues the request against a named service, retrying retryable
// failures with backoff. Returns the response on any 2xx, or a *ServiceError.
func (g *Gateway) Call(ctx context.Context, service string, req Request) (*Response, error) {
	breaker := g.breakers.Get(service)

	var lastErr *ServiceError
	for attempt := range g.opts.MaxAttempts {
		if err := breaker.Allow(); err != nil {
			return nil, &ServiceError{
				Code:        model.ErrCodeServer,
				Service:     service,
				Message:     "circuit breaker open",
				BreakerOpen: true,
			}
		}

		resp, svcErr := g.attempt(ctx, service, req)
		if svcErr == nil {
			breaker.RecordSuccess()
			return resp, nil
		}

		if svcErr.CountsAsBreakerFailure() {
			breaker.RecordFailure()
		} else {
			breaker.RecordSuccess()
		}
		lastErr = svcErr

		if !svcErr.Retryable() || attempt == g.opts.MaxAttempts-1 {
			break
		}

		delay := g.backoff(attempt)
		if svcErr.Code == model.ErrCodeRateLimit && svcErr.RetryAfter > delay {
			delay = svcErr.RetryAfter
		}
		if g.opts.OnRetry != nil {
			g.opts.OnRetry(service, attempt+1, svcErr, delay)
		}
		g.logger.Warn("outbound retry",
			"service", service, "attempt", attempt+1, "code", svcErr.Code, "delay", delay)
		if err := g.sleep(ctx, delay); err != nil {
			return nil, classifyTransport(service, err)
		}
	}
	return nil, lastErr
}

// attempt performs one request with the per-attempt timeout.
func (g *Gateway) attempt(ctx context.Context, service string, req Request) (*Response, *ServiceError) {
	attemptCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, req.URL, body)
	if err != nil {
		return nil, &ServiceError{Code: model.ErrCodeValidation, Service: service, Message: err.Error()}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(service, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
		respBody, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return nil, classifyTransport(service, err)
		}
		return &Response{
			Status: httpResp.StatusCode,
			Header: httpResp.Header,
			Body:   respBody,
		}, nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBodyBytes))
	return nil, classifyStatus(service, httpResp.StatusCode, httpResp.Header, string(snippet))
}

// backoff computes min(baseDelay * 2^attempt, maxDelay) scaled by a +-25% jitter.
func (g *Gateway) backoff(attempt int) time.Duration {
	d := g.opts.BaseDelay << attempt
	if d > g.opts.MaxDelay || d <= 0 {
		d = g.opts.MaxDelay
	}
	factor := 0.75 + g.jitter()*0.5
	return time.Duration(float64(d) * factor)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
