package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/chittyos/chittybroker/internal/model"
)

// ServiceError is a classified outbound failure. Code is one of the canonical
// error codes in model; Status carries the downstream HTTP status when the
// failure came from a response rather than the transport.
type ServiceError struct {
	Code        string
	Service     string
	Status      int
	Message     string
	RetryAfter  time.Duration // from a 429 Retry-After header, 0 when absent
	BreakerOpen bool          // rejected locally without a network request
}

func (e *ServiceError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("gateway: %s: %s (status %d): %s", e.Service, e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("gateway: %s: %s: %s", e.Service, e.Code, e.Message)
}

// Retryable reports whether the gateway may retry after this error.
// Rate limits are retryable once the Retry-After delay has elapsed.
func (e *ServiceError) Retryable() bool {
	switch e.Code {
	case model.ErrCodeNetwork, model.ErrCodeTimeout, model.ErrCodeServer, model.ErrCodeUnknown, model.ErrCodeRateLimit:
		return true
	}
	return false
}

// CountsAsBreakerFailure reports whether this error advances the circuit
// breaker. Client errors mean the service is up and answering; only transport
// failures and 5xx responses indicate an unhealthy dependency.
func (e *ServiceError) CountsAsBreakerFailure() bool {
	if e.BreakerOpen {
		return false
	}
	switch e.Code {
	case model.ErrCodeNetwork, model.ErrCodeTimeout, model.ErrCodeServer, model.ErrCodeUnknown:
		return true
	}
	return false
}

// classifyTransport maps a transport-level error to a ServiceError.
func classifyTransport(service string, err error) *ServiceError {
	code := model.ErrCodeNetwork
	if errors.Is(err, context.DeadlineExceeded) {
		code = model.ErrCodeTimeout
	} else {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			code = model.ErrCodeTimeout
		}
	}
	return &ServiceError{Code: code, Service: service, Message: err.Error()}
}

// classifyStatus maps a non-2xx downstream status to a ServiceError.
func classifyStatus(service string, status int, header http.Header, body string) *ServiceError {
	e := &ServiceError{Service: service, Status: status, Message: body}
	switch {
	case status == http.StatusBadRequest:
		e.Code = model.ErrCodeValidation
	case status == http.StatusUnauthorized:
		e.Code = model.ErrCodeAuth
	case status == http.StatusForbidden:
		e.Code = model.ErrCodePermission
	case status == http.StatusNotFound:
		e.Code = model.ErrCodeNotFound
	case status == http.StatusConflict:
		e.Code = model.ErrCodeConflict
	case status == http.StatusTooManyRequests:
		e.Code = model.ErrCodeRateLimit
		e.RetryAfter = parseRetryAfter(header.Get("Retry-After"))
	case status == http.StatusGatewayTimeout:
		e.Code = model.ErrCodeTimeout
	case status >= 500:
		e.Code = model.ErrCodeServer
	default:
		e.Code = model.ErrCodeUnknown
	}
	return e
}

// parseRetryAfter handles the delay-seconds form; the HTTP-date form is rare
// from our downstreams and falls back to zero (plain backoff applies).
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
