package model

import "time"

// Canonical error codes surfaced in API responses. These mirror the error
// classification used by the outbound gateway so that upstream failures map
// onto the same vocabulary clients see.
const (
	ErrCodeNetwork           = "NETWORK"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeRateLimit         = "RATE_LIMIT"
	ErrCodeAuth              = "AUTH"
	ErrCodeValidation        = "VALIDATION"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodePermission        = "PERMISSION"
	ErrCodeServer            = "SERVER"
	ErrCodeConfigUnavailable = "CONFIG_UNAVAILABLE"
	ErrCodeUnknown           = "UNKNOWN"
)

// ResponseMeta is attached to every API response under "_meta".
type ResponseMeta struct {
	RequestID string `json:"requestId"`
	Timestamp string `json:"timestamp"`
	Service   string `json:"service"`
	Version   string `json:"version"`
}

// NewMeta builds a ResponseMeta stamped with the current UTC time.
func NewMeta(requestID, service, version string) ResponseMeta {
	return ResponseMeta{
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Service:   service,
		Version:   version,
	}
}

// APIResponse is the standard success envelope.
type APIResponse struct {
	Success bool         `json:"success"`
	Data    any          `json:"data,omitempty"`
	Meta    ResponseMeta `json:"_meta"`
}

// ErrorDetail describes a failure in the standard error envelope.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// APIError is the standard error envelope.
type APIError struct {
	Success bool         `json:"success"`
	Error   ErrorDetail  `json:"error"`
	Meta    ResponseMeta `json:"_meta"`
}

// HTTPStatusForCode maps canonical error codes onto HTTP status codes.
func HTTPStatusForCode(code string) int {
	switch code {
	case ErrCodeValidation:
		return 400
	case ErrCodeAuth:
		return 401
	case ErrCodePermission:
		return 403
	case ErrCodeNotFound:
		return 404
	case ErrCodeConflict:
		return 409
	case ErrCodeRateLimit:
		return 429
	case ErrCodeConfigUnavailable:
		return 503
	case ErrCodeTimeout:
		return 504
	default:
		return 500
	}
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status      string            `json:"status"` // healthy | degraded | unhealthy
	Version     string            `json:"version"`
	Postgres    string            `json:"postgres"`
	Redis       string            `json:"redis"`
	ObjectStore string            `json:"objectStore,omitempty"`
	Breakers    map[string]string `json:"breakers,omitempty"`
	UptimeSecs  int64             `json:"uptimeSeconds"`
}
