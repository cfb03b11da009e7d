package relay

import (
	"encoding/json"
	"net/http"

	"github.com/yansir/grok-relay/internal/telemetry"
)

// Error taxonomy. The HTTP status is chosen where the error is built:
// upstream_rejected mirrors the upstream's 400/404/422, and internal_error
// is used both for 500 and for caller cancellation (499).
const (
	ErrTypeValidation        = "validation_error"
	ErrTypeAuthRequired      = "authentication_required"
	ErrTypeNoHealthySessions = "no_healthy_sessions"
	ErrTypeServiceUnavailable = "service_unavailable"
	ErrTypeUpstreamTimeout   = "upstream_timeout"
	ErrTypeUpstreamRejected  = "upstream_rejected"
	ErrTypePersistence       = "persistence_unavailable"
	ErrTypeInternal          = "internal_error"
)

// APIError is a user-visible failure. Message never contains cookie
// material; construction runs it through the sanitizer.
type APIError struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
	Status    int    `json:"-"`
}

func (e *APIError) Error() string { return e.Type + ": " + e.Message }

func NewAPIError(errType string, status int, message, requestID string) *APIError {
	return &APIError{
		Type:      errType,
		Message:   telemetry.SanitizeText(message),
		RequestID: requestID,
		Status:    status,
	}
}

// WriteError renders the standard error body.
func WriteError(w http.ResponseWriter, apiErr *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": apiErr})
}
