// Package api defines the wire-level error protocol and request validation
// for the PBI HTTP surface.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// Error codes surfaced to callers. These are protocol strings, not free text;
// the set is closed.
const (
	CodeMissingAPIKey     = "missing_api_key"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeInsufficientScope = "insufficient_scope"
	CodeInvalidRequest    = "invalid_request"
	CodeUnknownChallenge  = "unknown_challenge"
	CodePurposeMismatch   = "purpose_mismatch"
	CodeQuotaExceeded     = "quota_exceeded"
	CodeRateLimited       = "rate_limited"
	CodeNotFound          = "not_found"
	CodeInternal          = "internal_error"
)

// Error is the tagged error type carried across the service boundary. Extra
// holds code-specific fields (quota figures, decision reasons) merged into
// the response envelope.
type Error struct {
	Status  int            `json:"-"`
	Code    string         `json:"error"`
	Message string         `json:"message,omitempty"`
	Extra   map[string]any `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds an Error with no extra fields.
func NewError(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes the protocol error envelope {error, message, ...extra}.
func WriteError(w http.ResponseWriter, e *Error) {
	body := map[string]any{"error": e.Code}
	if e.Message != "" {
		body["message"] = e.Message
	}
	for k, v := range e.Extra {
		body[k] = v
	}
	WriteJSON(w, e.Status, body)
}

// WriteCode is shorthand for WriteError with no extra fields.
func WriteCode(w http.ResponseWriter, status int, code, message string) {
	WriteError(w, NewError(status, code, message))
}

// WriteBadRequest writes a 400 invalid_request error.
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteCode(w, http.StatusBadRequest, CodeInvalidRequest, message)
}

// WriteNotFound writes a 404 not_found error.
func WriteNotFound(w http.ResponseWriter, message string) {
	WriteCode(w, http.StatusNotFound, CodeNotFound, message)
}

// WriteRateLimited writes a 429 with a Retry-After hint.
func WriteRateLimited(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteCode(w, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded, retry after the specified interval")
}

// WriteInternal writes a 500. The underlying error is logged but never
// exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteCode(w, http.StatusInternalServerError, CodeInternal, "an unexpected error occurred")
}
