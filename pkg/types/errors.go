package types

import (
	"errors"
	"fmt"
	"net/http"
)

// Error type strings carried in the error envelope. The vocabulary follows
// the OpenAI error format so existing client libraries can classify failures
// without custom handling.
const (
	ErrTypeInvalidRequest = "invalid_request_error"
	ErrTypeTimeout        = "timeout_error"
	ErrTypeModelLoad      = "model_load_error"
	ErrTypeOverloaded     = "overloaded_error"
	ErrTypeInternal       = "internal_error"
)

// Machine-readable codes refining the error type.
const (
	CodeEmptyInput        = "empty_input"
	CodeInputTooLong      = "input_too_long"
	CodeBatchTooLarge     = "batch_too_large"
	CodeMalformedBody     = "malformed_body"
	CodeSchemaViolation   = "schema_violation"
	CodeUnknownModel      = "unknown_model"
	CodeUnsupportedFormat = "unsupported_encoding_format"
	CodeRequestTimeout    = "request_timeout"
	CodeQueueTimeout      = "queue_timeout"
	CodeQueueAbandoned    = "queue_abandoned"
	CodeModelNotReady     = "model_not_ready"
)

// APIError is the typed error crossing the HTTP boundary. It renders as the
// "error" object of an ErrorResponse; Status selects the HTTP status code and
// is never serialized.
type APIError struct {
	Status  int    `json:"-"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Type + " (" + e.Code + "): " + e.Message
	}
	return e.Type + ": " + e.Message
}

// ErrorResponse is the JSON envelope for failed requests.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// NewInvalidInputError reports a request the caller can fix (HTTP 400).
func NewInvalidInputError(code, format string, args ...any) *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Type:    ErrTypeInvalidRequest,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewTimeoutError reports a request aborted by the per-request deadline
// (HTTP 408). Timed-out requests are never retried server-side.
func NewTimeoutError(code, format string, args ...any) *APIError {
	return &APIError{
		Status:  http.StatusRequestTimeout,
		Type:    ErrTypeTimeout,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewOverloadedError reports a request that left the dispatch queue without
// being served, e.g. the client disconnected while waiting for a slot
// (HTTP 503).
func NewOverloadedError(format string, args ...any) *APIError {
	return &APIError{
		Status:  http.StatusServiceUnavailable,
		Type:    ErrTypeOverloaded,
		Code:    CodeQueueAbandoned,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewModelError reports an embedding backend that cannot serve (HTTP 503).
func NewModelError(format string, args ...any) *APIError {
	return &APIError{
		Status:  http.StatusServiceUnavailable,
		Type:    ErrTypeModelLoad,
		Code:    CodeModelNotReady,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewInternalError reports an unexpected failure (HTTP 500). Callers log the
// underlying cause; the message here is what the client sees.
func NewInternalError(message string) *APIError {
	return &APIError{
		Status:  http.StatusInternalServerError,
		Type:    ErrTypeInternal,
		Message: message,
	}
}

// AsAPIError extracts the APIError from err, or wraps err as an internal
// error with a generic message so server details never leak to clients.
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return NewInternalError("internal server error")
}
