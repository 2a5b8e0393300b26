// Package formguard is the HTTP surface of the submission-protection core:
// chi-compatible middleware for rate limiting and request binding, plus the
// handlers that expose the limiter and the field cipher.
//
// Handlers never write responses directly. They record the outcome with
// SetResponse or SetError and the outermost Handler middleware renders it.
package formguard

import (
	"errors"
	"net/http"

	"github.com/nhalm/formguard/fieldcipher"
	"github.com/nhalm/formguard/ratelimit"
)

// APIError is the body of every error response, rendered as
// {"error": {...}}.
type APIError struct {
	Type    string       `json:"type"`
	Code    string       `json:"code,omitempty"`
	Message string       `json:"message"`
	Param   string       `json:"param,omitempty"`
	Errors  []FieldError `json:"errors,omitempty"`
	Status  int          `json:"-"`
}

// FieldError describes one failed validation rule.
type FieldError struct {
	Param   string `json:"param"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error *APIError `json:"error"`
}

// Error returns the client-facing message.
func (e *APIError) Error() string {
	return e.Message
}

// Is matches on Type and Code so copies made by With still compare equal to
// their sentinel.
func (e *APIError) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// With returns a copy of the error carrying message.
func (e *APIError) With(message string) *APIError {
	if e == nil {
		return nil
	}
	dup := *e
	dup.Message = message
	return &dup
}

// WithParam returns a copy of the error carrying message and the offending
// parameter name.
func (e *APIError) WithParam(message, param string) *APIError {
	if e == nil {
		return nil
	}
	dup := *e
	dup.Message = message
	dup.Param = param
	return &dup
}

var (
	ErrBadRequest         = &APIError{Type: "request_error", Code: "bad_request", Message: "Bad request", Status: http.StatusBadRequest}
	ErrUnauthorized       = &APIError{Type: "auth_error", Code: "unauthorized", Message: "Unauthorized", Status: http.StatusUnauthorized}
	ErrNotFound           = &APIError{Type: "not_found", Code: "resource_not_found", Message: "Resource not found", Status: http.StatusNotFound}
	ErrPayloadTooLarge    = &APIError{Type: "request_error", Code: "payload_too_large", Message: "Payload too large", Status: http.StatusRequestEntityTooLarge}
	ErrRateLimited        = &APIError{Type: "rate_limit_error", Code: "limit_exceeded", Message: "Rate limit exceeded", Status: http.StatusTooManyRequests}
	ErrFieldUnreadable    = &APIError{Type: "internal_error", Code: "field_unreadable", Message: "Stored field could not be decrypted", Status: http.StatusInternalServerError}
	ErrInternal           = &APIError{Type: "internal_error", Code: "internal", Message: "Internal server error", Status: http.StatusInternalServerError}
	ErrServiceUnavailable = &APIError{Type: "request_error", Code: "service_unavailable", Message: "Service unavailable", Status: http.StatusServiceUnavailable}
)

// NewValidationError builds a 400 carrying one entry per failed rule.
func NewValidationError(errs []FieldError) *APIError {
	return &APIError{
		Type:    "validation_error",
		Code:    "invalid_request",
		Message: "Validation failed",
		Errors:  errs,
		Status:  http.StatusBadRequest,
	}
}

// errorFor maps an error from the core packages to the response it should
// produce. Unknown errors become ErrInternal; the cause is never echoed.
func errorFor(err error) *APIError {
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, ratelimit.ErrInvalidIdentifier):
		return NewValidationError([]FieldError{{Param: "identifier", Code: "required", Message: "required"}})
	case errors.Is(err, fieldcipher.ErrInvalidInput), errors.Is(err, fieldcipher.ErrDecryption):
		// Ciphertext only ever comes from storage, so a bad payload is
		// server-side damage, not a client mistake.
		return ErrFieldUnreadable
	case errors.Is(err, fieldcipher.ErrCryptoUnavailable):
		return ErrServiceUnavailable.With("Encryption is unavailable")
	default:
		return ErrInternal
	}
}
