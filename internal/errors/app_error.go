// Package errors provides the gateway's structured error type and the
// OpenAI/Anthropic-shaped envelope it serializes to.
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Type is the error family surfaced to callers in the JSON envelope.
type Type string

const (
	TypeInvalidRequest   Type = "invalid_request_error"
	TypeAuthentication   Type = "authentication_error"
	TypePermission       Type = "permission_error"
	TypeNotFound         Type = "not_found_error"
	TypeRateLimit        Type = "rate_limit_error"
	TypeOverloaded       Type = "overloaded_error"
	TypeAPI              Type = "api_error"
	TypeUpstream         Type = "upstream_error"
)

// AppError represents a structured application error. It carries both
// the HTTP status to return and the fields serialized into the
// response body's "error" object.
type AppError struct {
	HTTPStatusCode int                    `json:"-"`
	Type           Type                   `json:"type"`
	Code           string                 `json:"code,omitempty"`
	Message        string                 `json:"message"`
	Details        map[string]interface{} `json:"details,omitempty"`
	RequestID      string                 `json:"request_id,omitempty"`
	Err            error                  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// envelope is the wire shape: {"error": {...}}.
type envelope struct {
	Error *AppError `json:"error"`
}

// WithRequestID returns a copy of e with RequestID set, for attaching the
// per-request id at the point the error leaves the dispatcher.
func (e *AppError) WithRequestID(id string) *AppError {
	clone := *e
	clone.RequestID = id
	return &clone
}

// ToJSON returns the envelope's JSON byte representation.
func (e *AppError) ToJSON() []byte {
	b, _ := json.Marshal(envelope{Error: e})
	return b
}

// New creates a new AppError.
func New(statusCode int, typ Type, code, message string, err error) *AppError {
	return &AppError{
		HTTPStatusCode: statusCode,
		Type:           typ,
		Code:           code,
		Message:        message,
		Err:            err,
	}
}

// Common error constructors, matching the status-code table in the
// gateway's error handling design.

func BadRequest(message string, err error) *AppError {
	return New(http.StatusBadRequest, TypeInvalidRequest, "bad_request", message, err)
}

func Unauthorized(message string, err error) *AppError {
	return New(http.StatusUnauthorized, TypeAuthentication, "unauthorized", message, err)
}

func Forbidden(message string, err error) *AppError {
	return New(http.StatusForbidden, TypePermission, "forbidden", message, err)
}

func NotFound(message string, err error) *AppError {
	return New(http.StatusNotFound, TypeNotFound, "not_found", message, err)
}

func RateLimited(message string, err error) *AppError {
	return New(http.StatusTooManyRequests, TypeRateLimit, "rate_limited", message, err)
}

func Conflict(message string, err error) *AppError {
	return New(http.StatusConflict, TypeInvalidRequest, "conflict", message, err)
}

func Overloaded(message string, err error) *AppError {
	return New(http.StatusServiceUnavailable, TypeOverloaded, "overloaded", message, err)
}

func InternalServerError(message string, err error) *AppError {
	return New(http.StatusInternalServerError, TypeAPI, "internal_error", message, err)
}

func UpstreamError(statusCode int, message string, err error) *AppError {
	return New(statusCode, TypeUpstream, "upstream_error", message, err)
}
