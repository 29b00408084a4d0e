// Package errors provides standardized API error types.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// APIError represents a standardized API error response.
type APIError struct {
	Code       string     `json:"code"`
	Message    string     `json:"message"`
	StatusCode int        `json:"-"`
	Details    any        `json:"details,omitempty"`
	ResetAt    *time.Time `json:"reset_at,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause, if any.
func (e *APIError) Unwrap() error {
	return e.cause
}

// Is matches any APIError with the same code.
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func (e *APIError) clone() *APIError {
	c := *e
	return &c
}

// WithDetails returns a copy of the error with additional details.
func (e *APIError) WithDetails(details any) *APIError {
	c := e.clone()
	c.Details = details
	return c
}

// WithMessage returns a copy of the error with a custom message.
func (e *APIError) WithMessage(message string) *APIError {
	c := e.clone()
	c.Message = message
	return c
}

// WithCause returns a copy of the error wrapping cause. The cause is never
// serialized.
func (e *APIError) WithCause(cause error) *APIError {
	c := e.clone()
	c.cause = cause
	return c
}

// Error codes.
const (
	CodeUnauthenticated  = "unauthenticated"
	CodeForbidden        = "forbidden"
	CodeQuotaExceeded    = "quota_exceeded"
	CodeRateLimited      = "rate_limited"
	CodeNotFound         = "not_found"
	CodeInvalidSignature = "invalid_signature"
	CodeUpstream         = "upstream_error"
	CodePersistence      = "persistence_error"
	CodeBadRequest       = "bad_request"
	CodeValidation       = "validation_error"
	CodeEventInFlight    = "event_in_flight"
	CodeInternal         = "internal_error"
	CodeUnavailable      = "service_unavailable"
)

// Standard error definitions
var (
	// ErrUnauthenticated is returned when no valid actor could be resolved.
	ErrUnauthenticated = &APIError{
		Code:       CodeUnauthenticated,
		Message:    "Authentication required",
		StatusCode: http.StatusUnauthorized,
	}

	// ErrForbidden is returned when the actor lacks permission for an action.
	ErrForbidden = &APIError{
		Code:       CodeForbidden,
		Message:    "You don't have permission to perform this action",
		StatusCode: http.StatusForbidden,
	}

	// ErrNotMember is the membership denial.
	ErrNotMember = ErrForbidden.WithMessage("not a member")

	// ErrRoleNotPermitted is the role denial.
	ErrRoleNotPermitted = ErrForbidden.WithMessage("role not permitted")

	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = &APIError{
		Code:       CodeNotFound,
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	// ErrBadRequest is returned when the request is malformed.
	ErrBadRequest = &APIError{
		Code:       CodeBadRequest,
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	// ErrRateLimited is returned when rate limits are exceeded.
	ErrRateLimited = &APIError{
		Code:       CodeRateLimited,
		Message:    "Too many requests. Please try again later.",
		StatusCode: http.StatusTooManyRequests,
	}

	// ErrQuotaExceeded is returned when plan limits are exceeded.
	ErrQuotaExceeded = &APIError{
		Code:       CodeQuotaExceeded,
		Message:    "You've exceeded your plan limits",
		StatusCode: http.StatusPaymentRequired,
	}

	// ErrInvalidSignature is returned when a gateway event fails verification.
	ErrInvalidSignature = &APIError{
		Code:       CodeInvalidSignature,
		Message:    "Invalid webhook signature",
		StatusCode: http.StatusBadRequest,
	}

	// ErrUpstream is returned when the payment gateway call fails.
	ErrUpstream = &APIError{
		Code:       CodeUpstream,
		Message:    "Payment gateway request failed",
		StatusCode: http.StatusBadGateway,
	}

	// ErrPersistence is returned when the store call fails.
	ErrPersistence = &APIError{
		Code:       CodePersistence,
		Message:    "Storage operation failed",
		StatusCode: http.StatusInternalServerError,
	}

	// ErrEventInFlight is returned when another worker is processing the event.
	ErrEventInFlight = &APIError{
		Code:       CodeEventInFlight,
		Message:    "Event is being processed; retry later",
		StatusCode: http.StatusConflict,
	}

	// ErrInternal is returned for unexpected server errors.
	ErrInternal = &APIError{
		Code:       CodeInternal,
		Message:    "An internal error occurred",
		StatusCode: http.StatusInternalServerError,
	}

	// ErrServiceUnavailable is returned when a dependent service is unavailable.
	ErrServiceUnavailable = &APIError{
		Code:       CodeUnavailable,
		Message:    "Service temporarily unavailable",
		StatusCode: http.StatusServiceUnavailable,
	}
)

// NewValidationError creates a validation error for a specific field.
func NewValidationError(field, message string) *APIError {
	return &APIError{
		Code:       CodeValidation,
		Message:    fmt.Sprintf("Validation failed: %s", message),
		StatusCode: http.StatusBadRequest,
		Details: map[string]string{
			"field": field,
			"error": message,
		},
	}
}

// NewValidationErrors creates a validation error with multiple field errors.
func NewValidationErrors(errors map[string]string) *APIError {
	return &APIError{
		Code:       CodeValidation,
		Message:    "One or more fields failed validation",
		StatusCode: http.StatusBadRequest,
		Details:    errors,
	}
}

// NewNotFoundError creates a not found error for a specific resource type.
func NewNotFoundError(resource string) *APIError {
	return ErrNotFound.WithMessage(fmt.Sprintf("%s not found", resource))
}

// NewQuotaExceededError reports usage at or above a plan limit.
func NewQuotaExceededError(kind string, limit, usage int) *APIError {
	return ErrQuotaExceeded.
		WithMessage(fmt.Sprintf("Plan limit reached for %s (%d of %d)", kind, usage, limit)).
		WithDetails(map[string]any{
			"limit_kind": kind,
			"limit":      limit,
			"usage":      usage,
		})
}

// NewRateLimitError reports a rejected request and when its window resets.
func NewRateLimitError(resetAt time.Time) *APIError {
	c := ErrRateLimited.clone()
	reset := resetAt.UTC()
	c.ResetAt = &reset
	return c
}

// NewUpstreamError wraps a gateway failure.
func NewUpstreamError(op string, cause error) *APIError {
	return ErrUpstream.WithMessage("Payment gateway request failed: " + op).WithCause(cause)
}

// NewPersistenceError wraps a store failure.
func NewPersistenceError(op string, cause error) *APIError {
	return ErrPersistence.WithMessage("Storage operation failed: " + op).WithCause(cause)
}

// IsAPIError checks if an error is or wraps an APIError.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

// AsAPIError converts an error to an APIError if possible.
// Returns ErrInternal if the error is not an APIError.
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return ErrInternal
}

// HasCode reports whether err is an APIError with the given code.
func HasCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// IsTransient reports whether err is a failure worth retrying.
func IsTransient(err error) bool {
	return HasCode(err, CodePersistence) || HasCode(err, CodeUpstream)
}
