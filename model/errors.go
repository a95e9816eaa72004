package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest    = "BAD_REQUEST"
	ErrUnauthorized  = "UNAUTHORIZED"
	ErrForbidden     = "FORBIDDEN"
	ErrNotFound      = "NOT_FOUND"
	ErrConflict      = "CONFLICT"
	ErrInternalError = "INTERNAL_ERROR"
)

// Workflow-specific error codes.
const (
	ErrNotStartable       = "NOT_STARTABLE"
	ErrWrongState         = "WRONG_STATE"
	ErrInvalidPhase       = "INVALID_PHASE"
	ErrInstantiationError = "INSTANTIATION_ERROR"
	ErrRollbackFailed     = "ROLLBACK_FAILED"
)

// ErrorEnvelope is the standard error returned by the engine and rendered by
// the HTTP layer. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying infrastructure error, if any.
func (e *ErrorEnvelope) Unwrap() error {
	return e.cause
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CodeOf returns the envelope code carried by err, or "" when err is not
// (and does not wrap) an *ErrorEnvelope.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsCode reports whether err carries the given envelope code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error. Callers should refetch and retry.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewNotStartableError returns a NOT_STARTABLE error.
func NewNotStartableError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotStartable, Message: msg}
}

// NewWrongStateError returns a WRONG_STATE error.
func NewWrongStateError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrWrongState, Message: msg}
}

// NewInvalidPhaseError returns an INVALID_PHASE error.
func NewInvalidPhaseError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidPhase, Message: msg}
}

// NewInstantiationError returns an INSTANTIATION_ERROR. It signals a catalog
// configuration problem and should be logged at error level.
func NewInstantiationError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInstantiationError, Message: msg}
}

// NewRollbackFailedError returns a ROLLBACK_FAILED error wrapping cause.
func NewRollbackFailedError(msg string, cause error) *ErrorEnvelope {
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &ErrorEnvelope{Code: ErrRollbackFailed, Message: msg, cause: cause}
}

// NewValidationError returns a BAD_REQUEST error with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBadRequest,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}
