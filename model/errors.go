package model

import "fmt"

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Workflow-specific error codes.
const (
	ErrUnknownKind                = "UNKNOWN_KIND"
	ErrInvalidState               = "INVALID_STATE"
	ErrPreconditionNotMet         = "PRECONDITION_NOT_MET"
	ErrAwaitingVerification       = "AWAITING_VERIFICATION"
	ErrSelfVerificationNotAllowed = "SELF_VERIFICATION_NOT_ALLOWED"
	ErrAlreadyResolved            = "ALREADY_RESOLVED"
	ErrSideEffectFailed           = "SIDE_EFFECT_FAILED"
	ErrNoSlotAvailable            = "NO_SLOT_AVAILABLE"
)

// ErrorEnvelope is the standard structured error returned by the approval
// service. It implements the error interface; the transport layer maps codes
// to HTTP status codes.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
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

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
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

// NewUnknownKindError returns an UNKNOWN_KIND error for an unregistered
// workflow kind.
func NewUnknownKindError(kind string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUnknownKind,
		Message: fmt.Sprintf("workflow kind %q is not registered", kind),
	}
}

// NewInvalidStateError returns an INVALID_STATE error for an action that is
// not legal from the instance's current state.
func NewInvalidStateError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidState, Message: msg}
}

// NewPreconditionNotMetError returns a PRECONDITION_NOT_MET error.
func NewPreconditionNotMetError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrPreconditionNotMet, Message: msg}
}

// NewAwaitingVerificationError returns an AWAITING_VERIFICATION error for a
// transition blocked on a pending value verification.
func NewAwaitingVerificationError(recordID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrAwaitingVerification,
		Message: fmt.Sprintf("value verification %q is still pending", recordID),
	}
}

// NewSelfVerificationError returns a SELF_VERIFICATION_NOT_ALLOWED error.
func NewSelfVerificationError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrSelfVerificationNotAllowed,
		Message: "the requester of a value cannot verify it",
	}
}

// NewAlreadyResolvedError returns an ALREADY_RESOLVED error for a
// verification record that has left the pending status.
func NewAlreadyResolvedError(recordID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrAlreadyResolved,
		Message: fmt.Sprintf("value verification %q has already been resolved", recordID),
	}
}

// NewSideEffectFailedError returns a SIDE_EFFECT_FAILED error. The transition
// that triggered the side effect has been rolled back.
func NewSideEffectFailedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrSideEffectFailed, Message: msg}
}

// NewNoSlotAvailableError returns a NO_SLOT_AVAILABLE error from the
// scheduling slot search.
func NewNoSlotAvailableError(providerID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrNoSlotAvailable,
		Message: fmt.Sprintf("no free slot found for provider %q", providerID),
	}
}

// CodeOf returns the envelope code of err, or INTERNAL_ERROR for plain
// errors.
func CodeOf(err error) string {
	if env, ok := err.(*ErrorEnvelope); ok {
		return env.Code
	}
	return ErrInternalError
}
