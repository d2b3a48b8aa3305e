package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrRateLimited     = "RATE_LIMITED"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Approval-specific error codes.
const (
	ErrAlreadyDecided       = "ALREADY_DECIDED"
	ErrDelegationNotAllowed = "DELEGATION_NOT_ALLOWED"
	ErrStepNotActive        = "STEP_NOT_ACTIVE"
	ErrWorkflowClosed       = "WORKFLOW_CLOSED"
	ErrSkipNotAllowed       = "SKIP_NOT_ALLOWED"
)

// ErrorEnvelope is the standard error returned by the service and rendered
// to HTTP clients. It implements the error interface.
type ErrorEnvelope struct {
	Code       string       `json:"code"`
	Message    string       `json:"message"`
	Details    []FieldError `json:"details,omitempty"`
	WorkflowID string       `json:"workflow_id,omitempty"`
	StepID     string       `json:"step_id,omitempty"`
	TraceID    string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithWorkflow returns e annotated with the workflow ID.
func (e *ErrorEnvelope) WithWorkflow(id string) *ErrorEnvelope {
	e.WorkflowID = id
	return e
}

// WithStep returns e annotated with the step ID.
func (e *ErrorEnvelope) WithStep(id string) *ErrorEnvelope {
	e.StepID = id
	return e
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HasCode reports whether err is (or wraps) an ErrorEnvelope with the code.
func HasCode(err error, code string) bool {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
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

// NewAlreadyDecidedError returns an ALREADY_DECIDED error for a step that is
// no longer pending.
func NewAlreadyDecidedError(stepID, status string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrAlreadyDecided,
		Message: fmt.Sprintf("step %q is already %s", stepID, status),
		StepID:  stepID,
	}
}

// NewDelegationNotAllowedError returns a DELEGATION_NOT_ALLOWED error.
func NewDelegationNotAllowedError(stepID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrDelegationNotAllowed,
		Message: fmt.Sprintf("step %q does not allow delegation", stepID),
		StepID:  stepID,
	}
}

// NewStepNotActiveError returns a STEP_NOT_ACTIVE error.
func NewStepNotActiveError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrStepNotActive, Message: msg}
}

// NewWorkflowClosedError returns a WORKFLOW_CLOSED error for a workflow in a
// terminal status.
func NewWorkflowClosedError(workflowID, status string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:       ErrWorkflowClosed,
		Message:    fmt.Sprintf("workflow %q is %s", workflowID, status),
		WorkflowID: workflowID,
	}
}

// NewSkipNotAllowedError returns a SKIP_NOT_ALLOWED error for required steps.
func NewSkipNotAllowedError(stepID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrSkipNotAllowed,
		Message: fmt.Sprintf("step %q is required and cannot be skipped", stepID),
		StepID:  stepID,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewRateLimitedError returns a RATE_LIMITED error.
func NewRateLimitedError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRateLimited,
		Message: "Rate limit exceeded. Please try again later.",
	}
}
