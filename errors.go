package weft

import (
	"errors"
	"fmt"
)

// Error codes for specific failure types
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeCycle              = "CYCLE_ERROR"
	ErrCodeTaskAttempt        = "TASK_ATTEMPT_ERROR"
	ErrCodeTimeout            = "TIMEOUT_ERROR"
	ErrCodeResourceConstraint = "RESOURCE_CONSTRAINT_ERROR"
	ErrCodeCriticalFailure    = "CRITICAL_TASK_FAILURE"
	ErrCodeHandlerNotFound    = "HANDLER_NOT_FOUND"
	ErrCodeArgResolution      = "ARGUMENT_RESOLUTION_ERROR"
	ErrCodeCancelled          = "EXECUTION_CANCELLED"
	ErrCodeStore              = "REPORT_STORE_ERROR"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// Error is the engine's coded error type. Validation and cycle errors are
// fatal and abort before any task runs; attempt, timeout, and resource
// errors are transient and subject to the retry policy; a critical task
// failure aborts the whole run.
type Error struct {
	Code    string // machine-readable code (e.g. ErrCodeCycle)
	Stage   string // the stage where the error occurred (e.g. "planning")
	Message string // human-readable message
	Cause   error  // underlying error, if any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Stage, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Stage, e.Code, e.Message)
}

// Unwrap returns the underlying cause, allowing error chaining.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new engine Error.
func NewError(code, stage, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Stage:   stage,
		Message: message,
		Cause:   cause,
	}
}

// Specific error constructors

func NewValidationError(message string, cause error) *Error {
	return NewError(ErrCodeValidation, "validation", message, cause)
}

func NewCycleError(message string, cause error) *Error {
	return NewError(ErrCodeCycle, "planning", message, cause)
}

func NewTaskAttemptError(taskID string, cause error) *Error {
	return NewError(ErrCodeTaskAttempt, "execution", fmt.Sprintf("attempt failed for task '%s'", taskID), cause)
}

func NewTimeoutError(taskID string, cause error) *Error {
	return NewError(ErrCodeTimeout, "execution", fmt.Sprintf("task '%s' timed out", taskID), cause)
}

func NewResourceConstraintError(taskID, message string) *Error {
	return NewError(ErrCodeResourceConstraint, "execution", fmt.Sprintf("task '%s' blocked by resource constraint: %s", taskID, message), nil)
}

func NewCriticalTaskFailure(taskID string, cause error) *Error {
	return NewError(ErrCodeCriticalFailure, "execution", fmt.Sprintf("critical task '%s' failed, aborting run", taskID), cause)
}

func NewHandlerNotFoundError(handlerName string) *Error {
	return NewError(ErrCodeHandlerNotFound, "execution", fmt.Sprintf("handler '%s' not found", handlerName), nil)
}

func NewArgResolutionError(taskID, argName string, cause error) *Error {
	msg := fmt.Sprintf("failed to resolve argument '%s' for task '%s'", argName, taskID)
	return NewError(ErrCodeArgResolution, "execution", msg, cause)
}

func NewCancelledError(stage string, cause error) *Error {
	msg := "execution cancelled"
	if cause != nil && cause.Error() != "" && cause.Error() != "context canceled" {
		msg = fmt.Sprintf("execution cancelled: %v", cause)
	}
	return NewError(ErrCodeCancelled, stage, msg, cause)
}

func NewStoreError(operation string, cause error) *Error {
	return NewError(ErrCodeStore, "reporting", fmt.Sprintf("report store operation '%s' failed", operation), cause)
}

func NewInternalError(stage, message string, cause error) *Error {
	return NewError(ErrCodeInternal, stage, message, cause)
}

// IsEngineError reports whether err is (or wraps) an engine Error.
func IsEngineError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

// CodeOf returns the engine error code of err, or "" when err is not an
// engine error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsTimeout reports whether err denotes a per-attempt timeout, so callers
// can tell slow-but-working tasks from broken ones.
func IsTimeout(err error) bool {
	return CodeOf(err) == ErrCodeTimeout
}

// IsCycle reports whether err denotes a dependency cycle.
func IsCycle(err error) bool {
	return CodeOf(err) == ErrCodeCycle
}

// IsValidation reports whether err denotes a malformed workflow.
func IsValidation(err error) bool {
	return CodeOf(err) == ErrCodeValidation
}

// IsCriticalFailure reports whether err denotes the critical-task abort.
func IsCriticalFailure(err error) bool {
	return CodeOf(err) == ErrCodeCriticalFailure
}
