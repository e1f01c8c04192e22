package compute

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error codes for specific failure types
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeDependencyFailure  = "DEPENDENCY_FAILURE"
	ErrCodeCircularDependency = "CIRCULAR_DEPENDENCY"
	ErrCodeStall              = "SCHEDULER_STALL"
	ErrCodeTimeout            = "EXECUTION_TIMEOUT"
	ErrCodeCancelled          = "EXECUTION_CANCELLED"
	ErrCodeExecution          = "EXECUTION_ERROR"
	ErrCodeStepFailure        = "STEP_FAILURE"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConfiguration      = "CONFIGURATION_ERROR"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// Stages reported in Error.Stage.
const (
	StageValidation    = "validation"
	StageScheduling    = "scheduling"
	StageExecution     = "execution"
	StageOrchestration = "orchestration"
	StageStore         = "store"
	StageConfiguration = "configuration"
)

// Error is the error type shared by every hydrocompute component.
type Error struct {
	Code    string // A machine-readable error code (e.g., ErrCodeCircularDependency)
	Message string // A human-readable message
	Stage   string // The stage where the error occurred (e.g., "scheduling", "execution")
	Cause   error  // The underlying error, if any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Stage, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Stage, e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error, allowing for error chaining.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, stage, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Stage:   stage,
		Message: message,
		Cause:   cause,
	}
}

// FailedDependency names a dependency that reached a terminal error state.
type FailedDependency struct {
	Index    int
	UniqueID string
	Reason   string
}

// Specific error constructors

func NewValidationError(stage, message string, cause error) *Error {
	return NewError(ErrCodeValidation, stage, message, cause)
}

func NewDependencyFailureError(stage string, failed []FailedDependency) *Error {
	parts := make([]string, 0, len(failed))
	for _, f := range failed {
		parts = append(parts, fmt.Sprintf("%d (%s): %s", f.Index, f.UniqueID, f.Reason))
	}
	msg := fmt.Sprintf("dependency failed: %s", strings.Join(parts, "; "))
	return NewError(ErrCodeDependencyFailure, stage, msg, nil)
}

func NewCircularDependencyError(stage string, cycle []int) *Error {
	path := make([]string, 0, len(cycle)+1)
	for _, idx := range cycle {
		path = append(path, fmt.Sprintf("%d", idx))
	}
	if len(cycle) > 0 {
		path = append(path, fmt.Sprintf("%d", cycle[0]))
	}
	return NewError(ErrCodeCircularDependency, stage, "circular dependency: "+strings.Join(path, " -> "), nil)
}

func NewStallError(stage string, passes int) *Error {
	return NewError(ErrCodeStall, stage, fmt.Sprintf("no progress after %d scheduling passes", passes), nil)
}

func NewTimeoutError(stage string, cause error) *Error {
	return NewError(ErrCodeTimeout, stage, "execution timed out", cause)
}

func NewCancelledError(stage string, cause error) *Error {
	msg := "execution cancelled"
	if cause != nil && cause.Error() != "" && !errors.Is(cause, context.Canceled) { // Add more detail if cause isn't just context.Canceled
		msg = fmt.Sprintf("execution cancelled: %v", cause)
	}
	return NewError(ErrCodeCancelled, stage, msg, cause)
}

func NewExecutionError(stage, function string, cause error) *Error {
	return NewError(ErrCodeExecution, stage, fmt.Sprintf("execution failed for function '%s'", function), cause)
}

func NewStepError(step int, cause error) *Error {
	return NewError(ErrCodeStepFailure, StageOrchestration, fmt.Sprintf("step %d failed", step), cause)
}

func NewNotFoundError(stage, what string, cause error) *Error {
	return NewError(ErrCodeNotFound, stage, fmt.Sprintf("%s not found", what), cause)
}

func NewConfigurationError(message string, cause error) *Error {
	return NewError(ErrCodeConfiguration, StageConfiguration, message, cause)
}

func NewStoreError(operation, id string, cause error) *Error {
	return NewError(ErrCodeStore, StageStore, fmt.Sprintf("store operation '%s' failed for '%s'", operation, id), cause)
}

func NewInternalError(stage, message string, cause error) *Error {
	return NewError(ErrCodeInternal, stage, message, cause)
}

// HasCode reports whether any *Error in err's chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Code == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// CodeOf returns the code of the outermost *Error in err's chain, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
