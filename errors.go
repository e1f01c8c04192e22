package hydrocompute

import "github.com/ZanzyTHEbar/hydrocompute/pkg/compute"

// Error codes carried by errors returned from an Engine.
const (
	ErrCodeValidation         = compute.ErrCodeValidation
	ErrCodeDependencyFailure  = compute.ErrCodeDependencyFailure
	ErrCodeCircularDependency = compute.ErrCodeCircularDependency
	ErrCodeStall              = compute.ErrCodeStall
	ErrCodeTimeout            = compute.ErrCodeTimeout
	ErrCodeCancelled          = compute.ErrCodeCancelled
	ErrCodeExecution          = compute.ErrCodeExecution
	ErrCodeStepFailure        = compute.ErrCodeStepFailure
	ErrCodeNotFound           = compute.ErrCodeNotFound
	ErrCodeConfiguration      = compute.ErrCodeConfiguration
	ErrCodeStore              = compute.ErrCodeStore
	ErrCodeInternal           = compute.ErrCodeInternal
)

// Error is the error type used throughout hydrocompute.
type Error = compute.Error

// HasCode reports whether any error in err's chain carries code.
func HasCode(err error, code string) bool { return compute.HasCode(err, code) }

// CodeOf returns the code of the first coded error in err's chain.
func CodeOf(err error) string { return compute.CodeOf(err) }
