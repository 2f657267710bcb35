package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotDivisible indicates that a count-divisibility precondition failed,
	// e.g. worker count vs device count or bundle size vs sub-bundle count
	ErrNotDivisible = errors.New("counts are not evenly divisible")

	// ErrNoDevices indicates that an accelerator was requested but none is available
	ErrNoDevices = errors.New("no accelerator devices available")

	// ErrBadWavelengthRange indicates a malformed wavelength range specification
	ErrBadWavelengthRange = errors.New("invalid wavelength range")

	// ErrEmptyBundle indicates that a bundle has no patch results to assemble
	ErrEmptyBundle = errors.New("bundle has no patch results")

	// ErrShapeMismatch indicates that a solver result does not match the patch shape
	ErrShapeMismatch = errors.New("result shape does not match patch")

	// ErrSolverFailure indicates that the external per-patch solver failed
	ErrSolverFailure = errors.New("patch solver failed")

	// ErrGroupClosed indicates that a communication group was used after close
	ErrGroupClosed = errors.New("communication group is closed")

	// ErrGatherIncomplete indicates that a collective gather did not receive
	// contributions from every member of the group
	ErrGatherIncomplete = errors.New("gather did not complete")
)

// Error represents a structured extraction error
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new structured error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsConfigFault reports whether an error is a configuration fault that must
// abort the run before any collective operation is entered
func IsConfigFault(err error) bool {
	return errors.Is(err, ErrNotDivisible) ||
		errors.Is(err, ErrNoDevices) ||
		errors.Is(err, ErrBadWavelengthRange)
}

// IsNotDivisible checks if an error is a divisibility precondition failure
func IsNotDivisible(err error) bool {
	return errors.Is(err, ErrNotDivisible)
}
