package model

import (
	"errors"
	"fmt"
)

var (
	// ErrTypeUndetected means the type was not given and could not be
	// classified. Not retryable; the caller must supply a type or an image.
	ErrTypeUndetected = errors.New("captcha type not specified and cannot be auto-detected")
	// ErrUnsupportedType means no solver is registered for the type.
	ErrUnsupportedType = errors.New("unsupported captcha type")
	// ErrExhausted means every eligible solver failed without an error.
	ErrExhausted = errors.New("no solver could resolve the captcha")
	ErrInvalidRequest = errors.New("invalid captcha request")
	// ErrUnavailable is returned by collaborator clients that cannot reach
	// any backend.
	ErrUnavailable = errors.New("service unavailable")
)

// SolverError carries the name of the solver that raised Err.
type SolverError struct {
	Solver string
	Err    error
}

func (e *SolverError) Error() string {
	return fmt.Sprintf("solver %s: %v", e.Solver, e.Err)
}

func (e *SolverError) Unwrap() error { return e.Err }
