package codeexec

import (
	"errors"
	"fmt"
)

// ErrorType classifies a failed execution.
type ErrorType string

const (
	// ErrorEnvironment means the interpreter or another runtime
	// artifact is missing.
	ErrorEnvironment ErrorType = "environment"
	// ErrorDependency means a requirement probe or install failed.
	ErrorDependency ErrorType = "dependency"
	// ErrorBoundary means the working directory is outside the
	// workspace roots.
	ErrorBoundary ErrorType = "boundary"
	// ErrorExecution means the script could not be spawned, exited
	// non-zero, or raised.
	ErrorExecution ErrorType = "execution"
	// ErrorDecode means the tool could not interpret the script output.
	ErrorDecode ErrorType = "decode"
	// ErrorCancelled means the user declined or the caller cancelled.
	ErrorCancelled ErrorType = "cancelled"
)

// Sentinel errors wrapped by Error.Err.
var (
	ErrInterpreterMissing = errors.New("interpreter not found")
	ErrInstallFailed      = errors.New("dependency install failed")
	ErrNoResult           = errors.New("no result sentinel in output")
	ErrOutputTruncated    = errors.New("script output exceeded the capture limit")
)

// Error is the structured failure carried by a Result.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(t ErrorType, err error) *Error {
	return &Error{Type: t, Message: err.Error(), Err: err}
}
