// ABOUTME: Errors returned by tool argument validation and result mapping.
// ABOUTME: ArgumentError carries the offending field and matches ErrInvalidArguments.

package tools

import (
	"errors"
	"fmt"
)

var (
	// ErrToolNotFound indicates no tool is registered under the requested name.
	ErrToolNotFound = errors.New("tool not found")

	// ErrInvalidArguments indicates the call arguments failed validation.
	ErrInvalidArguments = errors.New("invalid arguments")

	// ErrEmptySnapshot indicates the browser answered a snapshot without HTML.
	ErrEmptySnapshot = errors.New("no HTML content received")

	// ErrRequiredInputMissing indicates a required input popup came back empty.
	ErrRequiredInputMissing = errors.New("required field was not filled")
)

// ArgumentError describes one invalid argument.
type ArgumentError struct {
	Field  string
	Reason string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Field, e.Reason)
}

// Is reports whether target is ErrInvalidArguments.
func (e *ArgumentError) Is(target error) bool {
	return target == ErrInvalidArguments
}

func argError(field, format string, args ...any) *ArgumentError {
	return &ArgumentError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
