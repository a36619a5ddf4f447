// ABOUTME: Error taxonomy for the broker: sentinel errors plus typed errors with context.
// ABOUTME: Typed errors match their sentinel through errors.Is.

package broker

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoActiveConnection indicates there is no connected session at all.
	ErrNoActiveConnection = errors.New("no web client connected")

	// ErrConnectionNotFound indicates an explicit target is unknown or no longer active.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrCapacityExceeded indicates admission was refused because the registry is full.
	ErrCapacityExceeded = errors.New("maximum connection limit reached")

	// ErrRequestTimeout indicates the client did not answer before the request deadline.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrResponseValidation indicates an inbound frame for a pending request was malformed.
	ErrResponseValidation = errors.New("invalid response format")

	// ErrRemoteOperation indicates the client answered with success=false.
	ErrRemoteOperation = errors.New("remote operation failed")

	// ErrTransportSend indicates the envelope could not be written to the session.
	ErrTransportSend = errors.New("transport send failed")

	// ErrDuplicateRequest indicates a request with the same id is already pending.
	ErrDuplicateRequest = errors.New("duplicate request id")

	// ErrBrokerClosed indicates the broker was closed before or while the request was pending.
	ErrBrokerClosed = errors.New("broker closed")
)

// TimeoutError reports which operation timed out and the deadline it was given.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("browser did not respond in %s (operation %s)", e.Timeout, e.Operation)
}

// Is reports whether target is ErrRequestTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrRequestTimeout
}

// RemoteError carries the error string the client reported.
type RemoteError struct {
	RequestID string
	Message   string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Is reports whether target is ErrRemoteOperation.
func (e *RemoteError) Is(target error) bool {
	return target == ErrRemoteOperation
}

// ValidationError wraps the reason an inbound frame could not be read as a response.
type ValidationError struct {
	RequestID string
	Err       error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid response format for request %s: %v", e.RequestID, e.Err)
}

// Is reports whether target is ErrResponseValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrResponseValidation
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// SendError wraps a failure of the transport's send primitive.
type SendError struct {
	SessionID string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("sending to session %s: %v", e.SessionID, e.Err)
}

// Is reports whether target is ErrTransportSend.
func (e *SendError) Is(target error) bool {
	return target == ErrTransportSend
}

func (e *SendError) Unwrap() error {
	return e.Err
}
