// Package errors holds the error taxonomy shared by every portmux layer.
//
// Framing and transport errors close the connection. Dispatch and handler
// errors are turned into a response on the same connection. Startup errors
// abort Server.Start before the listener is bound.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrFraming indicates a malformed HTTP message or a truncated/invalid RPC frame.
	ErrFraming = errors.New("framing error")

	// ErrTooLarge indicates a message exceeding a configured size limit.
	ErrTooLarge = errors.New("message too large")

	// ErrUnmatchedProtocol indicates that neither HTTP nor any protocol router claimed the connection.
	ErrUnmatchedProtocol = errors.New("unmatched protocol")

	// ErrUnknownService indicates an RPC call naming a service that is not registered.
	ErrUnknownService = errors.New("unknown service")

	// ErrHandlerPanic indicates an application handler panicked.
	ErrHandlerPanic = errors.New("handler panic")

	// ErrUnderflow indicates a mandatory full-length read found fewer bytes than requested.
	ErrUnderflow = errors.New("transport underflow")

	// ErrDuplicateService indicates two registrations share a service name.
	ErrDuplicateService = errors.New("duplicate service name")

	// ErrSealed indicates a write to a registry after the server started.
	ErrSealed = errors.New("registry sealed")

	// ErrAlreadyClassified indicates a second classification of one connection.
	ErrAlreadyClassified = errors.New("connection already classified")

	// ErrCommitted indicates use of a response sink after it was completed.
	ErrCommitted = errors.New("response already committed")

	// ErrOverloaded indicates the worker pool refused a task.
	ErrOverloaded = errors.New("worker pool overloaded")

	// ErrShutdown indicates a server that was shut down before it started.
	ErrShutdown = errors.New("server is shut down")
)

// ConnError decorates an error with the connection it happened on.
type ConnError struct {
	Op         string // Operation that failed
	Protocol   string // http, muxrpc, ...
	ConnID     string // Connection identifier
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *ConnError) Error() string {
	if e.Protocol == "" {
		return fmt.Sprintf("%s [%s] %s: %v", e.Op, e.ConnID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s [%s] %s: %v", e.Protocol, e.Op, e.ConnID, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnError) Unwrap() error {
	return e.Err
}

// New creates a new ConnError. It returns nil when err is nil.
func New(op, protocol, connID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &ConnError{
		Op:         op,
		Protocol:   protocol,
		ConnID:     connID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Closing reports whether err should terminate the connection it occurred on.
func Closing(err error) bool {
	if err == nil {
		return false
	}
	return Is(err, ErrFraming) ||
		Is(err, ErrTooLarge) ||
		Is(err, ErrUnmatchedProtocol) ||
		Is(err, ErrUnderflow) ||
		Is(err, ErrHandlerPanic)
}
