// Package errors provides structured error handling for syncstream.
// It defines the error kinds surfaced by the clock, pipeline, and RTSP
// layers, sentinel errors, and helpers for consistent propagation.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how it propagates.
type Kind string

const (
	// KindClockUnavailable means the time authority could not be reached.
	// Fatal to startup; the caller must reattempt from scratch.
	KindClockUnavailable Kind = "clock_unavailable"
	// KindLinkConnectionFailed means two pads agreed on a media class but
	// not on structure. Local to one branch.
	KindLinkConnectionFailed Kind = "link_connection_failed"
	// KindStateChangeFailure means an ascending transition could not
	// acquire a resource. The pipeline has been rolled back.
	KindStateChangeFailure Kind = "state_change_failure"
	// KindUnhandledMediaType means no branch matched a new source output.
	// Never surfaced to users.
	KindUnhandledMediaType Kind = "unhandled_media_type"
	// KindSessionRejected means a streaming client could not be served.
	KindSessionRejected Kind = "session_rejected"
	// KindValidation indicates invalid input or configuration
	KindValidation Kind = "validation"
	// KindInternal indicates internal system errors
	KindInternal Kind = "internal"
)

// Sentinel errors for common scenarios
var (
	ErrClockUnavailable   = errors.New("clock unavailable")
	ErrLinkFailed         = errors.New("link connection failed")
	ErrStateChange        = errors.New("state change failed")
	ErrUnhandledMediaType = errors.New("unhandled media type")
	ErrSessionRejected    = errors.New("session rejected")

	// ErrNotFound indicates a named object (mount, element, session) doesn't exist
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates invalid request parameters
	ErrInvalidInput = errors.New("invalid input")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = errors.New("operation timed out")

	// ErrClosed indicates use of a component after it was shut down
	ErrClosed = errors.New("closed")
)

var kindSentinels = map[Kind]error{
	KindClockUnavailable:     ErrClockUnavailable,
	KindLinkConnectionFailed: ErrLinkFailed,
	KindStateChangeFailure:   ErrStateChange,
	KindUnhandledMediaType:   ErrUnhandledMediaType,
	KindSessionRejected:      ErrSessionRejected,
}

// Error provides structured error information with context
type Error struct {
	Kind    Kind                   // Error classification
	Op      string                 // Operation that failed (e.g. "set_state", "describe")
	Element string                 // Element or session the error relates to, if any
	Err     error                  // Underlying error
	Details map[string]interface{} // Additional context
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Element != "" {
		return fmt.Sprintf("%s in %s (%s): %v", e.Kind, e.Op, e.Element, e.Err)
	}
	return fmt.Sprintf("%s in %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches both the wrapped error and the sentinel for the error's kind,
// so errors.Is(err, ErrStateChange) holds for every KindStateChangeFailure.
func (e *Error) Is(target error) bool {
	if s, ok := kindSentinels[e.Kind]; ok && s == target {
		return true
	}
	return errors.Is(e.Err, target)
}

// New creates a new Error
func New(kind Kind, op string, err error) *Error {
	if err == nil {
		err = kindSentinels[kind]
		if err == nil {
			err = errors.New(string(kind))
		}
	}
	return &Error{
		Kind:    kind,
		Op:      op,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Newf creates a new Error with a formatted cause
func Newf(kind Kind, op string, format string, args ...interface{}) *Error {
	return New(kind, op, fmt.Errorf(format, args...))
}

// WithElement adds element context to the error
func (e *Error) WithElement(name string) *Error {
	e.Element = name
	return e
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	e.Details[key] = value
	return e
}

// ClockUnavailable creates a clock error
func ClockUnavailable(op string, err error) *Error {
	return New(KindClockUnavailable, op, err)
}

// LinkFailed creates a link error
func LinkFailed(op string, err error) *Error {
	return New(KindLinkConnectionFailed, op, err)
}

// StateChangeFailure creates a state change error
func StateChangeFailure(op string, err error) *Error {
	return New(KindStateChangeFailure, op, err)
}

// SessionRejected creates a session error
func SessionRejected(op string, err error) *Error {
	return New(KindSessionRejected, op, err)
}

// Validation creates a validation error
func Validation(op string, err error) *Error {
	return New(KindValidation, op, err)
}

// Internal creates an internal system error
func Internal(op string, err error) *Error {
	return New(KindInternal, op, err)
}

// Wrap wraps an error with operation context if it's not already an *Error
func Wrap(err error, kind Kind, op string) error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return err
	}

	return New(kind, op, err)
}

// GetKind extracts the kind from an error
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Is and As re-export the standard helpers so callers need a single import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target interface{}) bool { return errors.As(err, target) }
