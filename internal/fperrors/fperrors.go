// Package fperrors carries the daemon's stable error vocabulary, the
// net.reactivated.Fprint.Error.* names clients match on over D-Bus.
package fperrors

import "fmt"

// Kind is one of the fixed error names exposed on the bus.
type Kind string

const (
	ClaimDevice              Kind = "ClaimDevice"
	AlreadyInUse             Kind = "AlreadyInUse"
	Internal                 Kind = "Internal"
	PermissionDenied         Kind = "PermissionDenied"
	NoEnrolledPrints         Kind = "NoEnrolledPrints"
	FingerAlreadyEnrolled    Kind = "FingerAlreadyEnrolled"
	NoActionInProgress       Kind = "NoActionInProgress"
	InvalidFingername        Kind = "InvalidFingername"
	NoSuchDevice             Kind = "NoSuchDevice"
	PrintsNotDeleted         Kind = "PrintsNotDeleted"
	PrintsNotDeletedFromDevice Kind = "PrintsNotDeletedFromDevice"
)

const busPrefix = "net.reactivated.Fprint.Error."

// BusName returns the fully qualified D-Bus error name for k.
func (k Kind) BusName() string {
	return busPrefix + string(k)
}

// Error is a Kind carrying a human-readable detail message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind that wraps a lower-level cause.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// As reports whether err (or something it wraps) is an *Error, returning it.
func As(err error) (*Error, bool) {
	fe, ok := err.(*Error)
	if ok {
		return fe, true
	}
	type unwrapper interface{ Unwrap() error }
	for u, ok := err.(unwrapper); ok; u, ok = err.(unwrapper) {
		err = u.Unwrap()
		if fe, ok := err.(*Error); ok {
			return fe, true
		}
	}
	return nil, false
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, else Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if fe, ok := As(err); ok {
		return fe.Kind
	}
	return Internal
}
