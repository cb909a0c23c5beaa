// Package capability defines the uniform interface the rest of the
// daemon drives an opaque fingerprint reader through, and a small
// software stand-in implementation suitable for local development and
// tests, in place of a real hardware driver library.
package capability

import (
	"context"

	"github.com/freedesktop-fprint/fprintd-go/internal/model"
)

// ErrKind is the fixed set of outcomes a driver call can report beyond
// plain success, independent of the D-Bus error vocabulary: these are
// the low-level signals the Operation State Machine interprets (retry
// transparently, reconcile storage, garbage-collect, or give up).
type ErrKind int

const (
	ErrNone ErrKind = iota
	ErrRetryScan
	ErrSwipeTooShort
	ErrFingerNotCentered
	ErrRemoveFinger
	ErrDataFull
	ErrDataNotFound
	ErrNotOpen
	ErrNotSupported
	ErrCancelled
	ErrGeneral
)

// IsRetryable reports whether the state machine should transparently
// reissue the same call after this outcome.
func (k ErrKind) IsRetryable() bool {
	switch k {
	case ErrRetryScan, ErrSwipeTooShort, ErrFingerNotCentered, ErrRemoveFinger:
		return true
	default:
		return false
	}
}

// DriverError wraps an ErrKind with an optional underlying cause.
type DriverError struct {
	Kind ErrKind
	Err  error
}

func (e *DriverError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "driver error"
}

func (e *DriverError) Unwrap() error { return e.Err }

// KindOf returns the ErrKind carried by err, or ErrGeneral if err is
// non-nil but not a *DriverError, or ErrNone if err is nil.
func KindOf(err error) ErrKind {
	if err == nil {
		return ErrNone
	}
	if de, ok := err.(*DriverError); ok {
		return de.Kind
	}
	return ErrGeneral
}

// EnrollStage reports one intermediate scan event during enrollment.
type EnrollStage struct {
	StagesDone  int
	StagesTotal int
}

// StatusEvent reports one intermediate scan event during verify or
// identify, before the final outcome is known.
type StatusEvent struct {
	Kind ErrKind // one of the retryable kinds, or ErrNone for "finger presence changed"
}

// Device is the capability interface one physical (or simulated)
// fingerprint reader implements.
type Device interface {
	Descriptor() model.DeviceDescriptor

	Open(ctx context.Context) error
	Close(ctx context.Context) error

	// Enroll drives one full scan sequence. onStage is called after
	// each partial scan; the returned template is only valid when err
	// is nil.
	Enroll(ctx context.Context, onStage func(EnrollStage)) ([]byte, error)

	// Verify compares a live scan against template. onStatus is called
	// for each retryable intermediate event before the final outcome.
	Verify(ctx context.Context, template []byte, onStatus func(StatusEvent)) (matched bool, err error)

	// Identify compares a live scan against every template in gallery,
	// returning the index of the match, or -1 if none matched.
	Identify(ctx context.Context, gallery [][]byte, onStatus func(StatusEvent)) (matchedIndex int, err error)

	// ListDevicePrints returns the templates currently stored on the
	// device itself. Only meaningful for devices with FeatureStorage.
	ListDevicePrints(ctx context.Context) ([][]byte, error)

	// DeletePrintFromDevice removes template from on-device storage.
	DeletePrintFromDevice(ctx context.Context, template []byte) error

	Suspend(ctx context.Context) error
	Resume(ctx context.Context) error
}
