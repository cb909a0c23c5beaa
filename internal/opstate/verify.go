package opstate

import (
	"context"

	"github.com/freedesktop-fprint/fprintd-go/internal/capability"
	"github.com/freedesktop-fprint/fprintd-go/internal/finger"
	"github.com/freedesktop-fprint/fprintd-go/internal/fperrors"
	"github.com/freedesktop-fprint/fprintd-go/internal/fplog"
	"github.com/freedesktop-fprint/fprintd-go/internal/model"
)

// Mode distinguishes a single-template verify from an any-finger
// verify that must first identify which enrolled finger matched.
type Mode int

const (
	ModeSingle Mode = iota
	ModeIdentifyAny
)

// GalleryEntry pairs an enrolled finger with its stored template, for
// the any-finger identify path.
type GalleryEntry struct {
	Finger   finger.ID
	Template []byte
}

// ResolveVerifyTarget decides, synchronously and without touching the
// hardware, what a VerifyStart(requested) call must do next: verify a
// single known template, or run an identify pass across every finger
// the user has enrolled. It fails fast with NoEnrolledPrints when
// there is nothing to verify against, including the case of multiple
// enrolled fingers on a device that cannot tell them apart.
func (m *Machine) ResolveVerifyTarget(user string, requested finger.ID) (Mode, finger.ID, []byte, []GalleryEntry, error) {
	desc := m.deps.Device.Descriptor()
	driver, deviceID := desc.DriverName, desc.DeviceID

	if requested.Valid() {
		p, err := m.deps.Store.Load(user, driver, deviceID, requested)
		if err != nil {
			return 0, finger.Unknown, nil, nil, fperrors.New(fperrors.NoEnrolledPrints, "finger %s is not enrolled", requested)
		}
		return ModeSingle, requested, p.Data, nil, nil
	}

	fingers, err := m.deps.Store.DiscoverPrints(user, driver, deviceID)
	if err != nil {
		return 0, finger.Unknown, nil, nil, fperrors.Wrap(fperrors.Internal, err, "discovering enrolled prints")
	}
	switch {
	case len(fingers) == 0:
		return 0, finger.Unknown, nil, nil, fperrors.New(fperrors.NoEnrolledPrints, "no enrolled prints for this user")
	case len(fingers) == 1:
		p, err := m.deps.Store.Load(user, driver, deviceID, fingers[0])
		if err != nil {
			return 0, finger.Unknown, nil, nil, fperrors.Wrap(fperrors.Internal, err, "loading enrolled print")
		}
		return ModeSingle, fingers[0], p.Data, nil, nil
	case !desc.Features.Has(model.FeatureIdentify):
		return 0, finger.Unknown, nil, nil, fperrors.New(fperrors.NoEnrolledPrints, "multiple fingers enrolled and device cannot identify")
	}

	gallery := make([]GalleryEntry, 0, len(fingers))
	for _, f := range fingers {
		p, err := m.deps.Store.Load(user, driver, deviceID, f)
		if err == nil {
			gallery = append(gallery, GalleryEntry{Finger: f, Template: p.Data})
		}
	}
	return ModeIdentifyAny, finger.Unknown, nil, gallery, nil
}

// RunVerify drives the scan loop already resolved by
// ResolveVerifyTarget. selected is whatever ResolveVerifyTarget
// decided the call would verify against — a concrete finger for
// ModeSingle, or finger.Unknown for a genuine any-finger identify —
// and onFingerSelected is called with it exactly once, before the
// scan starts, regardless of mode.
func (m *Machine) RunVerify(parent context.Context, mode Mode, selected finger.ID, template []byte, gallery []GalleryEntry, onFingerSelected func(finger.ID), emit func(status string, done bool)) {
	ctx := m.begin(parent, model.OpVerify)
	defer m.end()

	if onFingerSelected != nil {
		onFingerSelected(selected)
	}

	report := m.terminalGuard(emit)

	if mode == ModeSingle {
		m.runSingleVerify(ctx, template, report)
		return
	}
	m.runIdentifyVerify(ctx, gallery, report)
}

// terminalGuard wraps emit so that the first Done=true call wins: a
// cancellation arriving after a terminal status was already reported
// is dropped silently, while any other duplicate terminal report is
// logged and dropped.
func (m *Machine) terminalGuard(emit func(status string, done bool)) func(string, bool) {
	return func(status string, done bool) {
		if done {
			if m.verifyStatusReported {
				if status == StatusVerifyDisconnected {
					return
				}
				fplog.Warn("duplicate terminal verify status %q suppressed", status)
				return
			}
			m.verifyStatusReported = true
		}
		emit(status, done)
	}
}

func (m *Machine) runSingleVerify(ctx context.Context, template []byte, report func(string, bool)) {
	for {
		matched, err := m.deps.Device.Verify(ctx, template, func(ev capability.StatusEvent) {
			report(verifyRetryStatus(ev.Kind), false)
		})
		if err != nil {
			if m.handleVerifyDriverError(ctx, err, report) {
				continue
			}
			return
		}
		if ctx.Err() != nil {
			report(StatusVerifyDisconnected, true)
			return
		}
		if matched {
			report(StatusVerifyMatch, true)
			return
		}
		m.reconcileStorageOnce(ctx)
		report(StatusVerifyNoMatch, true)
		return
	}
}

func (m *Machine) runIdentifyVerify(ctx context.Context, gallery []GalleryEntry, report func(string, bool)) {
	templates := make([][]byte, len(gallery))
	for i, g := range gallery {
		templates[i] = g.Template
	}
	for {
		idx, err := m.deps.Device.Identify(ctx, templates, func(ev capability.StatusEvent) {
			report(verifyRetryStatus(ev.Kind), false)
		})
		if err != nil {
			if m.handleVerifyDriverError(ctx, err, report) {
				continue
			}
			return
		}
		if ctx.Err() != nil {
			report(StatusVerifyDisconnected, true)
			return
		}
		if idx == -1 {
			m.reconcileStorageOnce(ctx)
			report(StatusVerifyNoMatch, true)
			return
		}
		report(StatusVerifyMatch, true)
		return
	}
}

// handleVerifyDriverError reports whatever the driver error calls for
// and returns true if the caller should retry the same scan call.
func (m *Machine) handleVerifyDriverError(ctx context.Context, err error, report func(string, bool)) bool {
	kind := capability.KindOf(err)
	switch {
	case kind.IsRetryable():
		report(verifyRetryStatus(kind), false)
		return true
	case kind == capability.ErrCancelled:
		report(StatusVerifyDisconnected, true)
		return false
	case kind == capability.ErrDataNotFound:
		m.reconcileStorageOnce(ctx)
		report(StatusVerifyUnknownError, true)
		return false
	default:
		report(StatusVerifyUnknownError, true)
		return false
	}
}

func verifyRetryStatus(kind capability.ErrKind) string {
	switch kind {
	case capability.ErrSwipeTooShort:
		return StatusVerifySwipeTooShort
	case capability.ErrFingerNotCentered:
		return StatusVerifyFingerNotCentered
	case capability.ErrRemoveFinger:
		return StatusVerifyRemoveFinger
	default:
		return StatusVerifyRetryScan
	}
}

// reconcileStorageOnce scans every user's host prints for this device
// against what the device itself reports storing, deleting any host
// print the device no longer has. It runs at most once per session,
// triggered by the first verify/identify mismatch or data-not-found
// error, on devices that can list their own contents.
func (m *Machine) reconcileStorageOnce(ctx context.Context) {
	if m.reconciled {
		return
	}
	m.reconciled = true

	desc := m.deps.Device.Descriptor()
	if !desc.Features.Has(model.FeatureStorageList) {
		return
	}
	devicePrints, err := m.deps.Device.ListDevicePrints(ctx)
	if err != nil {
		return
	}
	users, err := m.deps.Store.DiscoverUsers()
	if err != nil {
		return
	}
	for _, u := range users {
		fingers, err := m.deps.Store.DiscoverPrints(u, desc.DriverName, desc.DeviceID)
		if err != nil {
			continue
		}
		for _, f := range fingers {
			p, err := m.deps.Store.Load(u, desc.DriverName, desc.DeviceID, f)
			if err != nil {
				continue
			}
			if !containsTemplate(devicePrints, p.Data) {
				_ = m.deps.Store.Delete(u, desc.DriverName, desc.DeviceID, f)
			}
		}
	}
}
