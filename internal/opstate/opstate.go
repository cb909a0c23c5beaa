package opstate

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/freedesktop-fprint/fprintd-go/internal/capability"
	"github.com/freedesktop-fprint/fprintd-go/internal/finger"
	"github.com/freedesktop-fprint/fprintd-go/internal/gc"
	"github.com/freedesktop-fprint/fprintd-go/internal/model"
	"github.com/freedesktop-fprint/fprintd-go/internal/store"
)

// Dependencies are the collaborators one Machine drives. They are
// fixed for the lifetime of a device session.
type Dependencies struct {
	Device capability.Device
	Store  store.Store
}

// Machine is the per-device operation state machine. The device
// session runs Enroll and RunVerify on a goroutine of their own for
// the duration of one operation, and Delete synchronously on its
// command loop; only reconciled/verifyStatusReported and the method
// bodies themselves are exclusive to that goroutine. current/cancel
// are guarded by mu because the session's command loop needs to read
// and cancel them concurrently while an operation is in flight.
type Machine struct {
	deps Dependencies

	mu       sync.Mutex
	current  model.OperationKind
	cancel   context.CancelFunc
	waitDone chan struct{} // closed when the current operation's goroutine returns

	reconciled           bool // storage reconciliation: once per session
	verifyStatusReported bool // idempotent terminal reporting for the in-flight verify/identify
}

// New builds a Machine over deps.
func New(deps Dependencies) *Machine {
	return &Machine{deps: deps, current: model.OpNone}
}

// Current reports the operation presently occupying the device. Safe
// to call concurrently with an in-flight operation.
func (m *Machine) Current() model.OperationKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Cancel requests cancellation of the in-flight operation, if any. It
// is safe to call when nothing is in flight, and safe to call
// concurrently with the operation it cancels.
func (m *Machine) Cancel() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done returns a channel that closes once the in-flight operation has
// returned. Once an operation has ended it keeps returning that
// operation's closed channel until the next one begins; it returns
// nil only before any operation has begun.
func (m *Machine) Done() chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waitDone
}

func (m *Machine) begin(parent context.Context, op model.OperationKind) context.Context {
	ctx, cancel := context.WithCancel(parent)
	m.mu.Lock()
	m.current = op
	m.cancel = cancel
	m.waitDone = make(chan struct{})
	m.mu.Unlock()
	m.verifyStatusReported = false
	return ctx
}

func (m *Machine) end() {
	m.mu.Lock()
	close(m.waitDone)
	m.current = model.OpNone
	m.cancel = nil
	m.mu.Unlock()
}

func containsTemplate(gallery [][]byte, template []byte) bool {
	for _, g := range gallery {
		if bytes.Equal(g, template) {
			return true
		}
	}
	return false
}

// allHostTemplates collects every print stored for driver/deviceID
// across every user known to the store.
func (m *Machine) allHostTemplates(driver, deviceID string) ([][]byte, error) {
	users, err := m.deps.Store.DiscoverUsers()
	if err != nil {
		return nil, err
	}
	var out [][]byte
	for _, u := range users {
		fingers, err := m.deps.Store.DiscoverPrints(u, driver, deviceID)
		if err != nil {
			continue
		}
		for _, f := range fingers {
			p, err := m.deps.Store.Load(u, driver, deviceID, f)
			if err == nil {
				out = append(out, p.Data)
			}
		}
	}
	return out, nil
}

// Enroll runs the full enroll protocol for (user, requested), emitting
// every intermediate and terminal status through emit. It returns no
// value and returns only after a terminal status has been emitted;
// EnrollStart is asynchronous and results arrive via emit alone.
func (m *Machine) Enroll(parent context.Context, user string, requested finger.ID, emit func(status string, done bool)) {
	ctx := m.begin(parent, model.OpEnroll)
	defer m.end()

	desc := m.deps.Device.Descriptor()
	driver, deviceID := desc.DriverName, desc.DeviceID

	// Step 1: delete any existing print for this exact (user, finger)
	// before re-enrolling it.
	_ = m.deps.Store.Delete(user, driver, deviceID, requested)

	// Step 2: clear on-device storage, but only while the host store
	// holds no prints at all, on a device that can hold prints but
	// cannot list them (so there would be no other way to reconcile
	// later).
	if desc.Features.Has(model.FeatureStorage) && !desc.Features.Has(model.FeatureStorageList) {
		if hasAny, err := m.deps.Store.HasAnyPrints(); err == nil && !hasAny {
			m.clearDeviceStorage(ctx)
		}
	}

	var hostGallery [][]byte
	if desc.Features.Has(model.FeatureIdentify) {
		var err error
		hostGallery, err = m.allHostTemplates(driver, deviceID)
		if err == nil && len(hostGallery) > 0 {
			idx, err := m.identifyWithRetry(ctx, hostGallery)
			switch {
			case err != nil && capability.KindOf(err) == capability.ErrCancelled:
				emit(StatusEnrollDisconnected, true)
				return
			case err != nil:
				emit(StatusEnrollUnknownError, true)
				return
			case idx != -1:
				emit(StatusEnrollDuplicate, true)
				return
			}
		}

		if desc.Features.Has(model.FeatureStorage) {
			if err := m.cleanOrphans(ctx, hostGallery); err != nil {
				// A failed attempt to remove a stray device print
				// leaves the device in a state this enrollment
				// cannot safely continue from.
				emit(StatusEnrollUnknownError, true)
				return
			}
		}
	}

	template, err := m.enrollWithRetry(ctx, emit)
	if err != nil {
		emit(terminalEnrollStatus(capability.KindOf(err)), true)
		return
	}

	p := model.Print{Username: user, Driver: driver, DeviceID: deviceID, Finger: requested, Data: template, Enrolled: time.Now()}
	if err := m.deps.Store.Save(p); err != nil {
		emit(StatusEnrollFailed, true)
		return
	}
	emit(StatusEnrollCompleted, true)
}

func (m *Machine) clearDeviceStorage(ctx context.Context) {
	prints, err := m.deps.Device.ListDevicePrints(ctx)
	if err != nil {
		return
	}
	for _, p := range prints {
		_ = m.deps.Device.DeletePrintFromDevice(ctx, p)
	}
}

func (m *Machine) identifyWithRetry(ctx context.Context, gallery [][]byte) (int, error) {
	for {
		idx, err := m.deps.Device.Identify(ctx, gallery, nil)
		if err == nil {
			return idx, nil
		}
		if capability.KindOf(err).IsRetryable() {
			continue
		}
		return -1, err
	}
}

func (m *Machine) cleanOrphans(ctx context.Context, hostGallery [][]byte) error {
	devicePrints, err := m.deps.Device.ListDevicePrints(ctx)
	if err != nil {
		return nil
	}
	for _, dp := range devicePrints {
		if !containsTemplate(hostGallery, dp) {
			if err := m.deps.Device.DeletePrintFromDevice(ctx, dp); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Machine) enrollWithRetry(ctx context.Context, emit func(string, bool)) ([]byte, error) {
	gcAttempted := false
	for {
		template, err := m.deps.Device.Enroll(ctx, func(capability.EnrollStage) {
			emit(StatusEnrollStagePassed, false)
		})
		if err == nil {
			return template, nil
		}
		kind := capability.KindOf(err)
		if kind.IsRetryable() {
			emit(enrollRetryStatus(kind), false)
			continue
		}
		if kind == capability.ErrDataFull && !gcAttempted && m.deps.Device.Descriptor().Features.Has(model.FeatureStorageList) {
			gcAttempted = true
			if m.gcOnce(ctx) {
				continue
			}
		}
		return nil, err
	}
}

func enrollRetryStatus(kind capability.ErrKind) string {
	switch kind {
	case capability.ErrSwipeTooShort:
		return StatusEnrollSwipeTooShort
	case capability.ErrFingerNotCentered:
		return StatusEnrollFingerNotCentered
	case capability.ErrRemoveFinger:
		return StatusEnrollRemoveFinger
	default:
		return StatusEnrollRetryScan
	}
}

// terminalEnrollStatus maps the driver error that survived
// enrollWithRetry's own retry/GC handling to the terminal wire status,
// per enroll_result_to_name in the original: a device that is full and
// could not be garbage-collected is reported as such rather than a
// generic failure, a cancelled operation is reported as
// enroll-disconnected, and every other driver error as
// enroll-unknown-error.
func terminalEnrollStatus(kind capability.ErrKind) string {
	switch kind {
	case capability.ErrCancelled:
		return StatusEnrollDisconnected
	case capability.ErrDataFull:
		return StatusEnrollDataFull
	default:
		return StatusEnrollUnknownError
	}
}

func (m *Machine) gcOnce(ctx context.Context) bool {
	devicePrints, err := m.deps.Device.ListDevicePrints(ctx)
	if err != nil {
		return false
	}
	desc := m.deps.Device.Descriptor()
	hostGallery, _ := m.allHostTemplates(desc.DriverName, desc.DeviceID)

	entries := make([]gc.Entry, len(devicePrints))
	for i, dp := range devicePrints {
		entries[i] = gc.Entry{Template: dp}
	}
	victim, ok := gc.SelectForDeletion(entries, hostGallery)
	if !ok {
		return false
	}
	return m.deps.Device.DeletePrintFromDevice(ctx, victim) == nil
}
