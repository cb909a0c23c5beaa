package capability

import (
	"bytes"
	"context"
	"crypto/rand"
	"sync"

	"github.com/freedesktop-fprint/fprintd-go/internal/model"
)

// SimulatedDevice is a software stand-in for a real driver: enrollment
// produces random bytes as a "template", verify matches any non-empty
// template, and identify compares the gallery by equality against the
// template set with SetLiveScan (or matches index 0 when none is set).
// It exists so
// the daemon and its tests run without real fingerprint hardware
// attached.
type SimulatedDevice struct {
	mu          sync.Mutex
	descriptor  model.DeviceDescriptor
	open        bool
	deviceStore [][]byte // only populated when descriptor.Features has FeatureStorage
	liveScan    []byte

	// Hooks let tests inject driver-level failures without touching
	// the Operation State Machine under test.
	EnrollHook func(stage int) error
	VerifyHook func() error

	// NextMismatch forces the next Verify/Identify call to report no
	// match regardless of the supplied template, then resets itself.
	NextMismatch bool
}

// NewSimulatedDevice builds a software device with the given static
// descriptor.
func NewSimulatedDevice(d model.DeviceDescriptor) *SimulatedDevice {
	return &SimulatedDevice{descriptor: d}
}

func (d *SimulatedDevice) Descriptor() model.DeviceDescriptor { return d.descriptor }

func (d *SimulatedDevice) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = true
	return nil
}

func (d *SimulatedDevice) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	return nil
}

func (d *SimulatedDevice) Enroll(ctx context.Context, onStage func(EnrollStage)) ([]byte, error) {
	stages := d.descriptor.NumEnrollStages
	if stages <= 0 {
		stages = 1
	}
	for i := 1; i <= stages; i++ {
		select {
		case <-ctx.Done():
			return nil, &DriverError{Kind: ErrCancelled, Err: ctx.Err()}
		default:
		}
		if d.EnrollHook != nil {
			if err := d.EnrollHook(i); err != nil {
				return nil, err
			}
		}
		if onStage != nil {
			onStage(EnrollStage{StagesDone: i, StagesTotal: stages})
		}
	}

	template := make([]byte, 32)
	if _, err := rand.Read(template); err != nil {
		return nil, &DriverError{Kind: ErrGeneral, Err: err}
	}

	d.mu.Lock()
	if d.descriptor.Features.Has(model.FeatureStorage) {
		if d.descriptor.Features.Has(model.FeatureStorageList) && len(d.deviceStore) >= 5 {
			d.mu.Unlock()
			return nil, &DriverError{Kind: ErrDataFull}
		}
		d.deviceStore = append(d.deviceStore, template)
	}
	d.mu.Unlock()

	return template, nil
}

// Verify simulates one live scan and reports whether it matches
// template. A device-level failure injected through VerifyHook takes
// precedence over the match outcome.
func (d *SimulatedDevice) Verify(ctx context.Context, template []byte, onStatus func(StatusEvent)) (bool, error) {
	select {
	case <-ctx.Done():
		return false, &DriverError{Kind: ErrCancelled, Err: ctx.Err()}
	default:
	}
	if d.VerifyHook != nil {
		if err := d.VerifyHook(); err != nil {
			return false, err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.NextMismatch {
		d.NextMismatch = false
		return false, nil
	}
	return len(template) > 0, nil
}

// Identify simulates one live scan against every template in gallery.
func (d *SimulatedDevice) Identify(ctx context.Context, gallery [][]byte, onStatus func(StatusEvent)) (int, error) {
	select {
	case <-ctx.Done():
		return -1, &DriverError{Kind: ErrCancelled, Err: ctx.Err()}
	default:
	}
	d.mu.Lock()
	mismatch := d.NextMismatch
	d.NextMismatch = false
	d.mu.Unlock()
	if mismatch || len(gallery) == 0 {
		return -1, nil
	}
	// The simulated live scan "is" whichever enrolled template the
	// test designates via SetLiveScan; default to the first gallery
	// entry so identify succeeds without extra setup.
	d.mu.Lock()
	live := d.liveScan
	d.mu.Unlock()
	if live == nil {
		return 0, nil
	}
	for idx, candidate := range gallery {
		if bytes.Equal(candidate, live) {
			return idx, nil
		}
	}
	return -1, nil
}

// SetLiveScan fixes which template Identify's simulated live scan
// will match against the supplied gallery. Tests use this to exercise
// "identify against the wrong user" paths.
func (d *SimulatedDevice) SetLiveScan(template []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.liveScan = template
}

func (d *SimulatedDevice) ListDevicePrints(ctx context.Context) ([][]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.deviceStore))
	copy(out, d.deviceStore)
	return out, nil
}

func (d *SimulatedDevice) DeletePrintFromDevice(ctx context.Context, template []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, stored := range d.deviceStore {
		if bytes.Equal(stored, template) {
			d.deviceStore = append(d.deviceStore[:i], d.deviceStore[i+1:]...)
			return nil
		}
	}
	return nil
}

func (d *SimulatedDevice) Suspend(ctx context.Context) error { return nil }
func (d *SimulatedDevice) Resume(ctx context.Context) error  { return nil }
