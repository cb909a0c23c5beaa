package opstate

import (
	"context"

	"github.com/freedesktop-fprint/fprintd-go/internal/finger"
	"github.com/freedesktop-fprint/fprintd-go/internal/fperrors"
	"github.com/freedesktop-fprint/fprintd-go/internal/model"
)

// ResolveDeleteTargets expands a delete request into the concrete
// fingers it should attempt. allFingers requests every finger
// currently enrolled for user; otherwise requested must name a single
// valid, storable finger. Either form fails with NoEnrolledPrints
// up front when the user has nothing matching to delete, mirroring
// the original's user_has_print_enrolled guard.
func (m *Machine) ResolveDeleteTargets(user string, requested finger.ID, allFingers bool) ([]finger.ID, error) {
	desc := m.deps.Device.Descriptor()
	if allFingers {
		fingers, err := m.deps.Store.DiscoverPrints(user, desc.DriverName, desc.DeviceID)
		if err != nil {
			return nil, err
		}
		if len(fingers) == 0 {
			return nil, fperrors.New(fperrors.NoEnrolledPrints, "no enrolled prints for this user")
		}
		return fingers, nil
	}
	if !requested.Valid() {
		return nil, fperrors.New(fperrors.InvalidFingername, "invalid finger name")
	}
	if _, err := m.deps.Store.Load(user, desc.DriverName, desc.DeviceID, requested); err != nil {
		return nil, fperrors.New(fperrors.NoEnrolledPrints, "finger %s is not enrolled", requested)
	}
	return []finger.ID{requested}, nil
}

// Delete removes every finger in targets for user, from the device
// (best effort) and from the host store. Host-store failures (a print
// still discoverable after an attempted delete) outrank device-side
// failures: only the first of each kind is kept, and a device-side
// failure is only returned if no host-store failure occurred. Every
// target is attempted regardless of earlier failures.
func (m *Machine) Delete(parent context.Context, user string, targets []finger.ID) error {
	ctx := m.begin(parent, model.OpDelete)
	defer m.end()

	desc := m.deps.Device.Descriptor()
	driver, deviceID := desc.DriverName, desc.DeviceID

	var deviceErr, hostErr error

	for _, f := range targets {
		if desc.Features.Has(model.FeatureStorage) {
			if p, err := m.deps.Store.Load(user, driver, deviceID, f); err == nil {
				if derr := m.deps.Device.DeletePrintFromDevice(ctx, p.Data); derr != nil && deviceErr == nil {
					deviceErr = fperrors.Wrap(fperrors.PrintsNotDeletedFromDevice, derr, "could not delete print from device")
				}
			}
		}

		_ = m.deps.Store.Delete(user, driver, deviceID, f)

		if stillThere, err := m.deps.Store.DiscoverPrints(user, driver, deviceID); err == nil {
			for _, sf := range stillThere {
				if sf == f && hostErr == nil {
					hostErr = fperrors.New(fperrors.PrintsNotDeleted, "print for finger %s was not deleted", f)
				}
			}
		}
	}

	if hostErr != nil {
		return hostErr
	}
	return deviceErr
}
