package devsession

import (
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"

	"github.com/freedesktop-fprint/fprintd-go/internal/busnames"
	"github.com/freedesktop-fprint/fprintd-go/internal/fperrors"
	"github.com/freedesktop-fprint/fprintd-go/internal/model"
)

// deviceDBus adapts Session's Go-error API to godbus's
// (*dbus.Error)-returning method table convention, and resolves the
// calling sender from the method call itself rather than requiring
// every caller to thread it through by hand.
type deviceDBus struct {
	s *Session
}

func asDBusErr(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	fe, ok := fperrors.As(err)
	if !ok {
		return dbus.MakeFailedError(err)
	}
	return dbus.NewError(fe.Kind.BusName(), []interface{}{fe.Error()})
}

func (d *deviceDBus) Claim(username string, sender dbus.Sender) *dbus.Error {
	return asDBusErr(d.s.Claim(string(sender), username))
}

func (d *deviceDBus) Release(sender dbus.Sender) *dbus.Error {
	return asDBusErr(d.s.Release(string(sender)))
}

func (d *deviceDBus) VerifyStart(fingerName string, sender dbus.Sender) *dbus.Error {
	return asDBusErr(d.s.VerifyStart(string(sender), fingerName))
}

func (d *deviceDBus) VerifyStop(sender dbus.Sender) *dbus.Error {
	return asDBusErr(d.s.VerifyStop(string(sender)))
}

func (d *deviceDBus) EnrollStart(fingerName string, sender dbus.Sender) *dbus.Error {
	return asDBusErr(d.s.EnrollStart(string(sender), fingerName))
}

func (d *deviceDBus) EnrollStop(sender dbus.Sender) *dbus.Error {
	return asDBusErr(d.s.EnrollStop(string(sender)))
}

func (d *deviceDBus) ListEnrolledFingers(username string) ([]string, *dbus.Error) {
	names, err := d.s.ListEnrolledFingers(username)
	return names, asDBusErr(err)
}

func (d *deviceDBus) DeleteEnrolledFinger(fingerName string, sender dbus.Sender) *dbus.Error {
	return asDBusErr(d.s.DeleteEnrolledFinger(string(sender), fingerName))
}

func (d *deviceDBus) DeleteEnrolledFingers2(sender dbus.Sender) *dbus.Error {
	return asDBusErr(d.s.DeleteEnrolledFingers2(string(sender)))
}

// DeleteEnrolledFingers is the deprecated v1 entry point: unlike every
// other method it accepts an unclaimed device (claiming it for the
// caller on username's behalf), and logs the calling process's
// /proc/<pid>/comm for the audit trail the original kept for this
// call specifically.
func (d *deviceDBus) DeleteEnrolledFingers(username string, sender dbus.Sender) *dbus.Error {
	return asDBusErr(d.s.deleteEnrolledFingersV1(string(sender), username))
}

// Export publishes s on conn at its object path, wiring both the
// method table and the Busy/ScanType/NumEnrollStages properties (with
// change notification for Busy) through godbus's prop sub-package.
func Export(conn *dbus.Conn, s *Session) error {
	s.Attach(conn)
	wrapper := &deviceDBus{s: s}
	if err := conn.Export(wrapper, s.ObjectPath, busnames.DeviceInterface); err != nil {
		return err
	}

	props := prop.Map{
		busnames.DeviceInterface: {
			"Busy":            {Value: s.Busy(), Writable: false, Emit: prop.EmitTrue, Callback: nil},
			"ScanType":        {Value: string(s.desc.ScanType), Writable: false, Emit: prop.EmitTrue, Callback: nil},
			"NumEnrollStages": {Value: enrollStagesForClients(s.desc), Writable: false, Emit: prop.EmitTrue, Callback: nil},
			"Name":            {Value: s.desc.DriverName, Writable: false, Emit: prop.EmitTrue, Callback: nil},
		},
	}
	p, err := prop.Export(conn, s.ObjectPath, props)
	if err != nil {
		return err
	}
	previous := s.onBusyChanged
	s.onBusyChanged = func(busy bool) {
		_ = p.Set(busnames.DeviceInterface, "Busy", dbus.MakeVariant(busy))
		if previous != nil {
			previous(busy)
		}
	}
	return nil
}

// enrollStagesForClients is the device's base stage count plus one
// extra for identify-capable devices, computed once here rather than
// per enrollment.
func enrollStagesForClients(desc model.DeviceDescriptor) int32 {
	n := int32(desc.NumEnrollStages)
	if desc.Features.Has(model.FeatureIdentify) {
		n++
	}
	return n
}
