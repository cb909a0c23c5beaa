package manager

import (
	"github.com/godbus/dbus/v5"

	"github.com/freedesktop-fprint/fprintd-go/internal/busnames"
	"github.com/freedesktop-fprint/fprintd-go/internal/devsession"
	"github.com/freedesktop-fprint/fprintd-go/internal/fperrors"
)

type managerDBus struct {
	m *Manager
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

func (d *managerDBus) GetDevices() ([]dbus.ObjectPath, *dbus.Error) {
	return d.m.GetDevices(), nil
}

func (d *managerDBus) GetDefaultDevice() (dbus.ObjectPath, *dbus.Error) {
	path, err := d.m.GetDefaultDevice()
	return path, asDBusErr(err)
}

// Export publishes m's manager object and every currently registered
// device's object on conn, then attaches conn to m so future
// RegisterDevice calls export themselves too.
func Export(conn *dbus.Conn, m *Manager) error {
	if err := conn.Export(&managerDBus{m: m}, busnames.ManagerPath, busnames.ManagerInterface); err != nil {
		return err
	}
	m.mu.Lock()
	m.exportDevice = func(s *devsession.Session) error { return devsession.Export(conn, s) }
	m.mu.Unlock()
	m.Attach(conn)
	for _, s := range m.Sessions() {
		if err := devsession.Export(conn, s); err != nil {
			return err
		}
	}
	return nil
}
