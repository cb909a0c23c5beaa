// Package manager owns device discovery, the lifetime of Device
// Sessions, and the idle-exit timer — the top-level object the daemon
// exports at net.reactivated.Fprint.Manager.
package manager

import (
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/freedesktop-fprint/fprintd-go/internal/capability"
	"github.com/freedesktop-fprint/fprintd-go/internal/devsession"
	"github.com/freedesktop-fprint/fprintd-go/internal/fperrors"
	"github.com/freedesktop-fprint/fprintd-go/internal/fplog"
	"github.com/freedesktop-fprint/fprintd-go/internal/model"
	"github.com/freedesktop-fprint/fprintd-go/internal/store"
)

// device is one registered device: its stable id, the capability
// driving it, and the Session façade wrapping it.
type device struct {
	id      int
	dev     capability.Device
	session *devsession.Session
}

// Manager tracks every registered device and the idle-exit timer.
// Device ids are assigned in registration order and never reused for
// the lifetime of the process, even if the device they named is later
// removed.
type Manager struct {
	mu       sync.Mutex
	nextID   int
	devices  []*device
	store    store.Store
	resolve  devsession.UIDResolver
	conn     *dbus.Conn

	idleTimeout time.Duration
	idleTimer   *time.Timer
	draining    bool
	onIdleExit  func()

	// exportDevice publishes a newly registered device's D-Bus method
	// table and properties; set once by export.Export so hotplugged
	// devices get exported the same way startup ones do.
	exportDevice func(*devsession.Session) error

	// logOffendingClient, if set, is wired into every session's
	// deprecated DeleteEnrolledFingers path.
	logOffendingClient func(sender string)
}

// SetLogOffendingClient installs fn on every session registered so
// far and on every one registered from now on.
func (m *Manager) SetLogOffendingClient(fn func(sender string)) {
	m.mu.Lock()
	m.logOffendingClient = fn
	devs := make([]*device, len(m.devices))
	copy(devs, m.devices)
	m.mu.Unlock()
	for _, d := range devs {
		d.session.SetLogOffendingClient(fn)
	}
}

// New builds an empty Manager. idleTimeout of zero disables the
// idle-exit timer entirely (the daemon's --no-timeout flag).
func New(st store.Store, resolve devsession.UIDResolver, idleTimeout time.Duration, onIdleExit func()) *Manager {
	m := &Manager{store: st, resolve: resolve, idleTimeout: idleTimeout, onIdleExit: onIdleExit}
	m.rearmIdleTimer()
	return m
}

// Attach wires the manager (and every session registered so far, and
// every session registered from now on) to a live bus connection.
func (m *Manager) Attach(conn *dbus.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conn = conn
	for _, d := range m.devices {
		d.session.Attach(conn)
	}
}

// RegisterDevice assigns dev the next monotonic id, builds its
// Session, and returns the object path it was published under. Called
// once per device discovered at startup and again whenever the
// capability layer reports a hotplug arrival.
func (m *Manager) RegisterDevice(desc model.DeviceDescriptor, dev capability.Device) dbus.ObjectPath {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	desc.ID = id
	path := devsession.DevicePathFor(id)

	s := devsession.New(path, desc, dev, m.store, m.resolve, m.onBusyChanged)
	if m.logOffendingClient != nil {
		s.SetLogOffendingClient(m.logOffendingClient)
	}
	exportDevice := m.exportDevice
	if m.conn != nil {
		s.Attach(m.conn)
	}
	m.devices = append(m.devices, &device{id: id, dev: dev, session: s})
	m.mu.Unlock()

	if exportDevice != nil {
		if err := exportDevice(s); err != nil {
			fplog.Warn("exporting device %s: %v", path, err)
		}
	}

	fplog.Info("registered device %s (%s/%s) at %s", desc.DriverName, desc.DriverName, desc.DeviceID, path)
	return path
}

// UnregisterDevice drops a device that the capability layer reports
// removed (hotplug departure). The id is never reassigned.
func (m *Manager) UnregisterDevice(path dbus.ObjectPath) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range m.devices {
		if d.session.ObjectPath == path {
			m.devices = append(m.devices[:i], m.devices[i+1:]...)
			return
		}
	}
}

// GetDevices returns the object paths of every currently registered
// device, in registration order.
func (m *Manager) GetDevices() []dbus.ObjectPath {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]dbus.ObjectPath, len(m.devices))
	for i, d := range m.devices {
		paths[i] = d.session.ObjectPath
	}
	return paths
}

// GetDefaultDevice returns the first registered device still present,
// the way the original picks "the first one in the list".
func (m *Manager) GetDefaultDevice() (dbus.ObjectPath, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.devices) == 0 {
		return "", fperrors.New(fperrors.NoSuchDevice, "no fingerprint devices available")
	}
	return m.devices[0].session.ObjectPath, nil
}

// sessionsSnapshot copies the current device list's session/capability
// pairs under the lock, for callers (suspend coordination, liveness
// sweep) that need to act on every device without holding it.
func (m *Manager) sessionsSnapshot() []*device {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*device, len(m.devices))
	copy(out, m.devices)
	return out
}

// Sessions returns every registered session's façade, in registration
// order, for the Suspend Coordinator to drive.
func (m *Manager) Sessions() []*devsession.Session {
	devs := m.sessionsSnapshot()
	out := make([]*devsession.Session, len(devs))
	for i, d := range devs {
		out[i] = d.session
	}
	return out
}

// DevicesWithCapability pairs each session with its underlying
// capability.Device, for the Suspend Coordinator's Suspend/Resume
// calls which need the device, not just the session façade.
func (m *Manager) DevicesWithCapability() []struct {
	Session *devsession.Session
	Device  capability.Device
} {
	devs := m.sessionsSnapshot()
	out := make([]struct {
		Session *devsession.Session
		Device  capability.Device
	}, len(devs))
	for i, d := range devs {
		out[i].Session = d.session
		out[i].Device = d.dev
	}
	return out
}

// OnSenderVanished forwards a bus disconnect to every device's
// session, so whichever one (if any) held the vanished sender's claim
// releases it.
func (m *Manager) OnSenderVanished(sender string) {
	for _, d := range m.sessionsSnapshot() {
		d.session.OnSenderVanished(sender)
	}
}

// onBusyChanged is every Session's callback into the Manager: any
// transition recomputes "is any device busy" over the full device
// set and rearms (or clears) the idle timer accordingly, rather than
// tracking a per-device busy decrement.
func (m *Manager) onBusyChanged(bool) {
	m.rearmIdleTimer()
}

func (m *Manager) anyBusy() bool {
	for _, d := range m.sessionsSnapshot() {
		if d.session.Busy() {
			return true
		}
	}
	return false
}

func (m *Manager) rearmIdleTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.idleTimeout <= 0 || m.draining {
		return
	}
	if m.idleTimer != nil {
		m.idleTimer.Stop()
	}
	m.idleTimer = time.AfterFunc(m.idleTimeout, m.onIdleTimerFired)
}

func (m *Manager) onIdleTimerFired() {
	if m.anyBusy() {
		m.rearmIdleTimer()
		return
	}
	m.beginDrain()
}

// beginDrain stops rearming the idle timer and waits until every
// device session reports not Busy (no claim and no operation in
// flight) before calling onIdleExit, instead of the original's
// unconditional exit(0). Sessions keep accepting claims and new
// operations while the drain waits.
func (m *Manager) beginDrain() {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	devs := make([]*device, len(m.devices))
	copy(devs, m.devices)
	m.mu.Unlock()

	fplog.Info("idle timeout reached, draining %d device(s) before exit", len(devs))
	var wg sync.WaitGroup
	for _, d := range devs {
		wg.Add(1)
		go func(d *device) {
			defer wg.Done()
			waitForIdle(d.session)
		}(d)
	}
	wg.Wait()

	if m.onIdleExit != nil {
		m.onIdleExit()
	}
}

func waitForIdle(s *devsession.Session) {
	for s.Busy() {
		time.Sleep(50 * time.Millisecond)
	}
}

// RegisterAll registers every device the capability layer reports
// present at startup, in driver-reported order, then (by contract with
// the Suspend Coordinator) the caller issues the synthetic startup
// "resumed" event only after this returns.
func RegisterAll(m *Manager, descs []model.DeviceDescriptor, devs []capability.Device) []dbus.ObjectPath {
	paths := make([]dbus.ObjectPath, len(descs))
	for i := range descs {
		paths[i] = m.RegisterDevice(descs[i], devs[i])
	}
	return paths
}

