package manager

import (
	"testing"
	"time"

	"github.com/freedesktop-fprint/fprintd-go/internal/capability"
	"github.com/freedesktop-fprint/fprintd-go/internal/model"
	"github.com/freedesktop-fprint/fprintd-go/internal/store"
)

type nilResolver struct{}

func (nilResolver) Resolve(sender string) (uint32, string, error) { return 1000, "alice", nil }

func newTestManager(t *testing.T, idleTimeout time.Duration, onIdleExit func()) *Manager {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return New(st, nilResolver{}, idleTimeout, onIdleExit)
}

func TestRegisterDeviceAssignsMonotonicIDs(t *testing.T) {
	m := newTestManager(t, 0, nil)
	p0 := m.RegisterDevice(model.DeviceDescriptor{DriverName: "sim", DeviceID: "a"}, capability.NewSimulatedDevice(model.DeviceDescriptor{}))
	p1 := m.RegisterDevice(model.DeviceDescriptor{DriverName: "sim", DeviceID: "b"}, capability.NewSimulatedDevice(model.DeviceDescriptor{}))
	if p0 == p1 {
		t.Fatalf("expected distinct paths, got %s twice", p0)
	}
	paths := m.GetDevices()
	if len(paths) != 2 || paths[0] != p0 || paths[1] != p1 {
		t.Fatalf("GetDevices = %v, want [%s %s]", paths, p0, p1)
	}
}

func TestUnregisterDeviceDoesNotReuseID(t *testing.T) {
	m := newTestManager(t, 0, nil)
	p0 := m.RegisterDevice(model.DeviceDescriptor{DriverName: "sim", DeviceID: "a"}, capability.NewSimulatedDevice(model.DeviceDescriptor{}))
	m.UnregisterDevice(p0)
	p1 := m.RegisterDevice(model.DeviceDescriptor{DriverName: "sim", DeviceID: "b"}, capability.NewSimulatedDevice(model.DeviceDescriptor{}))
	if p1 == p0 {
		t.Fatalf("expected a fresh id after unregister, got reused path %s", p1)
	}
}

func TestGetDefaultDeviceWithNoneRegistered(t *testing.T) {
	m := newTestManager(t, 0, nil)
	if _, err := m.GetDefaultDevice(); err == nil {
		t.Fatal("expected NoSuchDevice when no devices are registered")
	}
}

func TestIdleTimerFiresWhenNothingBusy(t *testing.T) {
	exited := make(chan struct{})
	m := newTestManager(t, 20*time.Millisecond, func() { close(exited) })
	m.RegisterDevice(model.DeviceDescriptor{DriverName: "sim", DeviceID: "a"}, capability.NewSimulatedDevice(model.DeviceDescriptor{}))
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("idle timer did not fire")
	}
}

func TestIdleTimerDoesNotFireWhileClaimed(t *testing.T) {
	exited := make(chan struct{})
	m := newTestManager(t, 20*time.Millisecond, func() { close(exited) })
	m.RegisterDevice(model.DeviceDescriptor{DriverName: "sim", DeviceID: "a"}, capability.NewSimulatedDevice(model.DeviceDescriptor{}))
	sessions := m.Sessions()
	if err := sessions[0].Claim(":1.1", ""); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	select {
	case <-exited:
		t.Fatal("idle timer fired despite a claimed device")
	case <-time.After(100 * time.Millisecond):
	}
	_ = sessions[0].Release(":1.1")
}

func TestOnSenderVanishedReleasesOwnedDevice(t *testing.T) {
	m := newTestManager(t, 0, nil)
	m.RegisterDevice(model.DeviceDescriptor{DriverName: "sim", DeviceID: "a"}, capability.NewSimulatedDevice(model.DeviceDescriptor{}))
	sessions := m.Sessions()
	if err := sessions[0].Claim(":1.1", ""); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	m.OnSenderVanished(":1.1")
	if sessions[0].Busy() {
		t.Error("expected claim to be released after sender vanished")
	}
}
