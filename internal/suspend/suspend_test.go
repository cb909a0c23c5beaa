package suspend

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/freedesktop-fprint/fprintd-go/internal/capability"
	"github.com/freedesktop-fprint/fprintd-go/internal/model"
)

type countingInhibitor struct {
	acquired int32
	released int32
}

func (c *countingInhibitor) Inhibit(ctx context.Context) (func(), error) {
	atomic.AddInt32(&c.acquired, 1)
	return func() { atomic.AddInt32(&c.released, 1) }, nil
}

func TestResumeAcquiresFreshInhibitorForNextSleep(t *testing.T) {
	inh := &countingInhibitor{}
	c := New(inh)
	devs := []capability.Device{
		capability.NewSimulatedDevice(model.DeviceDescriptor{}),
		capability.NewSimulatedDevice(model.DeviceDescriptor{}),
	}
	c.Resume(context.Background(), devs) // blocks until every Resume call returns
	if atomic.LoadInt32(&inh.acquired) != 1 {
		t.Fatalf("acquired = %d, want 1 (Resume takes the next sleep's inhibitor)", inh.acquired)
	}
}

func TestBeginSuspendWithNoDevicesReleasesTheInhibitorResumeTook(t *testing.T) {
	inh := &countingInhibitor{}
	c := New(inh)
	c.Resume(context.Background(), nil) // seeds the inhibitor, as the startup synthetic resume does
	c.BeginSuspend(context.Background(), nil)
	if atomic.LoadInt32(&inh.released) != 1 {
		t.Fatalf("released = %d, want 1 (sentinel-only barrier)", inh.released)
	}
}

func TestBeginSuspendReleasesAfterAllDevicesComplete(t *testing.T) {
	inh := &countingInhibitor{}
	c := New(inh)
	devs := []capability.Device{
		capability.NewSimulatedDevice(model.DeviceDescriptor{}),
		capability.NewSimulatedDevice(model.DeviceDescriptor{}),
		capability.NewSimulatedDevice(model.DeviceDescriptor{}),
	}
	c.Resume(context.Background(), nil)
	c.BeginSuspend(context.Background(), devs)
	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&inh.released) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if atomic.LoadInt32(&inh.released) != 1 {
		t.Fatalf("released = %d, want 1", inh.released)
	}
}

func TestBeginSuspendWithoutAPriorInhibitorReleasesNothing(t *testing.T) {
	inh := &countingInhibitor{}
	c := New(inh)
	c.BeginSuspend(context.Background(), nil)
	if atomic.LoadInt32(&inh.released) != 0 {
		t.Fatalf("released = %d, want 0 (no inhibitor was ever acquired)", inh.released)
	}
}

func TestResumeCompletesForEveryDevice(t *testing.T) {
	c := New(&countingInhibitor{})
	devs := []capability.Device{
		capability.NewSimulatedDevice(model.DeviceDescriptor{}),
		capability.NewSimulatedDevice(model.DeviceDescriptor{}),
	}
	c.Resume(context.Background(), devs) // blocks until every Resume call returns
}
