package suspend

import (
	"context"
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"

	"github.com/freedesktop-fprint/fprintd-go/internal/busnames"
	"github.com/freedesktop-fprint/fprintd-go/internal/capability"
)

// LogindInhibitor acquires logind's "delay" sleep inhibitor lock over
// a live system bus connection, the way a desktop session's idle
// inhibitor does, except scoped to "sleep" rather than "idle".
type LogindInhibitor struct {
	conn *dbus.Conn
}

// NewLogindInhibitor wraps conn, which must already be connected to
// the system bus.
func NewLogindInhibitor(conn *dbus.Conn) *LogindInhibitor {
	return &LogindInhibitor{conn: conn}
}

func (l *LogindInhibitor) Inhibit(ctx context.Context) (func(), error) {
	obj := l.conn.Object(busnames.LogindService, busnames.LogindManagerPath)
	var fd dbus.UnixFD
	err := obj.CallWithContext(ctx, busnames.LogindManagerInterface+".Inhibit", 0,
		busnames.LogindInhibitorWhat, busnames.LogindInhibitorWho, busnames.LogindInhibitorWhy, busnames.LogindInhibitorMode).Store(&fd)
	if err != nil {
		return nil, fmt.Errorf("acquiring logind sleep inhibitor: %w", err)
	}
	f := os.NewFile(uintptr(fd), "logind-sleep-inhibitor")
	return func() {
		if f != nil {
			_ = f.Close()
		}
	}, nil
}

// Watcher subscribes to logind's PrepareForSleep signal and drives a
// Coordinator from it: true means the host is about to sleep and
// every device should suspend behind the inhibitor; false means the
// host just woke and every device should resume.
type Watcher struct {
	conn        *dbus.Conn
	coordinator *Coordinator
	targets     func() []capability.Device
}

// NewWatcher builds a Watcher. targets is called fresh on every
// PrepareForSleep transition so hotplugged devices are always included.
func NewWatcher(conn *dbus.Conn, coordinator *Coordinator, targets func() []capability.Device) *Watcher {
	return &Watcher{conn: conn, coordinator: coordinator, targets: targets}
}

// Start registers the signal match and begins processing
// PrepareForSleep transitions on a background goroutine. It returns
// once the match is registered; signal delivery continues until ctx
// is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.conn.AddMatchSignal(
		dbus.WithMatchInterface(busnames.LogindManagerInterface),
		dbus.WithMatchMember("PrepareForSleep"),
		dbus.WithMatchObjectPath(busnames.LogindManagerPath),
	); err != nil {
		return fmt.Errorf("subscribing to PrepareForSleep: %w", err)
	}

	signals := make(chan *dbus.Signal, 8)
	w.conn.Signal(signals)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				w.handle(ctx, sig)
			}
		}
	}()
	return nil
}

func (w *Watcher) handle(ctx context.Context, sig *dbus.Signal) {
	if sig.Name != busnames.LogindManagerInterface+".PrepareForSleep" || len(sig.Body) != 1 {
		return
	}
	sleeping, ok := sig.Body[0].(bool)
	if !ok {
		return
	}
	if sleeping {
		w.coordinator.BeginSuspend(ctx, w.targets())
		return
	}
	w.coordinator.Resume(ctx, w.targets())
}

// AnnounceStartupResumed issues the synthetic startup "resumed" event:
// called once, immediately after every device present at startup has
// been registered, so each device's dynamic state (finger-presence,
// etc.) is initialized the same way a real resume-from-sleep would
// initialize it, without ever having actually suspended. This is also
// how the coordinator's first delay inhibitor gets taken, since Resume
// acquires one on every call.
func AnnounceStartupResumed(ctx context.Context, coordinator *Coordinator, targets []capability.Device) {
	coordinator.Resume(ctx, targets)
}
