package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/freedesktop-fprint/fprintd-go/internal/busnames"
	"github.com/freedesktop-fprint/fprintd-go/internal/capability"
	"github.com/freedesktop-fprint/fprintd-go/internal/fpconfig"
	"github.com/freedesktop-fprint/fprintd-go/internal/fplog"
	"github.com/freedesktop-fprint/fprintd-go/internal/manager"
	"github.com/freedesktop-fprint/fprintd-go/internal/model"
	"github.com/freedesktop-fprint/fprintd-go/internal/store"
	"github.com/freedesktop-fprint/fprintd-go/internal/suspend"
)

const version = "1.0.0"
const defaultIdleTimeout = 30 * time.Second

var (
	configPath = flag.String("config", "/etc/fprintd.conf", "path to the daemon configuration file")
	debug      = flag.Bool("debug", false, "enable verbose debug logging")
	noTimeout  = flag.Bool("no-timeout", false, "disable the idle-exit timer")
)

func main() {
	flag.Parse()

	if *debug {
		fplog.SetLevel(fplog.LevelDebug)
	} else {
		fplog.SetLevel(fplog.LevelInfo)
	}

	if err := fpconfig.LoadConfig(*configPath); err != nil {
		fplog.Fatal("loading configuration from %s: %v", *configPath, err)
	}
	cfg := fpconfig.Get()

	st, err := store.Open(cfg.StorageType)
	if err != nil {
		fplog.Fatal("opening storage backend %q: %v", cfg.StorageType, err)
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		fplog.Fatal("connecting to the system bus: %v", err)
	}
	defer conn.Close()

	idleTimeout := defaultIdleTimeout
	if *noTimeout || cfg.NoTimeout {
		idleTimeout = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := manager.New(st, &busResolver{conn: conn}, idleTimeout, func() {
		fplog.Info("idle timeout elapsed with nothing busy, exiting")
		cancel()
	})

	registerSimulatedDevice(mgr)

	if err := manager.Export(conn, mgr); err != nil {
		fplog.Fatal("exporting D-Bus objects: %v", err)
	}

	reply, err := conn.RequestName(busnames.Service, dbus.NameFlagDoNotQueue)
	if err != nil {
		fplog.Fatal("requesting bus name %s: %v", busnames.Service, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		fplog.Fatal("bus name %s is already owned", busnames.Service)
	}

	watchSenderVanish(conn, mgr)
	mgr.SetLogOffendingClient(func(sender string) { logOffendingClient(conn, sender) })

	coordinator := suspend.New(suspend.NewLogindInhibitor(conn))
	watcher := suspend.NewWatcher(conn, coordinator, func() []capability.Device { return devicesOf(mgr) })
	if err := watcher.Start(ctx); err != nil {
		fplog.Warn("starting sleep watcher: %v", err)
	}
	suspend.AnnounceStartupResumed(ctx, coordinator, devicesOf(mgr))

	fplog.Info("fprintd-go %s ready, bus name %s acquired", version, busnames.Service)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		fplog.Info("received termination signal, shutting down")
	case <-ctx.Done():
	}
}

func devicesOf(mgr *manager.Manager) []capability.Device {
	pairs := mgr.DevicesWithCapability()
	out := make([]capability.Device, len(pairs))
	for i, p := range pairs {
		out[i] = p.Device
	}
	return out
}

// registerSimulatedDevice stands in for real hardware enumeration: in
// the absence of a hardware driver library, the daemon starts with one
// software device so the rest of the system is exercisable end to end.
func registerSimulatedDevice(mgr *manager.Manager) {
	desc := model.DeviceDescriptor{
		DriverName:      "virtual_device",
		DeviceID:        "0",
		ScanType:        model.ScanTypePress,
		NumEnrollStages: 5,
		Features:        model.FeatureStorage | model.FeatureStorageList | model.FeatureIdentify,
	}
	mgr.RegisterDevice(desc, capability.NewSimulatedDevice(desc))
}

// busResolver resolves a D-Bus sender's uid and username over the
// same connection the daemon is exported on, via the standard
// GetConnectionUnixUser bus call plus a passwd lookup.
type busResolver struct {
	conn *dbus.Conn
}

func (r *busResolver) Resolve(sender string) (uint32, string, error) {
	obj := r.conn.Object("org.freedesktop.DBus", "/org/freedesktop/DBus")
	var uid uint32
	if err := obj.Call("org.freedesktop.DBus.GetConnectionUnixUser", 0, sender).Store(&uid); err != nil {
		return 0, "", err
	}
	username, err := lookupUsername(uid)
	return uid, username, err
}

// logOffendingClient resolves sender's pid over the bus and logs the
// process name that issued the deprecated DeleteEnrolledFingers call.
func logOffendingClient(conn *dbus.Conn, sender string) {
	obj := conn.Object("org.freedesktop.DBus", "/org/freedesktop/DBus")
	var pid uint32
	if err := obj.Call("org.freedesktop.DBus.GetConnectionUnixProcessID", 0, sender).Store(&pid); err != nil {
		fplog.Warn("resolving pid of %s for deprecated call: %v", sender, err)
		return
	}
	comm, err := processComm(pid)
	if err != nil {
		fplog.Warn("reading process name of pid %d: %v", pid, err)
		return
	}
	fplog.Warn("deprecated DeleteEnrolledFingers called by %s (pid %d)", comm, pid)
}

func watchSenderVanish(conn *dbus.Conn, mgr *manager.Manager) {
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
	); err != nil {
		fplog.Warn("subscribing to NameOwnerChanged: %v", err)
		return
	}
	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)
	go func() {
		for sig := range signals {
			if sig.Name != "org.freedesktop.DBus.NameOwnerChanged" || len(sig.Body) != 3 {
				continue
			}
			name, _ := sig.Body[0].(string)
			newOwner, _ := sig.Body[2].(string)
			if name != "" && name[0] == ':' && newOwner == "" {
				mgr.OnSenderVanished(name)
			}
		}
	}()
}
