// Package busnames holds the fixed D-Bus names, paths, and interfaces
// the daemon exports and the ones it calls out to (logind).
package busnames

const (
	Service          = "net.reactivated.Fprint"
	ManagerPath      = "/net/reactivated/Fprint/Manager"
	ManagerInterface = "net.reactivated.Fprint.Manager"
	DevicePathPrefix = "/net/reactivated/Fprint/Device/"
	DeviceInterface  = "net.reactivated.Fprint.Device"

	LogindService            = "org.freedesktop.login1"
	LogindManagerPath         = "/org/freedesktop/login1"
	LogindManagerInterface    = "org.freedesktop.login1.Manager"
	LogindInhibitorWhat       = "sleep"
	LogindInhibitorWho        = "net.reactivated.Fprint"
	LogindInhibitorWhy        = "Suspend fingerprint readers"
	LogindInhibitorMode       = "delay"
)
