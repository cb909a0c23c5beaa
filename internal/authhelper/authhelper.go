// Package authhelper implements the out-of-process, PAM-style client
// that drives a Verify operation for login: it talks to the daemon
// purely through its published D-Bus operations, the way any other
// unprivileged client would.
package authhelper

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/freedesktop-fprint/fprintd-go/internal/busnames"
	"github.com/freedesktop-fprint/fprintd-go/internal/fplog"
)

// Outcome is the helper's final verdict, translated to the PAM-style
// vocabulary callers expect instead of a raw D-Bus error.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeAuthErr        Outcome = "auth-err"
	OutcomeAuthInfoUnavail Outcome = "authinfo-unavail"
	OutcomeMaxTries       Outcome = "maxtries"
)

// Options are the helper's command-line-equivalent settings.
type Options struct {
	Debug    bool
	MaxTries int           // default 3, minimum 1
	Timeout  time.Duration // default 30s, minimum 10s
}

// Normalize applies the defaults and minimums §6 specifies.
func (o Options) Normalize() Options {
	if o.MaxTries < 1 {
		o.MaxTries = 3
	}
	if o.Timeout < 10*time.Second {
		o.Timeout = 30 * time.Second
	}
	return o
}

// RemoteSessionError means the helper refused to run because it
// detected a remote login session; callers should treat this as
// OutcomeAuthInfoUnavail without ever opening a bus connection.
type RemoteSessionError struct{ Host string }

func (e *RemoteSessionError) Error() string {
	return fmt.Sprintf("fingerprint authentication is not available for remote session (host %q)", e.Host)
}

// IsRemoteSession reports whether (remoteHost, platformRemote) describes
// a remote login, the way PAM's rhost and session-platform hints do.
func IsRemoteSession(remoteHost string, platformRemote bool) bool {
	return platformRemote || (remoteHost != "" && remoteHost != "localhost")
}

// deviceCandidate is one discovered device paired with how many
// prints the acting user has enrolled on it.
type deviceCandidate struct {
	path   dbus.ObjectPath
	id     int
	prints int
}

// SelectDevice picks the device with the most prints enrolled for
// username, resolving ties by preferring the lowest device id (the
// first one registered) for determinism.
func SelectDevice(conn *dbus.Conn, username string) (dbus.ObjectPath, error) {
	mgr := conn.Object(busnames.Service, busnames.ManagerPath)
	var paths []dbus.ObjectPath
	if err := mgr.Call(busnames.ManagerInterface+".GetDevices", 0).Store(&paths); err != nil {
		return "", fmt.Errorf("GetDevices: %w", err)
	}
	if len(paths) == 0 {
		return "", fmt.Errorf("no fingerprint devices available")
	}

	var best *deviceCandidate
	for _, p := range paths {
		dev := conn.Object(busnames.Service, p)
		var fingers []string
		call := dev.Call(busnames.DeviceInterface+".ListEnrolledFingers", 0, username)
		if call.Err != nil {
			continue // NoEnrolledPrints or similar: skipped; paths[0] is used if no device qualifies
		}
		if err := call.Store(&fingers); err != nil {
			continue
		}
		id := deviceIDFromPath(p)
		cand := deviceCandidate{path: p, id: id, prints: len(fingers)}
		if best == nil || cand.prints > best.prints || (cand.prints == best.prints && cand.id < best.id) {
			best = &cand
		}
	}
	if best == nil {
		return paths[0], nil
	}
	return best.path, nil
}

func deviceIDFromPath(p dbus.ObjectPath) int {
	var id int
	_, _ = fmt.Sscanf(string(p), string(busnames.DevicePathPrefix)+"%d", &id)
	return id
}

// Run executes the full retry loop against the device at path, acting
// as username, and returns the PAM-style outcome.
func Run(ctx context.Context, conn *dbus.Conn, path dbus.ObjectPath, username string, opts Options) Outcome {
	opts = opts.Normalize()
	dev := conn.Object(busnames.Service, path)

	if err := dev.Call(busnames.DeviceInterface+".Claim", 0, username).Err; err != nil {
		fplog.Warn("Claim failed: %v", err)
		return OutcomeAuthInfoUnavail
	}

	outcome := OutcomeAuthInfoUnavail
	for attempt := 1; attempt <= opts.MaxTries; attempt++ {
		result := runOneAttempt(ctx, conn, dev, opts.Timeout)
		_ = dev.Call(busnames.DeviceInterface+".VerifyStop", 0).Err // ignored, per contract

		switch result {
		case attemptMatch:
			return OutcomeSuccess // no Release on success: the process exit tears the claim down
		case attemptNoMatch:
			outcome = OutcomeMaxTries
			continue
		case attemptDisconnectedOrUnknown:
			_ = dev.Call(busnames.DeviceInterface+".Release", 0).Err
			return OutcomeAuthInfoUnavail
		default:
			_ = dev.Call(busnames.DeviceInterface+".Release", 0).Err
			return OutcomeAuthErr
		}
	}

	_ = dev.Call(busnames.DeviceInterface+".Release", 0).Err
	return outcome
}

type attemptResult int

const (
	attemptNoMatch attemptResult = iota
	attemptMatch
	attemptDisconnectedOrUnknown
	attemptUnrecognized
)

// runOneAttempt starts a verify, watches VerifyStatus/VerifyFingerSelected
// for up to timeout, and classifies the terminal status per §4.9.
func runOneAttempt(ctx context.Context, conn *dbus.Conn, dev dbus.BusObject, timeout time.Duration) attemptResult {
	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(dev.Path()),
		dbus.WithMatchInterface(busnames.DeviceInterface),
	); err != nil {
		fplog.Warn("AddMatchSignal: %v", err)
		return attemptDisconnectedOrUnknown
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchArg(0, busnames.Service),
	); err != nil {
		fplog.Warn("AddMatchSignal NameOwnerChanged: %v", err)
	}
	signals := make(chan *dbus.Signal, 8)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	if err := dev.Call(busnames.DeviceInterface+".VerifyStart", 0, "any").Err; err != nil {
		return attemptDisconnectedOrUnknown
	}

	deadline := time.After(timeout)
	for {
		select {
		case <-ctx.Done():
			return attemptDisconnectedOrUnknown
		case <-deadline:
			return attemptDisconnectedOrUnknown
		case sig := <-signals:
			if sig.Name == "org.freedesktop.DBus.NameOwnerChanged" {
				return attemptDisconnectedOrUnknown
			}
			if res, done := classifySignal(sig); done {
				return res
			}
		}
	}
}

// classifySignal inspects one VerifyStatus/VerifyFingerSelected signal
// and reports whether it is terminal and, if so, what it means.
func classifySignal(sig *dbus.Signal) (attemptResult, bool) {
	if sig.Name == busnames.DeviceInterface+".VerifyFingerSelected" {
		return 0, false
	}
	if sig.Name != busnames.DeviceInterface+".VerifyStatus" || len(sig.Body) != 2 {
		return 0, false
	}
	status, _ := sig.Body[0].(string)
	done, _ := sig.Body[1].(bool)
	if !done {
		return 0, false
	}
	switch status {
	case "verify-match":
		return attemptMatch, true
	case "verify-no-match":
		return attemptNoMatch, true
	case "verify-disconnected", "verify-unknown-error":
		return attemptDisconnectedOrUnknown, true
	default:
		return attemptUnrecognized, true
	}
}
