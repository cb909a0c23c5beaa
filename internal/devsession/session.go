// Package devsession is the Device Session façade: one instance per
// physical device, combining the Policy Gate, Claim Registry, and
// Operation State Machine behind a single-goroutine command loop so
// that no two operations on the same device ever run concurrently.
package devsession

import (
	"context"
	"fmt"
	"os/user"
	"runtime"
	"strconv"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/freedesktop-fprint/fprintd-go/internal/busnames"
	"github.com/freedesktop-fprint/fprintd-go/internal/capability"
	"github.com/freedesktop-fprint/fprintd-go/internal/claim"
	"github.com/freedesktop-fprint/fprintd-go/internal/finger"
	"github.com/freedesktop-fprint/fprintd-go/internal/fperrors"
	"github.com/freedesktop-fprint/fprintd-go/internal/fplog"
	"github.com/freedesktop-fprint/fprintd-go/internal/model"
	"github.com/freedesktop-fprint/fprintd-go/internal/opstate"
	"github.com/freedesktop-fprint/fprintd-go/internal/policy"
	"github.com/freedesktop-fprint/fprintd-go/internal/store"
)

// verifyStopDeviceWait bounds how long VerifyStop, after cancelling,
// waits for the in-flight verify/identify to return before it gives
// up waiting and returns regardless.
const verifyStopDeviceWait = 1 * time.Second

// UIDResolver resolves a D-Bus sender's unique connection name to a
// Unix uid and username, the way GetConnectionUnixUser/getpwuid does
// for the real bus.
type UIDResolver interface {
	Resolve(sender string) (uid uint32, username string, err error)
}

// Session is one device's façade over the claim, policy, and
// operation machinery.
type Session struct {
	ObjectPath dbus.ObjectPath

	desc    model.DeviceDescriptor
	store   store.Store
	claims  claim.Registry
	machine *opstate.Machine
	resolve UIDResolver
	conn    *dbus.Conn

	cmd chan func()

	onBusyChanged func(busy bool)

	// logOffendingClient, if set, resolves sender to its pid's
	// /proc/<pid>/comm and logs it — the daemon wires this through a
	// GetConnectionUnixProcessID call, the way the original logs the
	// caller of the deprecated DeleteEnrolledFingers specifically.
	logOffendingClient func(sender string)
}

// New builds a Session over dev/desc. objPath is the stable D-Bus
// object path this device is published under.
func New(objPath dbus.ObjectPath, desc model.DeviceDescriptor, dev capability.Device, st store.Store, resolve UIDResolver, onBusyChanged func(bool)) *Session {
	s := &Session{
		ObjectPath:    objPath,
		desc:          desc,
		store:         st,
		machine:       opstate.New(opstate.Dependencies{Device: dev, Store: st}),
		resolve:       resolve,
		cmd:           make(chan func()),
		onBusyChanged: onBusyChanged,
	}
	go s.loop()
	return s
}

func (s *Session) loop() {
	for fn := range s.cmd {
		fn()
	}
}

// do runs fn on the session's own goroutine and waits for it to
// finish. Used for anything that must read or mutate claim/machine
// state consistently with the in-flight operation, if any.
func (s *Session) do(fn func()) {
	done := make(chan struct{})
	s.cmd <- func() {
		fn()
		close(done)
	}
	<-done
}

// Attach wires the session to a live bus connection so it can emit
// signals. Exporting the method table itself is the daemon's job
// (internal/manager), since godbus needs one export call per object.
func (s *Session) Attach(conn *dbus.Conn) { s.conn = conn }

// SetLogOffendingClient installs the hook the deprecated
// DeleteEnrolledFingers path uses to log its caller's identity.
func (s *Session) SetLogOffendingClient(fn func(sender string)) { s.logOffendingClient = fn }

func (s *Session) authorize(sender string, op model.OperationKind, actingUsername string) error {
	uid, callerUsername, err := s.resolve.Resolve(sender)
	if err != nil {
		return fperrors.Wrap(fperrors.Internal, err, "resolving caller identity")
	}
	claimingOtherUser := actingUsername != "" && actingUsername != callerUsername
	gate := policy.New(policy.LocalBackend{ResourceOwnerUID: resourceOwnerUID(uid, callerUsername, actingUsername)})
	return gate.Authorize(context.Background(), uid, policy.RequiredPermission(op, claimingOtherUser))
}

// resourceOwnerUID is the uid policy.LocalBackend treats as owning
// acting's prints: the caller's own uid when acting is the caller
// itself, otherwise acting's uid from the system user database, or 0
// (so only root is allowed) when acting is not a known user.
func resourceOwnerUID(callerUID uint32, callerUsername, acting string) uint32 {
	if acting == "" || acting == callerUsername {
		return callerUID
	}
	u, err := user.Lookup(acting)
	if err != nil {
		return 0
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(uid)
}

// start runs op on its own goroutine and returns once the machine has
// begun it (Done has switched to the new operation's channel), so the
// next command on the session loop already sees it in flight.
func (s *Session) start(op func()) {
	prev := s.machine.Done()
	go op()
	for s.machine.Done() == prev {
		runtime.Gosched()
	}
}

func (s *Session) callerUsername(sender string) (string, error) {
	_, username, err := s.resolve.Resolve(sender)
	return username, err
}

// Claim installs sender as the device's owner, acting as username (or
// the caller's own resolved username if username == ""). Per §4.2's
// table, Claim always requires both verify and enroll to be granted
// (not either/or, and not skipped for a self-claim the way the other
// operations' single-tag checks can be), plus set-username on top when
// claiming on behalf of another user.
func (s *Session) Claim(sender, username string) error {
	var resultErr error
	s.do(func() {
		uid, resolvedSelf, err := s.resolve.Resolve(sender)
		if err != nil {
			resultErr = fperrors.Wrap(fperrors.Internal, err, "resolving caller identity")
			return
		}
		acting := username
		if acting == "" {
			acting = resolvedSelf
		}
		gate := policy.New(policy.LocalBackend{ResourceOwnerUID: resourceOwnerUID(uid, resolvedSelf, acting)})
		required := policy.RequiredPermissionsForClaim(acting != resolvedSelf)
		if err := gate.AuthorizeAll(context.Background(), uid, required...); err != nil {
			resultErr = err
			return
		}
		if err := s.claims.Claim(sender, acting); err != nil {
			resultErr = err
			return
		}
		fplog.SecurityEvent("device %s claimed by %s acting as %s", s.ObjectPath, sender, acting)
		s.notifyBusy()
	})
	return resultErr
}

// Release clears sender's claim.
func (s *Session) Release(sender string) error {
	var resultErr error
	s.do(func() {
		if s.machine.Current() != model.OpNone {
			s.machine.Cancel()
		}
		if err := s.claims.Release(sender); err != nil {
			resultErr = err
			return
		}
		fplog.SecurityEvent("device %s released by %s", s.ObjectPath, sender)
		s.notifyBusy()
	})
	return resultErr
}

// OnSenderVanished is called by the bus-wide liveness watcher when a
// D-Bus unique name disappears. If that sender held this device's
// claim, the claim and any in-flight operation are torn down exactly
// as Release would, without requiring the vanished client to ask.
func (s *Session) OnSenderVanished(sender string) {
	s.do(func() {
		cur := s.claims.Current()
		if cur == nil || cur.Sender != sender {
			return
		}
		if s.machine.Current() != model.OpNone {
			s.machine.Cancel()
		}
		s.claims.ForceRelease()
		fplog.SecurityEvent("device %s claim by vanished sender %s released", s.ObjectPath, sender)
		s.notifyBusy()
	})
}

// EnrollStart begins an enroll for fingerName on behalf of the
// claiming user. It returns once the request has been validated and
// accepted; progress and the final outcome arrive only through
// EnrollStatus signals.
func (s *Session) EnrollStart(sender, fingerName string) error {
	var resultErr error
	s.do(func() {
		cur := s.claims.Current()
		if err := s.claims.Check(claim.Claimed, sender); err != nil {
			resultErr = err
			return
		}
		if s.machine.Current() != model.OpNone {
			resultErr = fperrors.New(fperrors.AlreadyInUse, "an operation is already in progress")
			return
		}
		f, err := finger.Parse(fingerName)
		if err != nil {
			resultErr = fperrors.New(fperrors.InvalidFingername, "%v", err)
			return
		}
		if err := s.authorize(sender, model.OpEnroll, cur.Username); err != nil {
			resultErr = err
			return
		}
		username := cur.Username
		s.start(func() {
			s.machine.Enroll(context.Background(), username, f, func(status string, done bool) {
				s.emit("EnrollStatus", status, done)
			})
		})
	})
	return resultErr
}

// EnrollStop cancels an in-flight enroll.
func (s *Session) EnrollStop(sender string) error {
	return s.stopOp(sender, model.OpEnroll)
}

func (s *Session) stopOp(sender string, want model.OperationKind) error {
	var resultErr error
	s.do(func() {
		if err := s.claims.Check(claim.Claimed, sender); err != nil {
			resultErr = err
			return
		}
		if s.machine.Current() != want {
			resultErr = fperrors.New(fperrors.NoActionInProgress, "no %s in progress", want)
			return
		}
		s.machine.Cancel()
	})
	return resultErr
}

// VerifyStart begins a verify (or, for devices that can identify,
// an any-finger identify) on behalf of the claiming user.
func (s *Session) VerifyStart(sender, fingerName string) error {
	var resultErr error
	s.do(func() {
		cur := s.claims.Current()
		if err := s.claims.Check(claim.Claimed, sender); err != nil {
			resultErr = err
			return
		}
		if s.machine.Current() != model.OpNone {
			resultErr = fperrors.New(fperrors.AlreadyInUse, "an operation is already in progress")
			return
		}
		f, err := finger.Parse(fingerName)
		if err != nil {
			resultErr = fperrors.New(fperrors.InvalidFingername, "%v", err)
			return
		}
		if err := s.authorize(sender, model.OpVerify, cur.Username); err != nil {
			resultErr = err
			return
		}
		mode, selected, template, gallery, err := s.machine.ResolveVerifyTarget(cur.Username, f)
		if err != nil {
			resultErr = err
			return
		}
		s.start(func() {
			s.machine.RunVerify(context.Background(), mode, selected, template, gallery,
				func(selected finger.ID) { s.emit("VerifyFingerSelected", wireSelectedFingerName(selected)) },
				func(status string, done bool) { s.emit("VerifyStatus", status, done) })
		})
	})
	return resultErr
}

// VerifyStop cancels an in-flight verify/identify at once, then waits
// up to verifyStopDeviceWait for the operation to return. There is no
// grace period before the cancellation, even when the verify has
// already reported its result.
func (s *Session) VerifyStop(sender string) error {
	var resultErr error
	var done chan struct{}
	s.do(func() {
		if err := s.claims.Check(claim.Claimed, sender); err != nil {
			resultErr = err
			return
		}
		cur := s.machine.Current()
		if cur != model.OpVerify && cur != model.OpIdentify {
			resultErr = fperrors.New(fperrors.NoActionInProgress, "no verify in progress")
			return
		}
		s.machine.Cancel()
		done = s.machine.Done()
	})
	if resultErr != nil || done == nil {
		return resultErr
	}
	select {
	case <-done:
	case <-time.After(verifyStopDeviceWait):
	}
	return nil
}

// DeleteEnrolledFinger deletes a single finger for the claiming user.
func (s *Session) DeleteEnrolledFinger(sender, fingerName string) error {
	return s.delete(sender, fingerName, false)
}

// DeleteEnrolledFingers2 deletes every finger enrolled for the
// claiming user.
func (s *Session) DeleteEnrolledFingers2(sender string) error {
	return s.delete(sender, "", true)
}

// deleteEnrolledFingersV1 backs the deprecated DeleteEnrolledFingers
// call. Unlike every other operation it tolerates an unclaimed device
// (auto-claiming sender on username's behalf rather than failing) and
// logs the calling process's identity, matching the original's
// special-cased handling of this one legacy entry point.
func (s *Session) deleteEnrolledFingersV1(sender, username string) error {
	if s.logOffendingClient != nil {
		s.logOffendingClient(sender)
	}
	fplog.Warn("DeleteEnrolledFingers is deprecated, callers should use DeleteEnrolledFingers2")

	var resultErr error
	s.do(func() {
		if err := s.claims.Check(claim.AutoClaim, sender); err != nil {
			resultErr = err
			return
		}
		acting := username
		if s.claims.Current() == nil {
			resolved, err := s.callerUsername(sender)
			if err != nil {
				resultErr = fperrors.Wrap(fperrors.Internal, err, "resolving caller identity")
				return
			}
			if acting == "" {
				acting = resolved
			}
			if err := s.claims.Claim(sender, acting); err != nil {
				resultErr = err
				return
			}
			s.notifyBusy()
		} else {
			acting = s.claims.Current().Username
		}
		if s.machine.Current() != model.OpNone {
			resultErr = fperrors.New(fperrors.AlreadyInUse, "an operation is already in progress")
			return
		}
		if err := s.authorize(sender, model.OpDelete, acting); err != nil {
			resultErr = err
			return
		}
		targets, err := s.machine.ResolveDeleteTargets(acting, finger.Unknown, true)
		if err != nil {
			resultErr = err
			return
		}
		resultErr = s.machine.Delete(context.Background(), acting, targets)
	})
	return resultErr
}

func (s *Session) delete(sender, fingerName string, allFingers bool) error {
	var resultErr error
	s.do(func() {
		cur := s.claims.Current()
		if err := s.claims.Check(claim.Claimed, sender); err != nil {
			resultErr = err
			return
		}
		if s.machine.Current() != model.OpNone {
			resultErr = fperrors.New(fperrors.AlreadyInUse, "an operation is already in progress")
			return
		}
		if err := s.authorize(sender, model.OpDelete, cur.Username); err != nil {
			resultErr = err
			return
		}
		f := finger.Unknown
		if !allFingers {
			var err error
			f, err = finger.Parse(fingerName)
			if err != nil {
				resultErr = fperrors.New(fperrors.InvalidFingername, "%v", err)
				return
			}
		}
		targets, err := s.machine.ResolveDeleteTargets(cur.Username, f, allFingers)
		if err != nil {
			resultErr = err
			return
		}
		resultErr = s.machine.Delete(context.Background(), cur.Username, targets)
	})
	return resultErr
}

// ListEnrolledFingers lists the fingers enrolled for username, which
// requires no claim at all.
func (s *Session) ListEnrolledFingers(username string) ([]string, error) {
	fingers, err := s.store.DiscoverPrints(username, s.desc.DriverName, s.desc.DeviceID)
	if err != nil {
		return nil, fperrors.Wrap(fperrors.Internal, err, "listing enrolled fingers")
	}
	if len(fingers) == 0 {
		return nil, fperrors.New(fperrors.NoEnrolledPrints, "no enrolled prints for %s", username)
	}
	names := make([]string, len(fingers))
	for i, f := range fingers {
		names[i] = f.String()
	}
	return names, nil
}

// Busy reports whether this device currently has a watched client
// (claimed) or an operation in flight — the Manager idle-exit timer
// is rearmed whenever no device reports busy.
func (s *Session) Busy() bool {
	return s.claims.Current() != nil || s.machine.Current() != model.OpNone
}

func (s *Session) notifyBusy() {
	if s.onBusyChanged != nil {
		s.onBusyChanged(s.Busy())
	}
}

func (s *Session) emit(signalName string, args ...interface{}) {
	if s.conn == nil {
		return
	}
	if err := s.conn.Emit(s.ObjectPath, busnames.DeviceInterface+"."+signalName, args...); err != nil {
		fplog.Error("emitting %s on %s: %v", signalName, s.ObjectPath, err)
	}
}

// DevicePathFor builds the stable object path for the device
// registered with monotonic id.
func DevicePathFor(id int) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("%s%d", busnames.DevicePathPrefix, id))
}

// wireSelectedFingerName renders the finger VerifyFingerSelected
// carries: "any" for a genuine multi-finger identify whose matching
// finger isn't known yet, matching fp_finger_to_name(FP_FINGER_UNKNOWN)
// in the original, rather than finger.ID's own "unknown" string.
func wireSelectedFingerName(f finger.ID) string {
	if f == finger.Unknown {
		return "any"
	}
	return f.String()
}

// Suspend and Resume forward to the underlying capability device,
// used by the Suspend Coordinator; driver errors of kind not-open or
// not-supported are expected and swallowed by the caller, not here.
func (s *Session) Suspend(ctx context.Context, dev capability.Device) error { return dev.Suspend(ctx) }
func (s *Session) Resume(ctx context.Context, dev capability.Device) error  { return dev.Resume(ctx) }
