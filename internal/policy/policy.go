// Package policy is the authorization gate every device operation
// passes through before it reaches the hardware. It maps an operation
// to the permission it requires and consults a pluggable decision
// backend — in production this would be a polkit client; this package
// ships a small process-local stand-in suitable for tests and for
// embedding a real backend behind the same interface later.
package policy

import (
	"context"

	"github.com/freedesktop-fprint/fprintd-go/internal/fperrors"
	"github.com/freedesktop-fprint/fprintd-go/internal/model"
)

// Permission is one of the three fixed authorization actions a device
// operation can require. Bit values and relative order are fixed:
// lower value means higher priority when more than one permission
// would authorize a call.
type Permission struct {
	Nick string
	Bit  uint32
}

var (
	PermVerify      = Permission{Nick: "verify", Bit: 1 << 0}
	PermEnroll      = Permission{Nick: "enroll", Bit: 1 << 1}
	PermSetUsername = Permission{Nick: "setusername", Bit: 1 << 2}
)

// orderedPermissions is priority order, highest priority first.
var orderedPermissions = []Permission{PermVerify, PermEnroll, PermSetUsername}

const actionPrefix = "net.reactivated.fprint.device."

// ActionID returns the polkit-style action identifier for p.
func (p Permission) ActionID() string { return actionPrefix + p.Nick }

// RequiredPermission maps an operation to the permission it requires.
// claimingOtherUser is true when the caller is claiming the device on
// behalf of a username other than its own resolved identity.
func RequiredPermission(op model.OperationKind, claimingOtherUser bool) Permission {
	if claimingOtherUser {
		return PermSetUsername
	}
	if op == model.OpEnroll {
		return PermEnroll
	}
	return PermVerify
}

// RequiredPermissionsForClaim returns the permission tags Claim
// requires per the table's "verify ∧ enroll" entry: unlike every other
// operation, which requires exactly one tag, Claim requires both to be
// independently granted. claimingOtherUser adds set-username on top
// of both, whereas for every other operation RequiredPermission
// requires set-username in place of the operation's own tag.
func RequiredPermissionsForClaim(claimingOtherUser bool) []Permission {
	perms := []Permission{PermVerify, PermEnroll}
	if claimingOtherUser {
		perms = append(perms, PermSetUsername)
	}
	return perms
}

// Decision is a policy backend's answer for one authorization check.
type Decision int

const (
	Deny Decision = iota
	Allow
)

// Backend decides whether callerUID is authorized to perform actionID.
type Backend interface {
	CheckAuthorization(ctx context.Context, actionID string, callerUID uint32) (Decision, error)
}

// Gate is the Policy Gate: a Backend plus the fixed permission mapping.
type Gate struct {
	Backend Backend
}

// New builds a Gate backed by b.
func New(b Backend) *Gate {
	return &Gate{Backend: b}
}

// Authorize checks every permission in perms, in priority order, and
// succeeds on the first Allow — "first matching grant wins". It fails
// with PermissionDenied only if none of them allow the call.
func (g *Gate) Authorize(ctx context.Context, callerUID uint32, perms ...Permission) error {
	for _, want := range orderedPermissions {
		for _, perm := range perms {
			if perm.Bit != want.Bit {
				continue
			}
			decision, err := g.Backend.CheckAuthorization(ctx, perm.ActionID(), callerUID)
			if err != nil {
				return fperrors.Wrap(fperrors.Internal, err, "authorization check failed for %s", perm.ActionID())
			}
			if decision == Allow {
				return nil
			}
		}
	}
	return fperrors.New(fperrors.PermissionDenied, "caller is not authorized")
}

// AuthorizeAll requires every permission in perms to be independently
// granted, failing on the first one that is not — the conjunction
// Authorize's own "first matching grant wins" evaluation does not
// express, needed where the table lists a required set rather than a
// single required tag (Claim's "verify ∧ enroll").
func (g *Gate) AuthorizeAll(ctx context.Context, callerUID uint32, perms ...Permission) error {
	for _, p := range perms {
		if err := g.Authorize(ctx, callerUID, p); err != nil {
			return err
		}
	}
	return nil
}

// LocalBackend is a process-local stand-in decision provider: root and
// the resource owner are always allowed, everyone else is denied. It
// exists so the daemon and its tests run without a real polkit agent;
// a production deployment swaps this for a Backend that talks to one.
type LocalBackend struct {
	// ResourceOwnerUID is the uid that owns the device/print being
	// operated on, resolved from the acting username.
	ResourceOwnerUID uint32
}

func (b LocalBackend) CheckAuthorization(_ context.Context, _ string, callerUID uint32) (Decision, error) {
	if callerUID == 0 || callerUID == b.ResourceOwnerUID {
		return Allow, nil
	}
	return Deny, nil
}
