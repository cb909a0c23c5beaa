// Package claim tracks the single current owner of a device. At most
// one D-Bus sender may hold a claim at a time; every device operation
// first resolves what claim state it requires and checks it here.
package claim

import (
	"sync/atomic"

	"github.com/freedesktop-fprint/fprintd-go/internal/fperrors"
)

// Claim is the current owner of a device.
type Claim struct {
	Sender   string // the D-Bus unique connection name that holds the claim
	Username string // the user the claim was made on behalf of
}

// Requirement is the claim state an operation needs before it may run.
type Requirement int

const (
	// Anytime operations run regardless of claim state (e.g. ListEnrolledFingers).
	Anytime Requirement = iota
	// AutoClaim operations behave as Claimed if a claim exists, else as Unclaimed.
	AutoClaim
	// Unclaimed operations require that nobody currently holds the device.
	Unclaimed
	// Claimed operations require that the calling sender holds the claim.
	Claimed
)

// Registry holds the current claim on one device. The pointer is
// swapped with atomic.Pointer rather than guarded by a mutex: swaps
// only ever happen on the device's own command-loop goroutine, so
// there is never a writer race, and readers (D-Bus property getters,
// other goroutines) always see a complete, non-torn value.
type Registry struct {
	current atomic.Pointer[Claim]
}

// Current returns the active claim, or nil if the device is unclaimed.
func (r *Registry) Current() *Claim {
	return r.current.Load()
}

// Claim installs a new claim for sender acting as username. Fails if
// the device is already claimed by anyone, including sender itself —
// a sender must Release before re-claiming.
func (r *Registry) Claim(sender, username string) error {
	if r.current.Load() != nil {
		return fperrors.New(fperrors.AlreadyInUse, "device is already claimed")
	}
	r.current.Store(&Claim{Sender: sender, Username: username})
	return nil
}

// Release clears the claim. Fails if sender does not hold it.
func (r *Registry) Release(sender string) error {
	cur := r.current.Load()
	if cur == nil {
		return fperrors.New(fperrors.ClaimDevice, "device is not claimed")
	}
	if cur.Sender != sender {
		return fperrors.New(fperrors.AlreadyInUse, "device is claimed by another sender")
	}
	r.current.Store(nil)
	return nil
}

// ForceRelease clears the claim unconditionally, called when the
// Claim Registry's liveness watch observes that the owning sender has
// vanished from the bus.
func (r *Registry) ForceRelease() *Claim {
	return r.current.Swap(nil)
}

// Check resolves req against the current claim for sender, returning
// the error the calling operation should fail with, or nil to proceed.
func (r *Registry) Check(req Requirement, sender string) error {
	cur := r.Current()
	switch req {
	case Anytime:
		return nil
	case AutoClaim:
		if cur == nil {
			return nil
		}
		if cur.Sender != sender {
			return fperrors.New(fperrors.AlreadyInUse, "device is claimed by another sender")
		}
		return nil
	case Unclaimed:
		if cur != nil {
			return fperrors.New(fperrors.AlreadyInUse, "device is already claimed")
		}
		return nil
	case Claimed:
		if cur == nil {
			return fperrors.New(fperrors.ClaimDevice, "device must be claimed first")
		}
		if cur.Sender != sender {
			return fperrors.New(fperrors.AlreadyInUse, "device is claimed by another sender")
		}
		return nil
	default:
		return fperrors.New(fperrors.Internal, "unknown claim requirement")
	}
}
