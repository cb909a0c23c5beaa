// Package suspend coordinates system sleep transitions with the
// fingerprint devices the daemon manages: it inhibits sleep just long
// enough to tell every device to suspend, and resumes them all again
// on wakeup, using logind's PrepareForSleep signal and delay inhibitor.
package suspend

import (
	"context"
	"sync"

	"github.com/freedesktop-fprint/fprintd-go/internal/capability"
	"github.com/freedesktop-fprint/fprintd-go/internal/fplog"
)

// Inhibitor is the narrow slice of org.freedesktop.login1.Manager this
// package needs: acquire a delay-type sleep inhibitor lock and release
// it. Production wires this to a real logind D-Bus client; tests use a
// local stand-in.
type Inhibitor interface {
	// Inhibit acquires the lock and returns a release function.
	Inhibit(ctx context.Context) (release func(), err error)
}

// Coordinator tracks a barrier across every registered device's
// suspend (or resume) call so the sleep inhibitor is held until all of
// them have reported completion, not just the first.
type Coordinator struct {
	inhibitor Inhibitor

	mu      sync.Mutex
	pending int
	release func()
}

// New builds a Coordinator over inhibitor.
func New(inhibitor Inhibitor) *Coordinator {
	return &Coordinator{inhibitor: inhibitor}
}

// BeginSuspend is called once, synchronously, when PrepareForSleep(true)
// arrives. The inhibitor fd behind c.release was already acquired by
// the Resume (real or synthetic-startup) that preceded this sleep; a
// delay inhibitor grabbed only after the sleep signal has already
// fired would be too late to actually delay anything. BeginSuspend
// seeds the pending count at 1 before any device's Suspend is even
// issued (so a host with zero registered devices still releases the
// lock on the very next decrement), issues Suspend concurrently to
// every target, and releases the held fd once every target — and the
// sentinel — has decremented the barrier.
func (c *Coordinator) BeginSuspend(ctx context.Context, targets []capability.Device) {
	c.mu.Lock()
	c.pending = 1
	c.mu.Unlock()

	for _, t := range targets {
		c.mu.Lock()
		c.pending++
		c.mu.Unlock()
		go func(t capability.Device) {
			defer c.decrement()
			if err := t.Suspend(ctx); err != nil {
				logDriverOutcome("suspend", err)
			}
		}(t)
	}

	c.decrement() // releases the sentinel unit seeded above
}

// Resume tells every target to resume, then acquires a fresh delay
// inhibitor for the sleep cycle this resume just ended: logind grants
// one inhibitor per Inhibit call, consumed the moment the corresponding
// sleep completes, so a new one must be taken on every wake (including
// the synthetic startup "resumed" event that seeds the very first one)
// to be ready to gate the next sleep. A failure to acquire is logged
// and leaves the next BeginSuspend to run without a held inhibitor.
func (c *Coordinator) Resume(ctx context.Context, targets []capability.Device) {
	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t capability.Device) {
			defer wg.Done()
			if err := t.Resume(ctx); err != nil {
				logDriverOutcome("resume", err)
			}
		}(t)
	}
	wg.Wait()

	release, err := c.inhibitor.Inhibit(ctx)
	if err != nil {
		fplog.Warn("acquiring sleep inhibitor after resume: %v", err)
		return
	}
	c.mu.Lock()
	c.release = release
	c.mu.Unlock()
}

func (c *Coordinator) decrement() {
	c.mu.Lock()
	c.pending--
	done := c.pending == 0
	release := c.release
	if done {
		c.release = nil
	}
	c.mu.Unlock()
	if done && release != nil {
		release()
	}
}

// logDriverOutcome logs a suspend/resume driver error at the severity
// its kind warrants: not-open and not-supported are expected on
// devices that simply don't implement power management, so they are
// logged at Debug; anything else is a Warn, but in neither case does
// the error block the barrier from completing.
func logDriverOutcome(op string, err error) {
	switch capability.KindOf(err) {
	case capability.ErrNotOpen, capability.ErrNotSupported:
		fplog.Debug("%s: %v", op, err)
	default:
		fplog.Warn("%s: %v", op, err)
	}
}
