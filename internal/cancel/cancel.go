// Package cancel implements the Cancellation & Deadlock Subsystem
// (§4.9): a per-instance registry of cooperative cancellation handles
// for active tasks, plus a background sweep that flags parallel joins
// stuck below their expected fan-in for longer than a configurable
// threshold. Inclusive joins proceed on their first arrival and are
// not swept.
//
// Grounded on the teacher's internal/scheduler.Scheduler timer-bag
// shape (`timers map[string]*time.Timer` under one mutex, a stopCh/wg
// shutdown pair): the same bookkeeping style, generalized from
// scheduled-task timers to task cancellation handles and an open-join
// sweep ticker.
package cancel

import (
	"context"
	"sync"
	"time"

	"github.com/nugget/workflowd/internal/gateway"
)

// Handle is a cooperative cancellation handle for one active task
// (§4.9, §5). Task runners must check Context().Done() at every
// suspension point.
type Handle struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	cancelled bool
	reason    string
}

func newHandle(parent context.Context) *Handle {
	ctx, cancel := context.WithCancel(parent)
	return &Handle{ctx: ctx, cancel: cancel}
}

// Context returns the handle's context, cancelled when Cancel is
// called.
func (h *Handle) Context() context.Context { return h.ctx }

// Cancel requests cancellation with reason. Idempotent: the second and
// later calls are no-ops, matching the "already completed" idempotence
// requirement (§4.9 testable property 7).
func (h *Handle) Cancel(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return
	}
	h.cancelled = true
	h.reason = reason
	h.cancel()
}

// Cancelled reports whether the handle has been cancelled, and if so,
// with what reason.
func (h *Handle) Cancelled() (bool, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled, h.reason
}

// Tracker tracks every active task for one instance, keyed by element
// id, so competing branches can be cancelled when an inclusive merge
// commits (§4.2, §4.9) and so no active-task entry outlives its task
// (§8 testable property 7).
type Tracker struct {
	mu     sync.Mutex
	active map[string]*Handle
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{active: make(map[string]*Handle)}
}

// Register creates and stores a cancellation handle for elementID,
// derived from parent. Returns the handle; the caller must Unregister
// when the task finishes, regardless of outcome.
func (t *Tracker) Register(elementID string, parent context.Context) *Handle {
	h := newHandle(parent)
	t.mu.Lock()
	t.active[elementID] = h
	t.mu.Unlock()
	return h
}

// Unregister removes elementID's handle once its task has finished.
// Safe to call more than once.
func (t *Tracker) Unregister(elementID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, elementID)
}

// Cancel cancels the active task at elementID with reason. Returns
// false if elementID has no active handle — the caller should treat
// this as "already completed" rather than an error (§4.9).
func (t *Tracker) Cancel(elementID, reason string) bool {
	t.mu.Lock()
	h, ok := t.active[elementID]
	t.mu.Unlock()
	if !ok {
		return false
	}
	h.Cancel(reason)
	return true
}

// CancelAll cancels every currently active task, used for fail-fast
// sibling cancellation (§7) and instance-level cancel requests.
func (t *Tracker) CancelAll(reason string) {
	t.mu.Lock()
	handles := make([]*Handle, 0, len(t.active))
	for _, h := range t.active {
		handles = append(handles, h)
	}
	t.mu.Unlock()
	for _, h := range handles {
		h.Cancel(reason)
	}
}

// ActiveIDs returns the element ids currently registered as active,
// for audit/replay visualization (§3).
func (t *Tracker) ActiveIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.active))
	for id := range t.active {
		out = append(out, id)
	}
	return out
}

// DeadlockEvent describes one advisory sweep finding (§4.9).
type DeadlockEvent struct {
	GatewayID string
	Arrived   int
	Expected  int
}

// Detector runs a periodic sweep over a JoinTracker's open parallel
// joins, publishing an advisory DeadlockEvent once per stuck
// occurrence (not on every tick) when a join has sat below its
// expected fan-in for longer than Threshold.
type Detector struct {
	jt        *gateway.JoinTracker
	threshold time.Duration
	interval  time.Duration
	publish   func(DeadlockEvent)

	mu     sync.Mutex
	warned map[string]bool
}

// NewDetector creates a Detector. threshold and interval both fall
// back to sensible defaults (30s / 5s, §4.9, SPEC_FULL.md) if <= 0.
func NewDetector(jt *gateway.JoinTracker, threshold, interval time.Duration, publish func(DeadlockEvent)) *Detector {
	if threshold <= 0 {
		threshold = 30 * time.Second
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Detector{
		jt:        jt,
		threshold: threshold,
		interval:  interval,
		publish:   publish,
		warned:    make(map[string]bool),
	}
}

// Run blocks, sweeping every interval until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep()
		}
	}
}

func (d *Detector) sweep() {
	now := time.Now()
	open := make(map[string]bool, len(d.jt.OpenJoins()))
	for _, j := range d.jt.OpenJoins() {
		open[j.GatewayID] = true
		if now.Sub(j.Since) <= d.threshold {
			continue
		}
		d.mu.Lock()
		already := d.warned[j.GatewayID]
		if !already {
			d.warned[j.GatewayID] = true
		}
		d.mu.Unlock()
		if !already {
			d.publish(DeadlockEvent{GatewayID: j.GatewayID, Arrived: j.Arrived, Expected: j.Expected})
		}
	}

	d.mu.Lock()
	for id := range d.warned {
		if !open[id] {
			delete(d.warned, id) // join resolved or looped back; allow a future warning
		}
	}
	d.mu.Unlock()
}
