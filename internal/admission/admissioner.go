// Package admission implements a backpressure admission controller: it
// bounds concurrent in-flight work, optionally parks excess arrivals in a
// bounded queue for a bounded time, and reports structured overload
// diagnostics. See spec.md for the full protocol this package implements.
package admission

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Outcome is the terminal shape of one call to Admit.
type Outcome int

const (
	// Proceed: the caller holds a ReleaseToken and should run its handler,
	// then call Release on the token on every exit path.
	Proceed Outcome = iota
	// Reject: the caller was refused; Reason and Snapshot describe why.
	Reject
	// Cancelled: ctx was done while Arriving or Queued; there is no payload,
	// the caller is simply gone.
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Proceed:
		return "proceed"
	case Reject:
		return "reject"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Observer is invoked synchronously on every rejection. A panicking or
// misbehaving observer must never replace the structured overload result —
// see safeObserve.
type Observer func(reason RejectReason, snap Snapshot)

// Config is the immutable-after-construction configuration of an
// Admissioner (spec.md §3, §6).
type Config struct {
	// MaxConcurrent is the number of capacity units; must be >= 1.
	MaxConcurrent uint32
	// QueueSize bounds the wait queue; 0 disables queueing entirely.
	QueueSize uint32
	// QueueTimeout bounds how long a parked waiter waits for a slot.
	// Ignored when QueueSize == 0. Must be >= 0.
	QueueTimeout time.Duration
	// OverloadCode is the opaque error code embedded in overload payloads.
	OverloadCode int32
	// OnOverload is invoked on every rejection. May be nil.
	OnOverload Observer
	// Clock is the time source deadlines are computed against. Defaults to
	// the system clock when nil.
	Clock Clock
}

// Defaults matching spec.md §6's constructor options.
const (
	DefaultQueueTimeout = 30 * time.Second
	DefaultOverloadCode = -32001
)

// NewConfig builds a Config with spec.md §6's defaults applied, ready for
// New. maxConcurrent is required; everything else can be left at its
// default and overridden field-by-field before calling New.
func NewConfig(maxConcurrent uint32) Config {
	return Config{
		MaxConcurrent: maxConcurrent,
		QueueTimeout:  DefaultQueueTimeout,
		OverloadCode:  DefaultOverloadCode,
	}
}

// ErrInvalidConfig is wrapped by every config validation failure so callers
// can test for it with errors.Is.
var ErrInvalidConfig = errors.New("admission: invalid config")

func (c Config) validate() error {
	if c.MaxConcurrent < 1 {
		return errors.New("admission: max_concurrent must be >= 1")
	}
	if c.QueueTimeout < 0 {
		return errors.New("admission: queue_timeout must be >= 0")
	}
	return nil
}

// Admissioner orchestrates the admission protocol for one logical resource
// (spec.md §4.4): fast path, queued path, timeout path, cancel path.
type Admissioner struct {
	cfg      Config
	clock    Clock
	counters Counters
	slot     *CapacitySlot
	queue    *WaitQueue // nil iff cfg.QueueSize == 0
}

// New validates cfg and builds an Admissioner. Construction-time failures
// (max_concurrent < 1, queue_timeout < 0) are returned, never panicked.
func New(cfg Config) (*Admissioner, error) {
	if err := cfg.validate(); err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}
	a := &Admissioner{cfg: cfg, clock: cfg.Clock}
	if a.clock == nil {
		a.clock = SystemClock
	}
	a.slot = newCapacitySlot(cfg.MaxConcurrent)
	if cfg.QueueSize > 0 {
		a.queue = newWaitQueue(int32(cfg.QueueSize))
		// Share one lock between the slot and its queue, and give the queue
		// a direct line to the slot's free count: release's handoff-or-free++
		// and Park's enqueue-or-steal must serialize against each other (see
		// slot.go's capacityUnit.release and waitqueue.go's Park) or a
		// waiter can park in the same instant a release raises free.
		a.queue.mu = a.slot.mu
		a.queue.slot = a.slot
		a.slot.bindHandoff(a.queue.handOffOneLocked)
	}
	return a, nil
}

// ReleaseToken is an opaque handle owning exactly one capacity unit.
// Releasing it (on any exit path, including cancellation or a panicking
// handler unwinding through a deferred Release) frees that unit exactly
// once. A ReleaseToken must never be copied by value — always pass the
// pointer Admit hands back.
type ReleaseToken struct {
	once sync.Once
	a    *Admissioner
	unit *capacityUnit
}

// Release drops the token. Idempotent: only the first call has any effect.
func (t *ReleaseToken) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.a.counters.decActive()
		t.unit.release()
	})
}

func (a *Admissioner) wrap(u *capacityUnit) *ReleaseToken {
	return &ReleaseToken{a: a, unit: u}
}

// AdmitResult is the outcome of one Admit call.
type AdmitResult struct {
	Outcome  Outcome
	Token    *ReleaseToken // valid iff Outcome == Proceed
	Reason   RejectReason  // valid iff Outcome == Reject
	Snapshot Snapshot      // valid iff Outcome == Reject
}

// Admit runs the admission protocol described in spec.md §4.4 and §4.5.
//
// Every resource this acquires — a capacity unit, a queue slot, a counter
// increment — is paired with its release at the point of acquisition, so a
// cancellation of ctx at any point during this call (including before the
// first acquisition) leaves no leaked unit and no unmatched counter. The
// only place this call suspends is inside WaitQueue.Park.
func (a *Admissioner) Admit(ctx context.Context) AdmitResult {
	// Arriving with ctx already done: nothing has been acquired yet.
	if ctx.Err() != nil {
		return AdmitResult{Outcome: Cancelled}
	}

	// Step A — fast path.
	if u, ok := a.slot.TryAcquire(); ok {
		a.counters.incActive()
		return AdmitResult{Outcome: Proceed, Token: a.wrap(u)}
	}

	// Step B — no queue configured.
	if a.queue == nil {
		return a.reject(ReasonConcurrencyLimit)
	}

	// Step C — try to enter the queue.
	tk, ok := a.queue.TryReserve()
	if !ok {
		return a.reject(ReasonQueueFull)
	}

	// Step D — parked.
	a.counters.incQueued()
	deadline := a.clock.Now().Add(a.cfg.QueueTimeout)
	out := a.queue.Park(ctx, tk, deadline, a.clock)
	switch out.kind {
	case parkWokenWithSlot:
		a.counters.decQueued()
		a.counters.incActive()
		return AdmitResult{Outcome: Proceed, Token: a.wrap(out.unit)}
	case parkTimedOut:
		// Snapshot while this waiter still counts as queued, so the payload
		// reflects the state that caused the timeout; decrement afterwards.
		res := a.reject(ReasonQueueTimeout)
		a.counters.decQueued()
		return res
	default: // parkCancelled
		a.counters.decQueued()
		return AdmitResult{Outcome: Cancelled}
	}
}

// reject takes the counters snapshot before incrementing the reject
// counter and before invoking the observer, per the ordering rule in
// spec.md §4.1: the payload must reflect the state that caused the
// rejection.
func (a *Admissioner) reject(reason RejectReason) AdmitResult {
	snap := a.counters.snapshot()
	a.counters.incRejected(reason)
	if a.cfg.OnOverload != nil {
		a.safeObserve(reason, snap)
	}
	return AdmitResult{Outcome: Reject, Reason: reason, Snapshot: snap}
}

// safeObserve isolates the observer: whatever it does, it cannot replace
// the structured overload result returned to the caller (spec.md §4.5,
// DESIGN NOTES — observer isolation).
func (a *Admissioner) safeObserve(reason RejectReason, snap Snapshot) {
	defer func() { _ = recover() }()
	a.cfg.OnOverload(reason, snap)
}

// Metrics returns a read-only snapshot of active/queued/rejected-by-reason
// (spec.md §6's metrics surface).
func (a *Admissioner) Metrics() Snapshot {
	return a.counters.snapshot()
}

// Config returns the admissioner's immutable configuration.
func (a *Admissioner) Config() Config {
	return a.cfg
}
