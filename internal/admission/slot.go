package admission

import "sync"

// handoffFunc offers a just-released capacity unit directly to whatever is
// parked in a wait queue. It returns true if some waiter consumed the unit;
// on false the caller must fold the unit back into the free count itself.
// Wiring this up is the only coupling between CapacitySlot and WaitQueue —
// neither type imports the other.
type handoffFunc func(*capacityUnit) bool

// CapacitySlot is a counting resource of initial value max. It never
// blocks: TryAcquire either succeeds immediately or reports failure, and
// blocking admission attempts are the WaitQueue's job entirely.
//
// mu is a pointer rather than an embedded sync.Mutex so a bound WaitQueue
// can share the exact same lock (see Admissioner.New): the hand-off
// decision in release() and the enqueue-or-steal decision in
// WaitQueue.Park must serialize against each other, or a waiter can park
// in the gap between a release finding the queue empty and that release
// raising free — see release's comment.
type CapacitySlot struct {
	mu      *sync.Mutex
	free    uint32
	handoff handoffFunc
}

func newCapacitySlot(max uint32) *CapacitySlot {
	return &CapacitySlot{mu: new(sync.Mutex), free: max}
}

// bindHandoff wires the slot to a wait queue's hand-off primitive. Must be
// called once, before the slot is exposed to concurrent callers.
func (s *CapacitySlot) bindHandoff(h handoffFunc) { s.handoff = h }

// TryAcquire is non-blocking: it decrements the free count iff it is
// nonzero, and returns a capacity unit that owns exactly that decrement.
// Two concurrent callers can never both succeed when only one unit remains
// free — the check-and-decrement happens under the slot's mutex.
func (s *CapacitySlot) TryAcquire() (*capacityUnit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tryAcquireLocked()
}

// tryAcquireLocked is TryAcquire's body for a caller that already holds mu
// — used by WaitQueue.Park to steal freed capacity atomically with its
// enqueue decision, under the lock the two types share once bound.
func (s *CapacitySlot) tryAcquireLocked() (*capacityUnit, bool) {
	if s.free == 0 {
		return nil, false
	}
	s.free--
	return &capacityUnit{slot: s}, true
}

// capacityUnit is the unforgeable handle backing one outstanding
// admission.ReleaseToken. It guarantees release fires at most once: once
// release() has run, the unit is either handed to a waiter or has raised
// the free count, never both and never neither.
type capacityUnit struct {
	once sync.Once
	slot *CapacitySlot
}

// release returns the unit to circulation. If a waiter is parked, the unit
// is handed to it directly (never observably entering the free count); if
// not, the free count is raised. This is the rule in spec.md §4.4 (TOCTOU
// rule): an admitter can never observe free capacity and a nonempty queue
// at the same time.
//
// The handoff-or-increment choice and the free-count write happen under a
// single hold of mu — the same lock WaitQueue.Park takes to decide
// enqueue-vs-steal. Releasing the lock between "queue was empty" and
// "free++" would let a concurrent Park observe neither state and still end
// up parked against a unit nobody is ever going to hand it: this lets
// handoff (bound to the queue's locked hand-off) and free++ race against
// Park's own locked check as one indivisible step each side.
func (u *capacityUnit) release() {
	u.once.Do(func() {
		u.slot.mu.Lock()
		defer u.slot.mu.Unlock()
		next := &capacityUnit{slot: u.slot}
		if u.slot.handoff != nil && u.slot.handoff(next) {
			return
		}
		u.slot.free++
	})
}
