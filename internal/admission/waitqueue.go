package admission

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// parkOutcomeKind is the terminal state of one parked admission attempt.
type parkOutcomeKind int

const (
	parkWokenWithSlot parkOutcomeKind = iota
	parkTimedOut
	parkCancelled
)

// parkOutcome is returned by WaitQueue.Park once the waiter leaves the
// queue, by whichever of the three routes in spec.md §4.3 fired first.
type parkOutcome struct {
	kind parkOutcomeKind
	unit *capacityUnit // valid iff kind == parkWokenWithSlot
}

const (
	waiterParked int32 = iota
	waiterWon
	waiterDeparted
)

// waiter is a parked admission attempt: one arrival, one deadline, one
// one-shot wake channel, and the CAS state that arbitrates between a
// concurrent hand-off and a concurrent timeout/cancel.
type waiter struct {
	state int32 // atomic; one of waiterParked/waiterWon/waiterDeparted
	wake  chan *capacityUnit
}

// ticket holds a reservation in the wait queue's bounded capacity before
// it has been converted into a parked waiter. Spec.md §4.3: "the ticket
// must be used ... or released promptly; dropping an unused ticket
// releases the slot."
type ticket struct {
	q        *WaitQueue
	released int32 // atomic CAS guard so Release is idempotent
}

// Release abandons a reservation that was never parked. A no-op once the
// ticket has been converted into a parked waiter via Park, or released
// once already.
func (t *ticket) Release() {
	if !atomic.CompareAndSwapInt32(&t.released, 0, 1) {
		return
	}
	t.q.mu.Lock()
	t.q.reserved--
	t.q.mu.Unlock()
}

// WaitQueue is a bounded FIFO waiting area. Ordering is strictly arrival
// order; there is no priority. capacity bounds the number of outstanding
// tickets plus parked waiters at any instant — exactly the "queued"
// invariant in spec.md §4.3.
//
// mu is shared with the bound CapacitySlot once Admissioner.New wires the
// two together (see slot.go); slot is that same CapacitySlot, consulted by
// Park under the shared lock. Both are nil/private when a WaitQueue is
// used standalone, as the package's own tests do.
type WaitQueue struct {
	mu       *sync.Mutex
	list     *list.List // of *waiter, front = head = next to be handed a slot
	reserved int32
	capacity int32
	slot     *CapacitySlot
}

func newWaitQueue(capacity int32) *WaitQueue {
	return &WaitQueue{mu: new(sync.Mutex), list: list.New(), capacity: capacity}
}

// TryReserve is non-blocking: it admits one more parker iff the queue is
// below capacity, handing back a ticket that holds the slot until Park or
// Release is called on it.
func (q *WaitQueue) TryReserve() (*ticket, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.reserved >= q.capacity {
		return nil, false
	}
	q.reserved++
	return &ticket{q: q}, true
}

// Park suspends the caller until one of three outcomes: the queue hands it
// a capacity unit, its deadline passes, or ctx is cancelled. The queue slot
// held by tk is released exactly once regardless of which outcome fires —
// there is no window in which a departed waiter still counts as queued.
//
// This is the only suspension point in the whole admission protocol
// (spec.md §5): no other step may block, and nothing may be acquired
// between entering this call and arming the corresponding release.
func (q *WaitQueue) Park(ctx context.Context, tk *ticket, deadline time.Time, clk Clock) parkOutcome {
	w := &waiter{wake: make(chan *capacityUnit, 1)}
	atomic.StoreInt32(&w.state, waiterParked)

	q.mu.Lock()
	if q.slot != nil {
		if u, ok := q.slot.tryAcquireLocked(); ok {
			// Capacity freed between this call's ticket reservation and now.
			// Steal it directly instead of joining the list: this and
			// capacityUnit.release's handoff-or-free++ both run under the
			// same lock, so a release can never see this queue as empty and
			// raise free in the same window this waiter would otherwise
			// park in.
			q.reserved--
			q.mu.Unlock()
			atomic.StoreInt32(&tk.released, 1)
			return parkOutcome{kind: parkWokenWithSlot, unit: u}
		}
	}
	elem := q.list.PushBack(w)
	q.mu.Unlock()
	// From here the reservation's lifecycle belongs to w.state, not tk —
	// mark tk consumed so a stray Release() call is a no-op.
	atomic.StoreInt32(&tk.released, 1)

	remaining := deadline.Sub(clk.Now())
	if remaining < 0 {
		remaining = 0
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case unit := <-w.wake:
		return parkOutcome{kind: parkWokenWithSlot, unit: unit}
	case <-timer.C:
		if q.depart(elem, w) {
			return parkOutcome{kind: parkTimedOut}
		}
		// Lost the race: a hand-off already claimed this waiter before the
		// deadline fired. Spec.md §5: "a waiter that won the handoff race
		// before its deadline observes WokenWithSlot, not TimedOut."
		return parkOutcome{kind: parkWokenWithSlot, unit: <-w.wake}
	case <-ctx.Done():
		if q.depart(elem, w) {
			return parkOutcome{kind: parkCancelled}
		}
		return parkOutcome{kind: parkWokenWithSlot, unit: <-w.wake}
	}
}

// depart tries to claim a waiter for a non-handoff terminal outcome
// (timeout or cancel). It is the CAS arbiter against a concurrent
// HandOffOne: exactly one of depart/HandOffOne wins for a given waiter.
// The winner is responsible for unlinking it and freeing its queue slot.
//
// The CAS happens under mu, the same lock handOffOneLocked holds for its
// own CAS — the two can never race each other mid-decision, only queue up
// for the lock, so neither side can observe a waiter whose state is about
// to change underneath it.
func (q *WaitQueue) depart(elem *list.Element, w *waiter) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !atomic.CompareAndSwapInt32(&w.state, waiterParked, waiterDeparted) {
		return false
	}
	q.list.Remove(elem)
	q.reserved--
	return true
}

// HandOffOne delivers unit to the head waiter, skipping over any waiter
// that has already departed (timed out or cancelled) but not yet unlinked
// itself. Returns false, leaving unit untouched, iff no waiter is parked —
// the caller (CapacitySlot.release) must then raise its own free count.
//
// This is the standalone entry point (used directly by this package's own
// tests); it takes q.mu itself. The bound path (Admissioner.New) instead
// calls handOffOneLocked straight from inside release(), which already
// holds this same lock — see slot.go.
func (q *WaitQueue) HandOffOne(unit *capacityUnit) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.handOffOneLocked(unit)
}

// handOffOneLocked is HandOffOne's body for a caller that already holds
// mu. Because depart's CAS now also requires mu (see depart above), a
// losing CAS here cannot happen while this lock is held — the loop is
// kept as a defensive invariant, not a live race, and never spins against
// a live competitor the way a lock-free CAS dance would.
//
// Spec.md DESIGN NOTES — handoff race: "iterate on successive waiters until
// one accepts or the queue is empty."
func (q *WaitQueue) handOffOneLocked(unit *capacityUnit) bool {
	for {
		front := q.list.Front()
		if front == nil {
			return false
		}
		w := front.Value.(*waiter)
		if !atomic.CompareAndSwapInt32(&w.state, waiterParked, waiterWon) {
			q.list.Remove(front)
			continue
		}
		q.list.Remove(front)
		q.reserved--
		w.wake <- unit // buffered 1: the sole winner always succeeds
		return true
	}
}
