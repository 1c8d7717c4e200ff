package admission

import "sync/atomic"

// RejectReason identifies why admit() refused to proceed or park a request.
// The three kinds are never conflated: a caller can always tell overload
// from concurrency exhaustion from a stale queue.
type RejectReason int

const (
	reasonNone RejectReason = iota
	// ReasonConcurrencyLimit: no capacity slot was free and no queue is
	// configured for this admissioner.
	ReasonConcurrencyLimit
	// ReasonQueueFull: a queue is configured but already holds queue_size
	// waiters.
	ReasonQueueFull
	// ReasonQueueTimeout: a waiter's deadline fired before a capacity slot
	// was handed to it.
	ReasonQueueTimeout
)

func (r RejectReason) String() string {
	switch r {
	case ReasonConcurrencyLimit:
		return "concurrency_limit"
	case ReasonQueueFull:
		return "queue_full"
	case ReasonQueueTimeout:
		return "queue_timeout"
	default:
		return "none"
	}
}

// RejectedCounts is the cumulative, monotonic tally of rejections by reason.
type RejectedCounts struct {
	ConcurrencyLimit uint64
	QueueFull        uint64
	QueueTimeout     uint64
}

// Snapshot is an immutable projection of Counters taken at a single instant.
// Individual fields are each read atomically; the projection as a whole is
// not required to be linearizable across fields (it is diagnostic, not
// accounting — see spec.md §4.1).
type Snapshot struct {
	Active   int64
	Queued   int64
	Rejected RejectedCounts
}

// Counters is the atomic tally behind every admission decision: active
// work, parked work, and cumulative rejections by reason. Every mutator is
// safe for concurrent use; no external locking is required.
type Counters struct {
	active               int64
	queued               int64
	rejectedConcurrency  uint64
	rejectedQueueFull    uint64
	rejectedQueueTimeout uint64
}

func (c *Counters) incActive() { atomic.AddInt64(&c.active, 1) }
func (c *Counters) decActive() { atomic.AddInt64(&c.active, -1) }
func (c *Counters) incQueued() { atomic.AddInt64(&c.queued, 1) }
func (c *Counters) decQueued() { atomic.AddInt64(&c.queued, -1) }

func (c *Counters) incRejected(reason RejectReason) {
	switch reason {
	case ReasonConcurrencyLimit:
		atomic.AddUint64(&c.rejectedConcurrency, 1)
	case ReasonQueueFull:
		atomic.AddUint64(&c.rejectedQueueFull, 1)
	case ReasonQueueTimeout:
		atomic.AddUint64(&c.rejectedQueueTimeout, 1)
	}
}

// snapshot reads every field atomically. Called before incRejected and
// before any observer invocation so a rejection payload reflects the state
// that caused the rejection, not state mutated afterward.
func (c *Counters) snapshot() Snapshot {
	return Snapshot{
		Active: atomic.LoadInt64(&c.active),
		Queued: atomic.LoadInt64(&c.queued),
		Rejected: RejectedCounts{
			ConcurrencyLimit: atomic.LoadUint64(&c.rejectedConcurrency),
			QueueFull:        atomic.LoadUint64(&c.rejectedQueueFull),
			QueueTimeout:     atomic.LoadUint64(&c.rejectedQueueTimeout),
		},
	}
}
