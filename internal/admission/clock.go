package admission

import "time"

// Clock is the admission core's only external time collaborator (spec.md
// §1: "a monotonic time source" is consumed, not implemented, by the
// controller). Deadlines are always computed against it, never against
// wall-clock reads that could jump backward under NTP correction.
type Clock interface {
	Now() time.Time
}

// systemClock wraps time.Now, whose difference operations already use the
// runtime's monotonic reading — no extra bookkeeping is needed to make it
// immune to wall-clock adjustments.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the default Clock used when none is supplied to New.
var SystemClock Clock = systemClock{}
