package admission

import (
	"context"
	"testing"
	"time"
)

func TestWaitQueueTryReserveBounded(t *testing.T) {
	q := newWaitQueue(2)

	t1, ok := q.TryReserve()
	if !ok {
		t.Fatal("expected first reservation to succeed")
	}
	if _, ok := q.TryReserve(); !ok {
		t.Fatal("expected second reservation to succeed")
	}
	if _, ok := q.TryReserve(); ok {
		t.Fatal("expected third reservation to fail: capacity is 2")
	}

	t1.Release()
	if _, ok := q.TryReserve(); !ok {
		t.Fatal("expected a reservation to succeed after Release frees a slot")
	}
}

func TestWaitQueueUnusedTicketReleaseIsIdempotent(t *testing.T) {
	q := newWaitQueue(1)
	tk, _ := q.TryReserve()
	tk.Release()
	tk.Release() // must not double-free the slot

	t1, ok := q.TryReserve()
	if !ok {
		t.Fatal("expected one slot to be free")
	}
	if _, ok := q.TryReserve(); ok {
		t.Fatal("capacity must still be bounded at 1")
	}
	t1.Release()
}

func TestWaitQueueHandOffOneWithNoWaiterReturnsFalse(t *testing.T) {
	q := newWaitQueue(1)
	if q.HandOffOne(&capacityUnit{}) {
		t.Fatal("expected no handoff when nothing is parked")
	}
}

func TestWaitQueueParkWokenWithSlot(t *testing.T) {
	q := newWaitQueue(1)
	tk, _ := q.TryReserve()

	done := make(chan parkOutcome, 1)
	go func() {
		out := q.Park(context.Background(), tk, time.Now().Add(time.Second), SystemClock)
		done <- out
	}()

	deadline := time.Now().Add(time.Second)
	for {
		q.mu.Lock()
		n := q.list.Len()
		q.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("waiter never parked")
		}
		time.Sleep(time.Millisecond)
	}

	want := &capacityUnit{}
	if !q.HandOffOne(want) {
		t.Fatal("expected handoff to succeed")
	}

	select {
	case out := <-done:
		if out.kind != parkWokenWithSlot {
			t.Fatalf("expected parkWokenWithSlot, got %v", out.kind)
		}
		if out.unit != want {
			t.Fatal("handed-off unit did not reach the waiter")
		}
	case <-time.After(time.Second):
		t.Fatal("park never returned")
	}

	if q.reserved != 0 {
		t.Fatalf("expected reserved=0 after handoff, got %d", q.reserved)
	}
}

func TestWaitQueueParkTimesOut(t *testing.T) {
	q := newWaitQueue(1)
	tk, _ := q.TryReserve()

	out := q.Park(context.Background(), tk, time.Now().Add(20*time.Millisecond), SystemClock)
	if out.kind != parkTimedOut {
		t.Fatalf("expected parkTimedOut, got %v", out.kind)
	}
	if q.reserved != 0 {
		t.Fatalf("expected reserved=0 immediately after timeout, got %d", q.reserved)
	}
}

func TestWaitQueueParkCancelled(t *testing.T) {
	q := newWaitQueue(1)
	tk, _ := q.TryReserve()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan parkOutcome, 1)
	go func() {
		done <- q.Park(ctx, tk, time.Now().Add(time.Hour), SystemClock)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case out := <-done:
		if out.kind != parkCancelled {
			t.Fatalf("expected parkCancelled, got %v", out.kind)
		}
	case <-time.After(time.Second):
		t.Fatal("park never returned after cancel")
	}
	if q.reserved != 0 {
		t.Fatalf("expected reserved=0 after cancel, got %d", q.reserved)
	}
}

func TestWaitQueueFIFOHandoffOrder(t *testing.T) {
	q := newWaitQueue(3)
	order := make(chan int, 3)

	for i := 0; i < 3; i++ {
		i := i
		tk, ok := q.TryReserve()
		if !ok {
			t.Fatalf("reservation %d should have succeeded", i)
		}
		go func() {
			out := q.Park(context.Background(), tk, time.Now().Add(time.Second), SystemClock)
			if out.kind == parkWokenWithSlot {
				order <- i
			}
		}()

		// Wait for waiter i to park before the next one arrives, so arrival
		// order is exactly 0, 1, 2.
		deadline := time.Now().Add(time.Second)
		for {
			q.mu.Lock()
			n := q.list.Len()
			q.mu.Unlock()
			if n == i+1 {
				break
			}
			if time.Now().After(deadline) {
				t.Fatal("waiters never parked")
			}
			time.Sleep(time.Millisecond)
		}
	}

	// Hand off one unit at a time and read each wakeup before the next
	// handoff, so the observed order is the handoff order.
	for i := 0; i < 3; i++ {
		if !q.HandOffOne(&capacityUnit{}) {
			t.Fatalf("expected handoff %d to succeed", i)
		}
		select {
		case got := <-order:
			if got != i {
				t.Fatalf("expected FIFO order, waiter %d woke at position %d", got, i)
			}
		case <-time.After(time.Second):
			t.Fatal("missing wakeup")
		}
	}
}

func TestWaitQueueTimedOutWaiterForfeitsPositionToNext(t *testing.T) {
	q := newWaitQueue(2)

	tkA, _ := q.TryReserve()
	tkB, _ := q.TryReserve()

	aDone := make(chan parkOutcome, 1)
	bDone := make(chan parkOutcome, 1)
	go func() { aDone <- q.Park(context.Background(), tkA, time.Now().Add(10*time.Millisecond), SystemClock) }()
	go func() { bDone <- q.Park(context.Background(), tkB, time.Now().Add(time.Hour), SystemClock) }()

	// let A time out first
	select {
	case out := <-aDone:
		if out.kind != parkTimedOut {
			t.Fatalf("expected A to time out, got %v", out.kind)
		}
	case <-time.After(time.Second):
		t.Fatal("A never timed out")
	}

	want := &capacityUnit{}
	if !q.HandOffOne(want) {
		t.Fatal("expected handoff to reach B")
	}
	select {
	case out := <-bDone:
		if out.kind != parkWokenWithSlot || out.unit != want {
			t.Fatalf("expected B to be woken with the unit, got %+v", out)
		}
	case <-time.After(time.Second):
		t.Fatal("B never woke")
	}
}
