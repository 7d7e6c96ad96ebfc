package ring

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPushPopBasic(t *testing.T) {
	t.Parallel()

	r := New[int](0, 4)
	if !r.Empty() {
		t.Fatal("new ring should be empty")
	}

	ref, ok := r.TryPush(1)
	if !ok {
		t.Fatal("push into empty ring failed")
	}
	if ref.Slot != 0 {
		t.Fatalf("want slot 0, got %d", ref.Slot)
	}
	if r.Len() != 1 {
		t.Fatalf("want len 1, got %d", r.Len())
	}

	_, item, ok := r.TryPop()
	if !ok || item != 1 {
		t.Fatalf("want 1, got %d (ok=%v)", item, ok)
	}
	if !r.Empty() {
		t.Fatal("ring should be empty after pop")
	}
}

func TestFIFOOrder(t *testing.T) {
	t.Parallel()

	r := New[string](0, 8)
	for _, s := range []string{"a", "b", "c"} {
		if _, ok := r.TryPush(s); !ok {
			t.Fatalf("push %q failed", s)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		_, got, ok := r.TryPop()
		if !ok || got != want {
			t.Fatalf("want %q, got %q (ok=%v)", want, got, ok)
		}
	}
}

func TestFullRejectsTryPush(t *testing.T) {
	t.Parallel()

	r := New[int](0, 2)
	r.TryPush(1)
	r.TryPush(2)
	if !r.Full() {
		t.Fatal("ring should be full")
	}
	if _, ok := r.TryPush(3); ok {
		t.Fatal("push into full ring should fail")
	}
}

// Scenario from the design doc: capacity 4, push A..D, pop A, push E (wrap).
// The pre-wrap SlotRef must fail Peek; the post-wrap ref must resolve.
func TestWrapInvalidatesStaleRefs(t *testing.T) {
	t.Parallel()

	r := New[string](7, 4)
	refA, _ := r.TryPush("A")
	r.TryPush("B")
	r.TryPush("C")
	r.TryPush("D")
	if g := r.Generation(); g != 1 {
		// Four pushes into capacity 4 laps the write position once.
		t.Fatalf("want generation 1 after first lap, got %d", g)
	}

	if refA.Generation != 0 {
		t.Fatalf("ref A should carry generation 0, got %d", refA.Generation)
	}
	if _, ok := r.Peek(refA); ok {
		t.Fatal("stale ref should not peek after wrap")
	}

	r.TryPop() // consume A
	refE, ok := r.TryPush("E")
	if !ok {
		t.Fatal("push after pop failed")
	}
	got, ok := r.Peek(refE)
	if !ok || got != "E" {
		t.Fatalf("fresh ref should peek E, got %q (ok=%v)", got, ok)
	}
}

func TestPeekWrongRing(t *testing.T) {
	t.Parallel()

	a := New[int](1, 4)
	b := New[int](2, 4)
	ref, _ := a.TryPush(42)
	if _, ok := b.Peek(ref); ok {
		t.Fatal("ref from ring 1 must not resolve on ring 2")
	}
}

func TestBlockingPushWaitsForSlot(t *testing.T) {
	t.Parallel()

	r := New[int](0, 1)
	r.TryPush(1)

	done := make(chan SlotRef, 1)
	go func() {
		ref, err := r.Push(context.Background(), 2)
		if err != nil {
			t.Errorf("push: %v", err)
		}
		done <- ref
	}()

	select {
	case <-done:
		t.Fatal("push should block while ring is full")
	case <-time.After(20 * time.Millisecond):
	}

	r.TryPop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("push did not resume after slot freed")
	}
}

func TestBlockingPopWaitsForData(t *testing.T) {
	t.Parallel()

	r := New[int](0, 4)
	done := make(chan int, 1)
	go func() {
		_, item, err := r.Pop(context.Background())
		if err != nil {
			t.Errorf("pop: %v", err)
		}
		done <- item
	}()

	select {
	case <-done:
		t.Fatal("pop should block while ring is empty")
	case <-time.After(20 * time.Millisecond):
	}

	r.TryPush(99)
	select {
	case got := <-done:
		if got != 99 {
			t.Fatalf("want 99, got %d", got)
		}
	case <-time.After(time.Second):
		t.Fatal("pop did not resume after push")
	}
}

func TestCloseReleasesWaiters(t *testing.T) {
	t.Parallel()

	r := New[int](0, 1)
	errs := make(chan error, 1)
	go func() {
		_, _, err := r.Pop(context.Background())
		errs <- err
	}()

	time.Sleep(10 * time.Millisecond)
	r.Close()
	r.Close() // idempotent

	select {
	case err := <-errs:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("want ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pop not released by Close")
	}
}

func TestPopHonoursContext(t *testing.T) {
	t.Parallel()

	r := New[int](0, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, _, err := r.Pop(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want DeadlineExceeded, got %v", err)
	}
}

func TestLenBounds(t *testing.T) {
	t.Parallel()

	r := New[int](0, 3)
	for i := range 10 {
		r.TryPush(i)
		if l := r.Len(); l < 0 || l > 3 {
			t.Fatalf("len %d out of [0,3]", l)
		}
		if i%2 == 0 {
			r.TryPop()
		}
	}
}
