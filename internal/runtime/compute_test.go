package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestComputeOnce(t *testing.T) {
	t.Parallel()

	c := NewSharedCompute()
	var calls atomic.Int32

	fn := func(context.Context) (string, error) {
		calls.Add(1)
		return "hello", nil
	}

	v1, err := GetOrCompute(context.Background(), c, "scope1", "key1", fn)
	if err != nil || v1 != "hello" {
		t.Fatalf("want hello, got %q (%v)", v1, err)
	}
	v2, err := GetOrCompute(context.Background(), c, "scope1", "key1", func(context.Context) (string, error) {
		calls.Add(1)
		return "should not run", nil
	})
	if err != nil || v2 != "hello" {
		t.Fatalf("want cached hello, got %q (%v)", v2, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("factory ran %d times, want 1", calls.Load())
	}
}

func TestComputeOnceUnderConcurrency(t *testing.T) {
	t.Parallel()

	c := NewSharedCompute()
	var calls atomic.Int32
	start := make(chan struct{})

	const callers = 32
	results := make([]int, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			v, err := GetOrCompute(context.Background(), c, "s", "k", func(context.Context) (int, error) {
				calls.Add(1)
				return 42, nil
			})
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
			}
			results[i] = v
		}()
	}
	close(start)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("factory ran %d times under concurrency, want 1", calls.Load())
	}
	for i, v := range results {
		if v != 42 {
			t.Fatalf("caller %d got %d", i, v)
		}
	}
}

func TestDifferentKeysAndScopes(t *testing.T) {
	t.Parallel()

	c := NewSharedCompute()
	ctx := context.Background()

	a, _ := GetOrCompute(ctx, c, "s", "a", func(context.Context) (int, error) { return 1, nil })
	b, _ := GetOrCompute(ctx, c, "s", "b", func(context.Context) (int, error) { return 2, nil })
	s2, _ := GetOrCompute(ctx, c, "s2", "a", func(context.Context) (int, error) { return 10, nil })

	if a != 1 || b != 2 || s2 != 10 {
		t.Fatalf("got %d %d %d", a, b, s2)
	}
}

func TestFailedComputationRetries(t *testing.T) {
	t.Parallel()

	c := NewSharedCompute()
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := GetOrCompute(ctx, c, "s", "k", func(context.Context) (int, error) { return 0, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}

	v, err := GetOrCompute(ctx, c, "s", "k", func(context.Context) (int, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Fatalf("failed computation must not be cached: got %d (%v)", v, err)
	}
}

func TestInvalidate(t *testing.T) {
	t.Parallel()

	c := NewSharedCompute()
	ctx := context.Background()

	GetOrCompute(ctx, c, "s", "k", func(context.Context) (int, error) { return 1, nil })
	if _, ok := Peek[int](c, "s", "k"); !ok {
		t.Fatal("value should be peekable after compute")
	}

	c.Invalidate("s", "k")
	if _, ok := Peek[int](c, "s", "k"); ok {
		t.Fatal("value should be gone after invalidate")
	}

	v, _ := GetOrCompute(ctx, c, "s", "k", func(context.Context) (int, error) { return 2, nil })
	if v != 2 {
		t.Fatalf("want recomputed 2, got %d", v)
	}
}

func TestInvalidateScope(t *testing.T) {
	t.Parallel()

	c := NewSharedCompute()
	ctx := context.Background()

	GetOrCompute(ctx, c, "s", "a", func(context.Context) (int, error) { return 1, nil })
	GetOrCompute(ctx, c, "s", "b", func(context.Context) (int, error) { return 2, nil })
	if c.KeyCount("s") != 2 {
		t.Fatalf("want 2 keys, got %d", c.KeyCount("s"))
	}

	c.InvalidateScope("s")
	if c.KeyCount("s") != 0 {
		t.Fatalf("want 0 keys after scope invalidation, got %d", c.KeyCount("s"))
	}
}

func TestTypeMismatchPanics(t *testing.T) {
	t.Parallel()

	c := NewSharedCompute()
	ctx := context.Background()
	GetOrCompute(ctx, c, "s", "k", func(context.Context) (int, error) { return 1, nil })

	defer func() {
		if recover() == nil {
			t.Fatal("type mismatch must panic")
		}
	}()
	Peek[string](c, "s", "k")
}
