package runtime

import (
	"context"
	"fmt"
	"sync"
)

// SharedCompute is a lazy compute-once, share-many cache with two-level
// (scope, key) addressing. Scopes isolate caches per context — a persona,
// a session — so a whole scope can be invalidated when that context ends.
//
// The stored type is erased internally; callers recover it through the
// generic [GetOrCompute], which panics on a type mismatch because using two
// different types for one (scope, key) is a programming error, not a
// runtime condition.
type SharedCompute struct {
	mu     sync.Mutex
	scopes map[string]map[string]*computeEntry
}

type computeEntry struct {
	done chan struct{}
	val  any
	err  error
}

// NewSharedCompute creates an empty cache.
func NewSharedCompute() *SharedCompute {
	return &SharedCompute{scopes: map[string]map[string]*computeEntry{}}
}

// entryFor returns the entry for (scope, key), creating it and marking the
// caller as the computing owner when it did not exist.
func (c *SharedCompute) entryFor(scope, key string) (e *computeEntry, owner bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys, ok := c.scopes[scope]
	if !ok {
		keys = map[string]*computeEntry{}
		c.scopes[scope] = keys
	}
	if e, ok := keys[key]; ok {
		return e, false
	}
	e = &computeEntry{done: make(chan struct{})}
	keys[key] = e
	return e, true
}

// GetOrCompute returns the cached value for (scope, key), computing it via
// fn when absent. fn runs at most once per key even under concurrent
// callers; the rest suspend until the first computation completes and then
// all receive the same value. A failed computation is not cached — the
// entry is dropped so the next caller retries.
func GetOrCompute[T any](ctx context.Context, c *SharedCompute, scope, key string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	for {
		e, owner := c.entryFor(scope, key)
		if owner {
			val, err := fn(ctx)
			if err != nil {
				e.err = err
				close(e.done)
				c.Invalidate(scope, key)
				return zero, err
			}
			e.val = val
			close(e.done)
			return val, nil
		}

		select {
		case <-e.done:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
		if e.err != nil {
			// The owner failed and dropped the entry; retry as a fresh owner.
			continue
		}
		typed, ok := e.val.(T)
		if !ok {
			panic(fmt.Sprintf("shared compute: (%s, %s) holds %T, caller wants %T", scope, key, e.val, zero))
		}
		return typed, nil
	}
}

// Peek returns the value for (scope, key) only if it has already been
// computed. It never triggers computation and never blocks.
func Peek[T any](c *SharedCompute, scope, key string) (T, bool) {
	var zero T
	c.mu.Lock()
	keys, ok := c.scopes[scope]
	if !ok {
		c.mu.Unlock()
		return zero, false
	}
	e, ok := keys[key]
	c.mu.Unlock()
	if !ok {
		return zero, false
	}
	select {
	case <-e.done:
	default:
		return zero, false
	}
	if e.err != nil {
		return zero, false
	}
	typed, ok := e.val.(T)
	if !ok {
		panic(fmt.Sprintf("shared compute: (%s, %s) holds %T, caller wants %T", scope, key, e.val, zero))
	}
	return typed, true
}

// Invalidate drops one cached value so the next access recomputes.
func (c *SharedCompute) Invalidate(scope, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if keys, ok := c.scopes[scope]; ok {
		delete(keys, key)
	}
}

// InvalidateScope drops every cached value in a scope. Call when the
// owning context (persona, session) goes away.
func (c *SharedCompute) InvalidateScope(scope string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.scopes, scope)
}

// Clear drops the entire cache.
func (c *SharedCompute) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scopes = map[string]map[string]*computeEntry{}
}

// ScopeCount returns the number of live scopes.
func (c *SharedCompute) ScopeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.scopes)
}

// KeyCount returns the number of cached keys in a scope.
func (c *SharedCompute) KeyCount(scope string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.scopes[scope])
}
