// Package ring provides a fixed-capacity single-producer/single-consumer
// ring buffer with generation-tagged slot references.
//
// The ring never grows: all slots are allocated at construction and recycled
// as the positions wrap. Every successful push hands back a [SlotRef] — a
// small, copyable handle that can be passed around instead of the item
// itself. When the write position wraps, the ring's generation counter is
// bumped, so a stale SlotRef from before the wrap is detectable and refuses
// to dereference.
//
// TryPush and TryPop never block. Push and Pop suspend until space or data
// is available, honouring context cancellation; backpressure on a full ring
// is expressed purely by that suspension. Close releases any suspended
// producers and consumers.
package ring

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Push and Pop after Close has been called.
var ErrClosed = errors.New("ring: closed")

// SlotRef references a slot in a ring buffer. The Generation field pins the
// reference to the ring state at push time; after the ring wraps past the
// slot, the reference becomes invalid and Peek refuses it.
type SlotRef struct {
	RingID     uint16
	Slot       uint16
	Generation uint32
}

// Ring is a fixed-capacity SPSC ring buffer of T.
type Ring[T any] struct {
	mu         sync.Mutex
	ringID     uint16
	slots      []T
	occupied   []bool
	writePos   uint64
	readPos    uint64
	generation uint32

	slotAvail chan struct{} // signalled when a slot frees up
	dataAvail chan struct{} // signalled when data arrives
	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a ring with the given id and capacity. Capacity must be at
// least 1 and at most 65536 (slot indexes are 16-bit).
func New[T any](ringID uint16, capacity int) *Ring[T] {
	if capacity < 1 || capacity > 1<<16 {
		panic("ring: capacity out of range")
	}
	return &Ring[T]{
		ringID:    ringID,
		slots:     make([]T, capacity),
		occupied:  make([]bool, capacity),
		slotAvail: make(chan struct{}, 1),
		dataAvail: make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
}

// Capacity returns the fixed slot count.
func (r *Ring[T]) Capacity() int { return len(r.slots) }

// Len returns the number of items currently buffered.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.writePos - r.readPos)
}

// Empty reports whether the ring holds no items.
func (r *Ring[T]) Empty() bool { return r.Len() == 0 }

// Full reports whether every slot is occupied.
func (r *Ring[T]) Full() bool { return r.Len() >= len(r.slots) }

// Generation returns the current wrap generation.
func (r *Ring[T]) Generation() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

// TryPush stores item without blocking. It returns the SlotRef for the
// written slot, or ok=false when the ring is full.
func (r *Ring[T]) TryPush(item T) (SlotRef, bool) {
	r.mu.Lock()
	if r.writePos-r.readPos >= uint64(len(r.slots)) {
		r.mu.Unlock()
		return SlotRef{}, false
	}
	idx := int(r.writePos % uint64(len(r.slots)))
	r.slots[idx] = item
	r.occupied[idx] = true
	r.writePos++
	// Wrap detection: bump the generation when the write position laps.
	if r.writePos%uint64(len(r.slots)) == 0 {
		r.generation++
	}
	ref := SlotRef{RingID: r.ringID, Slot: uint16(idx), Generation: r.generation}
	r.mu.Unlock()
	r.signal(r.dataAvail)
	return ref, true
}

// Push stores item, suspending until a slot is available. Returns ErrClosed
// after Close, or the context error on cancellation.
func (r *Ring[T]) Push(ctx context.Context, item T) (SlotRef, error) {
	for {
		if ref, ok := r.TryPush(item); ok {
			return ref, nil
		}
		select {
		case <-r.slotAvail:
		case <-r.closed:
			return SlotRef{}, ErrClosed
		case <-ctx.Done():
			return SlotRef{}, ctx.Err()
		}
	}
}

// TryPop removes the oldest item without blocking. ok is false when the
// ring is empty.
func (r *Ring[T]) TryPop() (SlotRef, T, bool) {
	var zero T
	r.mu.Lock()
	if r.writePos == r.readPos {
		r.mu.Unlock()
		return SlotRef{}, zero, false
	}
	idx := int(r.readPos % uint64(len(r.slots)))
	item := r.slots[idx]
	r.slots[idx] = zero
	r.occupied[idx] = false
	ref := SlotRef{RingID: r.ringID, Slot: uint16(idx), Generation: r.generation}
	r.readPos++
	r.mu.Unlock()
	r.signal(r.slotAvail)
	return ref, item, true
}

// Pop removes the oldest item, suspending until data is available. Returns
// ErrClosed after Close, or the context error on cancellation.
func (r *Ring[T]) Pop(ctx context.Context) (SlotRef, T, error) {
	for {
		if ref, item, ok := r.TryPop(); ok {
			return ref, item, nil
		}
		var zero T
		select {
		case <-r.dataAvail:
		case <-r.closed:
			return SlotRef{}, zero, ErrClosed
		case <-ctx.Done():
			return SlotRef{}, zero, ctx.Err()
		}
	}
}

// Peek returns the item referenced by ref without consuming it. ok is false
// when ref belongs to a different ring, its generation does not match the
// ring's current generation, or the slot has already been consumed.
func (r *Ring[T]) Peek(ref SlotRef) (T, bool) {
	var zero T
	if ref.RingID != r.ringID {
		return zero, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if ref.Generation != r.generation {
		return zero, false
	}
	if int(ref.Slot) >= len(r.slots) || !r.occupied[ref.Slot] {
		return zero, false
	}
	return r.slots[ref.Slot], true
}

// Close releases all suspended producers and consumers. Items already in
// the ring remain poppable via TryPop. Calling Close more than once is safe.
func (r *Ring[T]) Close() {
	r.closeOnce.Do(func() { close(r.closed) })
}

func (r *Ring[T]) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
