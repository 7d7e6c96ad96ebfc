package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
)

// broadcastCapacity is the per-receiver buffer of the asynchronous tier.
// Receivers that fall more than this far behind miss events; the bus never
// blocks a publisher on a slow subscriber.
const broadcastCapacity = 1024

// Subscription links an event pattern to a module and a delivery tier.
type Subscription struct {
	Pattern     string
	Module      string
	Synchronous bool
}

// Bus is the inter-module event bus with two delivery tiers over
// ':'-separated glob patterns.
//
// Synchronous tier: during Publish, subscriptions registered with
// synchronous=true have their module's HandleEvent invoked inline on the
// publisher's goroutine; handler errors are logged and do not abort
// delivery to the remaining subscribers.
//
// Asynchronous tier: every event is fanned out to broadcast receivers
// obtained via Receiver. Late receivers never see past events. Delivery is
// at-most-once per receiver per publish.
//
// The bus is created once at startup and shared by reference.
// Subscriptions are never removed; handlers check relevance internally.
type Bus struct {
	mu        sync.RWMutex
	subs      []Subscription
	receivers map[*Receiver]struct{}
}

// Receiver is an asynchronous-tier subscription. Events arrive on C; when
// the receiver lags past its buffer, events are dropped and the lag counter
// grows.
type Receiver struct {
	C chan Event

	bus  *Bus
	mu   sync.Mutex
	lost uint64
	done bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{receivers: map[*Receiver]struct{}{}}
}

// Subscribe registers a pattern for a module. Synchronous subscriptions are
// delivered inline during Publish via the registry lookup of the module's
// EventHandler; asynchronous interest is expressed by holding a Receiver
// instead.
func (b *Bus) Subscribe(pattern, module string, synchronous bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, Subscription{Pattern: pattern, Module: module, Synchronous: synchronous})
}

// Receiver returns a new asynchronous-tier receiver. Callers must Close it
// when done to release the fan-out slot.
func (b *Bus) Receiver() *Receiver {
	r := &Receiver{C: make(chan Event, broadcastCapacity), bus: b}
	b.mu.Lock()
	b.receivers[r] = struct{}{}
	b.mu.Unlock()
	return r
}

// Close detaches the receiver from the bus and closes its channel.
func (r *Receiver) Close() {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	r.mu.Unlock()

	r.bus.mu.Lock()
	delete(r.bus.receivers, r)
	r.bus.mu.Unlock()
	close(r.C)
}

// Lost returns the number of events this receiver missed due to lag.
func (r *Receiver) Lost() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lost
}

// Publish delivers an event through both tiers. Synchronous handlers run
// inline and complete before Publish returns; their errors are logged and
// swallowed. The registry resolves module names to handler instances.
func (b *Bus) Publish(ctx context.Context, registry *Registry, name string, payload json.RawMessage) {
	b.mu.RLock()
	subs := make([]Subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.Synchronous || !PatternMatches(sub.Pattern, name) {
			continue
		}
		m, ok := registry.Get(sub.Module)
		if !ok {
			continue
		}
		handler, ok := m.(EventHandler)
		if !ok {
			continue
		}
		if err := handler.HandleEvent(ctx, name, payload); err != nil {
			slog.Warn("event handler error",
				"module", sub.Module, "event", name, "err", err)
		}
	}

	b.PublishAsyncOnly(name, payload)
}

// PublishAsyncOnly delivers only to the asynchronous tier. Callable from
// any goroutine, including non-handler contexts; it never blocks.
func (b *Bus) PublishAsyncOnly(name string, payload json.RawMessage) {
	event := Event{Name: name, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for r := range b.receivers {
		select {
		case r.C <- event:
		default:
			r.mu.Lock()
			r.lost++
			lost := r.lost
			r.mu.Unlock()
			if lost == 1 || lost%100 == 0 {
				slog.Warn("bus receiver lagging, dropping events",
					"event", name, "lost", lost)
			}
		}
	}
}

// PatternMatches reports whether a ':'-separated event name matches a glob
// pattern. '*' matches exactly one segment, except as the final pattern
// segment where it matches all remaining segments. Every other segment is
// literal equality.
func PatternMatches(pattern, event string) bool {
	patParts := strings.Split(pattern, ":")
	evtParts := strings.Split(event, ":")

	pi, ei := 0, 0
	for pi < len(patParts) && ei < len(evtParts) {
		switch {
		case patParts[pi] == "*":
			if pi == len(patParts)-1 {
				return true
			}
			pi++
			ei++
		case patParts[pi] == evtParts[ei]:
			pi++
			ei++
		default:
			return false
		}
	}
	return pi == len(patParts) && ei == len(evtParts)
}
