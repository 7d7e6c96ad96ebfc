package persona

import (
	"encoding/json"
	"log/slog"
)

// QueueItem is the behaviour contract for anything placed in a channel
// queue. Items self-describe their routing and consolidation: the queue
// never inspects item internals.
type QueueItem interface {
	// ID identifies the item for logs and consolidation.
	ID() string

	// RoutingDomain selects which channel queue receives the item.
	RoutingDomain() Domain

	// PriorityHint is the admission priority in [0, 1]. Items reporting 0.0
	// are still admitted under a Fresh mood.
	PriorityHint() float64

	// Urgent items bypass the state gate entirely.
	Urgent() bool

	// ItemType names the item kind for logs and the IPC surface.
	ItemType() string

	// ConsolidateWith merges other into the receiver when the two are
	// mergeable (e.g. consecutive chat messages from one actor). Returns
	// true when other was absorbed and should be dropped from the queue.
	ConsolidateWith(other QueueItem) bool

	// MarshalJSON renders the item for the IPC surface.
	json.Marshaler
}

// QueueConfig declares a channel queue.
type QueueConfig struct {
	Domain  Domain
	MaxSize int
	Name    string
}

// Queue is one bounded per-domain FIFO with item-driven consolidation.
// Not safe for concurrent use; the owning Scheduler serialises access.
type Queue struct {
	cfg   QueueConfig
	items []QueueItem
}

// QueueStatus is a point-in-time queue snapshot.
type QueueStatus struct {
	Name      string  `json:"name"`
	Domain    string  `json:"domain"`
	Size      int     `json:"size"`
	MaxSize   int     `json:"maxSize"`
	HasUrgent bool    `json:"hasUrgent"`
	HasWork   bool    `json:"hasWork"`
	PeekPrio  float64 `json:"peekPriority"`
}

// NewQueue creates an empty channel queue.
func NewQueue(cfg QueueConfig) *Queue {
	return &Queue{cfg: cfg}
}

// Domain returns the queue's routing domain.
func (q *Queue) Domain() Domain { return q.cfg.Domain }

// Size returns the current item count.
func (q *Queue) Size() int { return len(q.items) }

// HasWork reports whether the queue holds any item.
func (q *Queue) HasWork() bool { return len(q.items) > 0 }

// HasUrgent reports whether any queued item is urgent.
func (q *Queue) HasUrgent() bool {
	for _, item := range q.items {
		if item.Urgent() {
			return true
		}
	}
	return false
}

// Enqueue appends an item. When the queue is at capacity the oldest
// non-urgent item is evicted to make room; the channel is a pressure
// valve, not a durable log.
func (q *Queue) Enqueue(item QueueItem) {
	if len(q.items) >= q.cfg.MaxSize {
		evicted := false
		for i, old := range q.items {
			if !old.Urgent() {
				slog.Debug("channel queue evicting oldest item",
					"channel", q.cfg.Name, "evicted", old.ID())
				q.items = append(q.items[:i], q.items[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			// Every queued item is urgent; drop the incoming one instead.
			slog.Warn("channel queue full of urgent items, dropping",
				"channel", q.cfg.Name, "dropped", item.ID())
			return
		}
	}
	q.items = append(q.items, item)
}

// Pop removes and returns the head item, preferring the first urgent item
// anywhere in the queue.
func (q *Queue) Pop() (QueueItem, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	for i, item := range q.items {
		if item.Urgent() {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return item, true
		}
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// PeekPriority returns the priority hint of the head item, or 0 when the
// queue is empty.
func (q *Queue) PeekPriority() float64 {
	if len(q.items) == 0 {
		return 0
	}
	return q.items[0].PriorityHint()
}

// Consolidate lets adjacent items merge. Each surviving item is offered its
// successor once per call, which makes consolidation idempotent: a second
// call finds nothing left to merge.
func (q *Queue) Consolidate() {
	if len(q.items) < 2 {
		return
	}
	out := q.items[:0]
	for _, item := range q.items {
		if len(out) > 0 && out[len(out)-1].ConsolidateWith(item) {
			continue
		}
		out = append(out, item)
	}
	q.items = out
}

// Clear drops all items.
func (q *Queue) Clear() { q.items = nil }

// Status returns a snapshot for the IPC surface.
func (q *Queue) Status() QueueStatus {
	return QueueStatus{
		Name:      q.cfg.Name,
		Domain:    q.cfg.Domain.String(),
		Size:      len(q.items),
		MaxSize:   q.cfg.MaxSize,
		HasUrgent: q.HasUrgent(),
		HasWork:   q.HasWork(),
		PeekPrio:  q.PeekPriority(),
	}
}
