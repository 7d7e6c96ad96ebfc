package persona

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Default channel capacities per domain.
const (
	audioQueueSize      = 50
	chatQueueSize       = 500
	codeQueueSize       = 100
	backgroundQueueSize = 200
)

// Scheduler owns one persona's channel queues and cognition state and runs
// the service cycle that decides what the persona does next.
//
// All methods are safe for concurrent use.
type Scheduler struct {
	mu       sync.Mutex
	state    State
	channels map[Domain]*Queue
}

// CycleResult is the outcome of one service cycle: either an item to
// process, or an idle cadence to sleep.
type CycleResult struct {
	ShouldProcess bool            `json:"shouldProcess"`
	Item          json.RawMessage `json:"item,omitempty"`
	Channel       string          `json:"channel,omitempty"`
	WaitMS        int             `json:"waitMs"`
	Stats         SchedulerStatus `json:"stats"`
}

// SchedulerStatus is a snapshot of all channels plus the derived state.
type SchedulerStatus struct {
	Channels  []QueueStatus `json:"channels"`
	TotalSize int           `json:"totalSize"`
	HasUrgent bool          `json:"hasUrgentWork"`
	HasWork   bool          `json:"hasWork"`
	Mood      string        `json:"mood"`
	InboxLoad int           `json:"inboxLoad"`
}

// NewScheduler creates a scheduler with the four default channels.
func NewScheduler(personaID string) *Scheduler {
	s := &Scheduler{
		state:    State{PersonaID: personaID},
		channels: map[Domain]*Queue{},
	}
	for _, cfg := range []QueueConfig{
		{Domain: DomainAudio, MaxSize: audioQueueSize, Name: "AUDIO"},
		{Domain: DomainChat, MaxSize: chatQueueSize, Name: "CHAT"},
		{Domain: DomainCode, MaxSize: codeQueueSize, Name: "CODE"},
		{Domain: DomainBackground, MaxSize: backgroundQueueSize, Name: "BACKGROUND"},
	} {
		s.channels[cfg.Domain] = NewQueue(cfg)
	}
	return s
}

// Route enqueues an item into the channel selected by the item itself.
func (s *Scheduler) Route(item QueueItem) (Domain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	domain := item.RoutingDomain()
	q, ok := s.channels[domain]
	if !ok {
		return domain, fmt.Errorf("no channel registered for domain %s", domain)
	}
	slog.Debug("routing item to channel",
		"persona", s.state.PersonaID,
		"item", item.ID(),
		"type", item.ItemType(),
		"channel", domain.String(),
	)
	q.Enqueue(item)
	return domain, nil
}

// ServiceCycle executes one scheduling decision:
//
//  1. Consolidate every channel (items decide how).
//  2. Recompute inbox load and mood.
//  3. Walk domains in priority order; any channel with an urgent item wins.
//  4. Walk again; the first channel whose peek priority passes the state
//     gate yields its head item.
//  5. Otherwise return the mood-indexed idle cadence.
func (s *Scheduler) ServiceCycle() CycleResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, q := range s.channels {
		q.Consolidate()
	}

	total := 0
	for _, q := range s.channels {
		total += q.Size()
	}
	s.state.InboxLoad = total
	s.state.CalculateMood()

	stats := s.statusLocked()

	// Urgent work wins regardless of mood.
	for _, domain := range domainPriorityOrder {
		q := s.channels[domain]
		if !q.HasUrgent() {
			continue
		}
		if item, ok := q.Pop(); ok {
			return s.yieldLocked(item, domain, stats)
		}
	}

	// Non-urgent work passes through the state gate.
	for _, domain := range domainPriorityOrder {
		q := s.channels[domain]
		if !q.HasWork() {
			continue
		}
		if !s.state.ShouldEngage(q.PeekPriority()) {
			continue
		}
		if item, ok := q.Pop(); ok {
			return s.yieldLocked(item, domain, stats)
		}
	}

	return CycleResult{WaitMS: s.state.ServiceCadenceMS(), Stats: stats}
}

func (s *Scheduler) yieldLocked(item QueueItem, domain Domain, stats SchedulerStatus) CycleResult {
	raw, err := json.Marshal(item)
	if err != nil {
		slog.Warn("queue item failed to marshal", "item", item.ID(), "err", err)
		raw = json.RawMessage(`{}`)
	}
	return CycleResult{
		ShouldProcess: true,
		Item:          raw,
		Channel:       domain.String(),
		WaitMS:        0,
		Stats:         stats,
	}
}

// Status returns a snapshot of all channels and the derived state.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Scheduler) statusLocked() SchedulerStatus {
	status := SchedulerStatus{
		Mood:      s.state.Mood.String(),
		InboxLoad: s.state.InboxLoad,
	}
	for _, domain := range domainPriorityOrder {
		qs := s.channels[domain].Status()
		status.Channels = append(status.Channels, qs)
		status.TotalSize += qs.Size
		status.HasUrgent = status.HasUrgent || qs.HasUrgent
		status.HasWork = status.HasWork || qs.HasWork
	}
	return status
}

// ClearAll drops every queued item across channels.
func (s *Scheduler) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.channels {
		q.Clear()
	}
}

// Mood returns the persona's current mood.
func (s *Scheduler) Mood() Mood {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Mood
}
