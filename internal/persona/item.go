package persona

import (
	"encoding/json"
	"strings"
)

// Message is the standard queue item arriving over IPC: one unit of work
// for a persona, self-describing its routing domain and priority.
type Message struct {
	ItemID   string  `json:"id"`
	Dom      string  `json:"domain"`
	Priority float64 `json:"priority"`
	IsUrgent bool    `json:"is_urgent"`
	Type     string  `json:"type"`
	ActorID  string  `json:"actor_id,omitempty"`
	Content  string  `json:"content,omitempty"`
}

// ID implements QueueItem.
func (m *Message) ID() string { return m.ItemID }

// RoutingDomain implements QueueItem. Unknown domain names fall back to
// Background so malformed items never jump the real-time queues.
func (m *Message) RoutingDomain() Domain {
	switch strings.ToLower(m.Dom) {
	case "audio":
		return DomainAudio
	case "chat":
		return DomainChat
	case "code":
		return DomainCode
	default:
		return DomainBackground
	}
}

// PriorityHint implements QueueItem.
func (m *Message) PriorityHint() float64 { return m.Priority }

// Urgent implements QueueItem.
func (m *Message) Urgent() bool { return m.IsUrgent }

// ItemType implements QueueItem.
func (m *Message) ItemType() string { return m.Type }

// ConsolidateWith merges consecutive chat messages from the same actor
// into one item, keeping the higher priority. Other domains never merge.
func (m *Message) ConsolidateWith(other QueueItem) bool {
	o, ok := other.(*Message)
	if !ok {
		return false
	}
	if m.RoutingDomain() != DomainChat || o.RoutingDomain() != DomainChat {
		return false
	}
	if m.ActorID == "" || m.ActorID != o.ActorID {
		return false
	}
	if m.IsUrgent != o.IsUrgent {
		return false
	}
	m.Content = m.Content + "\n" + o.Content
	if o.Priority > m.Priority {
		m.Priority = o.Priority
	}
	return true
}

// MarshalJSON implements QueueItem.
func (m *Message) MarshalJSON() ([]byte, error) {
	type plain Message
	return json.Marshal((*plain)(m))
}
