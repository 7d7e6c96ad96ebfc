// Package memory implements the per-persona memory corpus and multi-layer
// recall. The core holds no SQL: corpora are fed pre-materialized records
// over IPC by the external ORM at session start and appended to afterwards.
package memory

import "time"

// Record is a single memory record. Immutable once inserted except for the
// access metadata (AccessCount, LastAccessedAt), which mutates on recall.
type Record struct {
	ID             string         `json:"id"`
	PersonaID      string         `json:"persona_id"`
	MemoryType     string         `json:"memory_type"`
	Content        string         `json:"content"`
	Context        map[string]any `json:"context,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Importance     float64        `json:"importance"`
	AccessCount    int            `json:"access_count"`
	Tags           []string       `json:"tags,omitempty"`
	RelatedTo      []string       `json:"related_to,omitempty"`
	Source         string         `json:"source,omitempty"`
	LastAccessedAt *time.Time     `json:"last_accessed_at,omitempty"`

	// Layer is set by recall: which layer surfaced this record.
	Layer string `json:"layer,omitempty"`
	// RelevanceScore is set by recall: the surfacing layer's score.
	RelevanceScore float64 `json:"relevance_score,omitempty"`
}

// CorpusMemory pairs a record with its optional embedding vector.
type CorpusMemory struct {
	Record    Record    `json:"record"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// TimelineEvent records cross-context activity for the consciousness
// context builder.
type TimelineEvent struct {
	ID          string    `json:"id"`
	PersonaID   string    `json:"persona_id"`
	Timestamp   time.Time `json:"timestamp"`
	ContextType string    `json:"context_type"`
	ContextID   string    `json:"context_id"`
	ContextName string    `json:"context_name"`
	EventType   string    `json:"event_type"`
	ActorID     string    `json:"actor_id"`
	ActorName   string    `json:"actor_name"`
	Content     string    `json:"content"`
	Importance  float64   `json:"importance"`
	Topics      []string  `json:"topics,omitempty"`
}

// CorpusTimelineEvent pairs a timeline event with its optional embedding.
type CorpusTimelineEvent struct {
	Event     TimelineEvent `json:"event"`
	Embedding []float32     `json:"embedding,omitempty"`
}

// LoadCorpusResponse reports what a corpus load ingested.
type LoadCorpusResponse struct {
	MemoryCount         int     `json:"memory_count"`
	EmbeddedMemoryCount int     `json:"embedded_memory_count"`
	TimelineEventCount  int     `json:"timeline_event_count"`
	EmbeddedEventCount  int     `json:"embedded_event_count"`
	LoadTimeMS          float64 `json:"load_time_ms"`
}

// RecallRequest is the multi-layer recall API.
type RecallRequest struct {
	QueryText      string    `json:"query_text,omitempty"`
	QueryEmbedding []float32 `json:"query_embedding,omitempty"`
	RoomID         string    `json:"room_id"`
	MaxResults     int       `json:"max_results"`
	// Layers selects which layers to run; empty means all.
	Layers []string `json:"layers,omitempty"`
}

// RecallResponse is the composed recall result.
type RecallResponse struct {
	Memories        []Record      `json:"memories"`
	RecallTimeMS    float64       `json:"recall_time_ms"`
	LayerTimings    []LayerTiming `json:"layer_timings"`
	TotalCandidates int           `json:"total_candidates"`
}

// LayerTiming reports one layer's contribution.
type LayerTiming struct {
	Layer        string  `json:"layer"`
	TimeMS       float64 `json:"time_ms"`
	ResultsFound int     `json:"results_found"`
}

// ConsciousnessRequest asks for a persona's consciousness context in a room.
type ConsciousnessRequest struct {
	RoomID             string `json:"room_id"`
	CurrentMessage     string `json:"current_message,omitempty"`
	SkipSemanticSearch bool   `json:"skip_semantic_search"`
}

// TemporalInfo answers "what was I doing before?".
type TemporalInfo struct {
	LastActiveContext     string `json:"last_active_context,omitempty"`
	LastActiveContextName string `json:"last_active_context_name,omitempty"`
	TimeAwayMS            int64  `json:"time_away_ms"`
	WasInterrupted        bool   `json:"was_interrupted"`
	InterruptedTask       string `json:"interrupted_task,omitempty"`
}

// ConsciousnessResponse carries the formatted context for RAG injection.
type ConsciousnessResponse struct {
	FormattedPrompt        string       `json:"formatted_prompt,omitempty"`
	BuildTimeMS            float64      `json:"build_time_ms"`
	Temporal               TemporalInfo `json:"temporal"`
	CrossContextEventCount int          `json:"cross_context_event_count"`
	ActiveIntentionCount   int          `json:"active_intention_count"`
	HasPeripheralActivity  bool         `json:"has_peripheral_activity"`
}
