// Package rag composes LLM context from parallel sources under a token
// budget. Each source declares a priority and a default share of the
// budget; the composer filters by applicability, allocates tokens, loads
// every applicable source concurrently, and joins the results in priority
// order (higher first, registration order breaking ties).
package rag

import "context"

// Options carries the per-request knobs sources see.
type Options struct {
	PersonaID string `json:"persona_id"`
	RoomID    string `json:"room_id"`
	// Query is the current message driving retrieval sources.
	Query string `json:"query,omitempty"`
	// MaxTokens is the total context budget.
	MaxTokens int `json:"max_tokens"`
	// VoiceMode marks latency-critical calls; slow sources opt out.
	VoiceMode bool `json:"voice_mode"`
}

// Message is one conversation message contributed by a source.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// Section is one source's contribution.
type Section struct {
	SourceName          string            `json:"source_name"`
	TokenCount          int               `json:"token_count"`
	LoadTimeMS          float64           `json:"load_time_ms"`
	Messages            []Message         `json:"messages,omitempty"`
	SystemPromptSection string            `json:"system_prompt_section,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// SourceConfig is a source's static declaration for budget allocation.
type SourceConfig struct {
	Name string
	// Priority orders sections in the composed prompt (higher first).
	Priority int
	// DefaultPercent is the source's share of the budget in [0, 100].
	DefaultPercent int
	// MinTokens floors the allocation; a source allocated less than this
	// gets exactly this.
	MinTokens int
}

// Source is a pluggable context producer.
type Source interface {
	// Config returns the source's static declaration.
	Config() SourceConfig

	// IsApplicable reports whether the source should load for this request
	// (e.g. semantic search opts out in voice mode).
	IsApplicable(opts *Options) bool

	// Load produces the source's section within the allocated token count.
	Load(ctx context.Context, opts *Options, allocatedTokens int) (Section, error)
}

// EstimateTokens approximates the token count of text. Four characters per
// token is the conventional estimate for English prose.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
