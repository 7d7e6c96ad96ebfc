package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/continuumrt/continuum/internal/memory"
)

// IdentitySource contributes the persona's identity block. It is always
// applicable and always first: whatever else gets cut, the persona knows
// who it is.
type IdentitySource struct {
	// Lookup resolves a persona id to its identity prompt.
	Lookup func(personaID string) (name, description string, ok bool)
}

// Config implements Source.
func (s *IdentitySource) Config() SourceConfig {
	return SourceConfig{Name: "identity", Priority: 100, DefaultPercent: 10, MinTokens: 200}
}

// IsApplicable implements Source.
func (s *IdentitySource) IsApplicable(*Options) bool { return true }

// Load implements Source.
func (s *IdentitySource) Load(_ context.Context, opts *Options, _ int) (Section, error) {
	name, description, ok := s.Lookup(opts.PersonaID)
	if !ok {
		return Section{}, fmt.Errorf("unknown persona %q", opts.PersonaID)
	}
	prompt := fmt.Sprintf("You are %s.\n%s", name, description)
	return Section{
		SourceName:          "identity",
		SystemPromptSection: prompt,
		TokenCount:          EstimateTokens(prompt),
	}, nil
}

// MemoryRecallSource contributes multi-layer recall results. It opts out in
// voice mode, where recall latency would stall the speech loop.
type MemoryRecallSource struct {
	Manager *memory.Manager
}

// Config implements Source.
func (s *MemoryRecallSource) Config() SourceConfig {
	return SourceConfig{Name: "memory-recall", Priority: 60, DefaultPercent: 40, MinTokens: 300}
}

// IsApplicable implements Source.
func (s *MemoryRecallSource) IsApplicable(opts *Options) bool {
	return !opts.VoiceMode && opts.Query != ""
}

// Load implements Source.
func (s *MemoryRecallSource) Load(_ context.Context, opts *Options, allocatedTokens int) (Section, error) {
	resp, err := s.Manager.MultiLayerRecall(opts.PersonaID, &memory.RecallRequest{
		QueryText:  opts.Query,
		RoomID:     opts.RoomID,
		MaxResults: 20,
	})
	if err != nil {
		return Section{}, err
	}

	var b strings.Builder
	b.WriteString("Relevant memories:\n")
	used := EstimateTokens(b.String())
	included := 0
	for _, rec := range resp.Memories {
		line := fmt.Sprintf("- [%s] %s\n", rec.Layer, rec.Content)
		cost := EstimateTokens(line)
		if used+cost > allocatedTokens {
			break
		}
		b.WriteString(line)
		used += cost
		included++
	}
	if included == 0 {
		return Section{SourceName: "memory-recall"}, nil
	}
	return Section{
		SourceName:          "memory-recall",
		SystemPromptSection: strings.TrimRight(b.String(), "\n"),
		TokenCount:          used,
		Metadata:            map[string]string{"included": fmt.Sprint(included)},
	}, nil
}

// ConsciousnessSource contributes the "where was I?" block.
type ConsciousnessSource struct {
	Manager *memory.Manager
}

// Config implements Source.
func (s *ConsciousnessSource) Config() SourceConfig {
	return SourceConfig{Name: "consciousness", Priority: 80, DefaultPercent: 15, MinTokens: 100}
}

// IsApplicable implements Source.
func (s *ConsciousnessSource) IsApplicable(*Options) bool { return true }

// Load implements Source.
func (s *ConsciousnessSource) Load(_ context.Context, opts *Options, _ int) (Section, error) {
	resp := s.Manager.BuildConsciousnessContext(opts.PersonaID, &memory.ConsciousnessRequest{
		RoomID:             opts.RoomID,
		CurrentMessage:     opts.Query,
		SkipSemanticSearch: opts.VoiceMode,
	})
	if resp.FormattedPrompt == "" {
		return Section{SourceName: "consciousness"}, nil
	}
	return Section{
		SourceName:          "consciousness",
		SystemPromptSection: resp.FormattedPrompt,
		TokenCount:          EstimateTokens(resp.FormattedPrompt),
	}, nil
}

// HistorySource contributes recent conversation messages supplied by the
// caller (the cognition layer holds the live transcript).
type HistorySource struct {
	// Fetch returns the recent conversation for a room, newest last.
	Fetch func(roomID string, maxMessages int) []Message
}

// Config implements Source.
func (s *HistorySource) Config() SourceConfig {
	return SourceConfig{Name: "history", Priority: 40, DefaultPercent: 35, MinTokens: 200}
}

// IsApplicable implements Source.
func (s *HistorySource) IsApplicable(*Options) bool { return true }

// Load implements Source.
func (s *HistorySource) Load(_ context.Context, opts *Options, allocatedTokens int) (Section, error) {
	msgs := s.Fetch(opts.RoomID, 50)

	// Walk from the newest message backwards until the budget is spent.
	used := 0
	cut := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		cost := EstimateTokens(msgs[i].Content)
		if used+cost > allocatedTokens {
			break
		}
		used += cost
		cut = i
	}
	kept := msgs[cut:]
	return Section{
		SourceName: "history",
		Messages:   kept,
		TokenCount: used,
	}, nil
}
