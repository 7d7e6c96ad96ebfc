package rag

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// sectionSeparator joins system prompt sections.
const sectionSeparator = "\n\n---\n\n"

// defaultBudget applies when the request declares no budget.
const defaultBudget = 8000

// Composed is the final assembled context.
type Composed struct {
	PersonaID         string         `json:"persona_id"`
	RoomID            string         `json:"room_id"`
	SystemPrompt      string         `json:"system_prompt"`
	Messages          []Message      `json:"messages"`
	TotalTokens       int            `json:"total_tokens"`
	CompositionTimeMS float64        `json:"composition_time_ms"`
	SourceTimings     []SourceTiming `json:"source_timings"`
}

// SourceTiming reports one source's load.
type SourceTiming struct {
	Name       string  `json:"name"`
	LoadTimeMS float64 `json:"load_time_ms"`
	TokenCount int     `json:"token_count"`
}

// Composer loads registered sources in parallel and joins their sections.
type Composer struct {
	sources []Source
}

// NewComposer creates an empty composer.
func NewComposer() *Composer {
	return &Composer{}
}

// RegisterSource appends a source. Sections compose in priority order
// (higher priority first), with registration order breaking ties.
func (c *Composer) RegisterSource(s Source) {
	c.sources = append(c.sources, s)
}

// Compose builds the context: filter by applicability, allocate the token
// budget, load everything concurrently, and join in priority order. A
// failing source contributes nothing; the rest of the context is still
// returned.
func (c *Composer) Compose(ctx context.Context, opts *Options) Composed {
	start := time.Now()
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultBudget
	}

	var applicable []Source
	for _, s := range c.sources {
		if s.IsApplicable(opts) {
			applicable = append(applicable, s)
		}
	}
	if len(applicable) == 0 {
		slog.Warn("no applicable rag sources", "room", opts.RoomID)
		return Composed{
			PersonaID:         opts.PersonaID,
			RoomID:            opts.RoomID,
			CompositionTimeMS: msSince(start),
		}
	}

	configs := make([]SourceConfig, len(applicable))
	for i, s := range applicable {
		configs[i] = s.Config()
	}
	allocations := AllocateBudget(opts.MaxTokens, configs)

	sections := make([]Section, len(applicable))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range applicable {
		g.Go(func() error {
			loadStart := time.Now()
			section, err := s.Load(gctx, opts, allocations[i].AllocatedTokens)
			if err != nil {
				slog.Warn("rag source failed", "source", configs[i].Name, "err", err)
				section = Section{SourceName: configs[i].Name}
			}
			section.LoadTimeMS = msSince(loadStart)
			sections[i] = section
			return nil
		})
	}
	// Errors are absorbed per-source; the group never fails.
	_ = g.Wait()

	// Order sections by priority (desc), stable on registration order.
	order := make([]int, len(sections))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return configs[order[a]].Priority > configs[order[b]].Priority
	})

	composed := Composed{PersonaID: opts.PersonaID, RoomID: opts.RoomID}
	var systemParts []string
	for _, i := range order {
		section := sections[i]
		if section.SystemPromptSection != "" {
			systemParts = append(systemParts, section.SystemPromptSection)
		}
		composed.Messages = append(composed.Messages, section.Messages...)
		composed.TotalTokens += section.TokenCount
		composed.SourceTimings = append(composed.SourceTimings, SourceTiming{
			Name:       section.SourceName,
			LoadTimeMS: section.LoadTimeMS,
			TokenCount: section.TokenCount,
		})
	}
	composed.SystemPrompt = strings.Join(systemParts, sectionSeparator)
	composed.CompositionTimeMS = msSince(start)

	slog.Info("rag context composed",
		"room", opts.RoomID,
		"sources", len(applicable),
		"tokens", composed.TotalTokens,
		"ms", composed.CompositionTimeMS,
	)
	return composed
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
