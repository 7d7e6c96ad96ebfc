package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/continuumrt/continuum/internal/runtime"
)

// Module is the memory IPC surface over a [Manager].
//
// Commands:
//   - memory/load-corpus: replace a persona's corpus
//   - memory/append-memory, memory/append-event: incremental feed
//   - memory/multi-layer-recall: composed recall across layers
//   - memory/consciousness-context: "where was I?" prompt block
type Module struct {
	manager  *Manager
	embedder Embedder
}

// NewModule creates the memory module. embedder may be nil; records arriving
// without vectors then simply stay un-embedded.
func NewModule(manager *Manager, embedder Embedder) *Module {
	return &Module{manager: manager, embedder: embedder}
}

// Manager exposes the underlying corpus manager to in-process callers
// (RAG sources).
func (m *Module) Manager() *Manager { return m.manager }

// Config implements runtime.Module.
func (m *Module) Config() runtime.ModuleConfig {
	return runtime.ModuleConfig{
		Name:            "memory",
		Priority:        runtime.PriorityNormal,
		CommandPrefixes: []string{"memory/"},
	}
}

// Initialize implements runtime.Module.
func (m *Module) Initialize(context.Context, *runtime.Context) error { return nil }

// HandleCommand implements runtime.Module.
func (m *Module) HandleCommand(ctx context.Context, cmd string, params json.RawMessage) (runtime.Result, error) {
	p, err := runtime.NewParams(params)
	if err != nil {
		return runtime.Result{}, err
	}
	personaID, err := p.Str("persona_id")
	if err != nil {
		return runtime.Result{}, err
	}

	switch cmd {
	case "memory/load-corpus":
		var memories []CorpusMemory
		var events []CorpusTimelineEvent
		if err := p.DecodeOr("memories", &memories); err != nil {
			return runtime.Result{}, err
		}
		if err := p.DecodeOr("events", &events); err != nil {
			return runtime.Result{}, err
		}
		resp := m.manager.LoadCorpus(personaID, memories, events)
		slog.Info("corpus loaded",
			"persona", personaID,
			"memories", resp.MemoryCount,
			"embedded", resp.EmbeddedMemoryCount,
			"events", resp.TimelineEventCount,
		)
		return runtime.JSONResult(resp)

	case "memory/append-memory":
		var mem CorpusMemory
		if err := p.Decode("memory", &mem); err != nil {
			return runtime.Result{}, err
		}
		if len(mem.Embedding) == 0 && m.embedder != nil && mem.Record.Content != "" {
			vec, err := m.embedder.Embed(ctx, mem.Record.Content)
			if err != nil {
				slog.Warn("embedding backfill failed", "memory", mem.Record.ID, "err", err)
			} else {
				mem.Embedding = vec
			}
		}
		if err := m.manager.AppendMemory(personaID, mem); err != nil {
			return runtime.Result{}, err
		}
		return runtime.JSONResult(map[string]bool{"appended": true})

	case "memory/append-event":
		var ev CorpusTimelineEvent
		if err := p.Decode("event", &ev); err != nil {
			return runtime.Result{}, err
		}
		if err := m.manager.AppendEvent(personaID, ev); err != nil {
			return runtime.Result{}, err
		}
		return runtime.JSONResult(map[string]bool{"appended": true})

	case "memory/multi-layer-recall":
		req := RecallRequest{
			QueryText:  p.StrOr("query_text", ""),
			MaxResults: p.IntOr("max_results", 0),
		}
		var roomErr error
		if req.RoomID, roomErr = p.Str("room_id"); roomErr != nil {
			return runtime.Result{}, roomErr
		}
		if err := p.DecodeOr("query_embedding", &req.QueryEmbedding); err != nil {
			return runtime.Result{}, err
		}
		if err := p.DecodeOr("layers", &req.Layers); err != nil {
			return runtime.Result{}, err
		}
		resp, err := m.manager.MultiLayerRecall(personaID, &req)
		if err != nil {
			return runtime.Result{}, fmt.Errorf("multi-layer recall: %w", err)
		}
		return runtime.JSONResult(resp)

	case "memory/consciousness-context":
		req := ConsciousnessRequest{
			CurrentMessage:     p.StrOr("current_message", ""),
			SkipSemanticSearch: p.BoolOr("skip_semantic_search", false),
		}
		var roomErr error
		if req.RoomID, roomErr = p.Str("room_id"); roomErr != nil {
			return runtime.Result{}, roomErr
		}
		return runtime.JSONResult(m.manager.BuildConsciousnessContext(personaID, &req))

	default:
		return runtime.Result{}, fmt.Errorf("%w: %q", runtime.ErrUnknownCommand, cmd)
	}
}
