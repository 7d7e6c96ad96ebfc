package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/continuumrt/continuum/internal/memory"
	"github.com/continuumrt/continuum/internal/runtime"
)

// Module is the RAG IPC surface.
//
// Commands:
//   - rag/compose: build a context for a persona in a room
//   - rag/push-history: feed conversation messages for the history source
//   - rag/set-identity: declare a persona identity for the identity source
type Module struct {
	composer *Composer

	mu         sync.RWMutex
	identities map[string][2]string // persona → {name, description}
	histories  map[string][]Message // room → messages
}

// NewModule creates the RAG module with the default source set over the
// given memory manager.
func NewModule(manager *memory.Manager) *Module {
	m := &Module{
		composer:   NewComposer(),
		identities: map[string][2]string{},
		histories:  map[string][]Message{},
	}
	m.composer.RegisterSource(&IdentitySource{Lookup: m.lookupIdentity})
	m.composer.RegisterSource(&ConsciousnessSource{Manager: manager})
	m.composer.RegisterSource(&MemoryRecallSource{Manager: manager})
	m.composer.RegisterSource(&HistorySource{Fetch: m.fetchHistory})
	return m
}

func (m *Module) lookupIdentity(personaID string) (string, string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.identities[personaID]
	return id[0], id[1], ok
}

func (m *Module) fetchHistory(roomID string, maxMessages int) []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.histories[roomID]
	if len(msgs) > maxMessages {
		msgs = msgs[len(msgs)-maxMessages:]
	}
	return append([]Message(nil), msgs...)
}

// Config implements runtime.Module.
func (m *Module) Config() runtime.ModuleConfig {
	return runtime.ModuleConfig{
		Name:            "rag",
		Priority:        runtime.PriorityNormal,
		CommandPrefixes: []string{"rag/"},
		MaxConcurrency:  4,
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

	switch cmd {
	case "rag/compose":
		opts := Options{
			PersonaID: p.StrOr("persona_id", ""),
			Query:     p.StrOr("query", ""),
			MaxTokens: p.IntOr("max_tokens", 0),
			VoiceMode: p.BoolOr("voice_mode", false),
		}
		var roomErr error
		if opts.RoomID, roomErr = p.Str("room_id"); roomErr != nil {
			return runtime.Result{}, roomErr
		}
		return runtime.JSONResult(m.composer.Compose(ctx, &opts))

	case "rag/push-history":
		roomID, err := p.Str("room_id")
		if err != nil {
			return runtime.Result{}, err
		}
		var msgs []Message
		if err := p.Decode("messages", &msgs); err != nil {
			return runtime.Result{}, err
		}
		m.mu.Lock()
		m.histories[roomID] = append(m.histories[roomID], msgs...)
		// The history source reads at most the recent tail; cap storage.
		if tail := m.histories[roomID]; len(tail) > 200 {
			m.histories[roomID] = tail[len(tail)-200:]
		}
		m.mu.Unlock()
		return runtime.JSONResult(map[string]bool{"pushed": true})

	case "rag/set-identity":
		personaID, err := p.Str("persona_id")
		if err != nil {
			return runtime.Result{}, err
		}
		name, err := p.Str("name")
		if err != nil {
			return runtime.Result{}, err
		}
		m.mu.Lock()
		m.identities[personaID] = [2]string{name, p.StrOr("description", "")}
		m.mu.Unlock()
		return runtime.JSONResult(map[string]bool{"set": true})

	default:
		return runtime.Result{}, fmt.Errorf("%w: %q", runtime.ErrUnknownCommand, cmd)
	}
}
