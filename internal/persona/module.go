package persona

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/continuumrt/continuum/internal/persona/analysis"
	"github.com/continuumrt/continuum/internal/runtime"
)

// Module is the persona IPC surface: channel scheduling plus the stateless
// text-analysis gates.
//
// Commands:
//   - persona/enqueue: route an item into a persona's channels
//   - persona/service-cycle: run one scheduling decision
//   - persona/status: channel + mood snapshot
//   - persona/clear: drop all queued items
//   - persona/validate-response: run the text gates on an LLM response
//   - persona/is-mentioned: @mention / direct-address check
//   - persona/clean-response: strip copied prefixes
type Module struct {
	mu         sync.Mutex
	schedulers map[string]*Scheduler

	loopDetector *analysis.LoopDetector
}

// NewModule creates the persona module.
func NewModule() *Module {
	return &Module{
		schedulers:   map[string]*Scheduler{},
		loopDetector: analysis.NewLoopDetector(),
	}
}

// Config implements runtime.Module.
func (m *Module) Config() runtime.ModuleConfig {
	return runtime.ModuleConfig{
		Name:            "persona",
		Priority:        runtime.PriorityHigh,
		CommandPrefixes: []string{"persona/"},
		// Final utterances are delivered synchronously so responder work
		// is queued before the publisher moves on.
		EventSubscriptions: []string{"voice:utterance:*"},
	}
}

// Initialize implements runtime.Module.
func (m *Module) Initialize(context.Context, *runtime.Context) error { return nil }

// HandleEvent implements runtime.EventHandler: a final utterance enqueues
// an audio-domain item for every selected responder persona.
func (m *Module) HandleEvent(_ context.Context, name string, payload json.RawMessage) error {
	if !strings.HasPrefix(name, "voice:utterance:") {
		return nil
	}
	var ev struct {
		SessionID  string   `json:"session_id"`
		SpeakerID  string   `json:"speaker_id"`
		Transcript string   `json:"transcript"`
		Responders []string `json:"responders"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("utterance payload: %w", err)
	}
	for _, personaID := range ev.Responders {
		_, err := m.SchedulerFor(personaID).Route(&Message{
			ItemID:   "utt-" + uuid.NewString(),
			Dom:      "audio",
			Priority: 0.9,
			Type:     "voice_utterance",
			ActorID:  ev.SpeakerID,
			Content:  ev.Transcript,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// SchedulerFor returns (creating on demand) the scheduler for a persona.
func (m *Module) SchedulerFor(personaID string) *Scheduler {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedulers[personaID]
	if !ok {
		s = NewScheduler(personaID)
		m.schedulers[personaID] = s
	}
	return s
}

// HandleCommand implements runtime.Module.
func (m *Module) HandleCommand(_ context.Context, cmd string, params json.RawMessage) (runtime.Result, error) {
	p, err := runtime.NewParams(params)
	if err != nil {
		return runtime.Result{}, err
	}

	switch cmd {
	case "persona/enqueue":
		personaID, err := p.Str("persona_id")
		if err != nil {
			return runtime.Result{}, err
		}
		var msg Message
		if err := p.Decode("item", &msg); err != nil {
			return runtime.Result{}, err
		}
		if msg.ItemID == "" {
			return runtime.Result{}, fmt.Errorf("%w: item.id", runtime.ErrMissingParam)
		}
		domain, err := m.SchedulerFor(personaID).Route(&msg)
		if err != nil {
			return runtime.Result{}, err
		}
		return runtime.JSONResult(map[string]string{"channel": domain.String()})

	case "persona/service-cycle":
		personaID, err := p.Str("persona_id")
		if err != nil {
			return runtime.Result{}, err
		}
		return runtime.JSONResult(m.SchedulerFor(personaID).ServiceCycle())

	case "persona/status":
		personaID, err := p.Str("persona_id")
		if err != nil {
			return runtime.Result{}, err
		}
		return runtime.JSONResult(m.SchedulerFor(personaID).Status())

	case "persona/clear":
		personaID, err := p.Str("persona_id")
		if err != nil {
			return runtime.Result{}, err
		}
		m.SchedulerFor(personaID).ClearAll()
		return runtime.JSONResult(map[string]bool{"cleared": true})

	case "persona/validate-response":
		personaID, err := p.Str("persona_id")
		if err != nil {
			return runtime.Result{}, err
		}
		text, err := p.Str("response_text")
		if err != nil {
			return runtime.Result{}, err
		}
		hasToolCalls := p.BoolOr("has_tool_calls", false)
		var history []analysis.ConversationMessage
		if err := p.DecodeOr("history", &history); err != nil {
			return runtime.Result{}, err
		}
		result := analysis.ValidateResponse(text, personaID, hasToolCalls, history, m.loopDetector)
		return runtime.JSONResult(result)

	case "persona/is-mentioned":
		text, err := p.Str("text")
		if err != nil {
			return runtime.Result{}, err
		}
		displayName := p.StrOr("display_name", "")
		uniqueID := p.StrOr("unique_id", "")
		return runtime.JSONResult(map[string]bool{
			"mentioned":    analysis.IsPersonaMentioned(text, displayName, uniqueID),
			"has_directed": analysis.HasDirectedMention(text),
		})

	case "persona/clean-response":
		text, err := p.Str("text")
		if err != nil {
			return runtime.Result{}, err
		}
		return runtime.JSONResult(map[string]string{"cleaned": analysis.CleanResponse(text)})

	default:
		return runtime.Result{}, fmt.Errorf("%w: %q", runtime.ErrUnknownCommand, cmd)
	}
}
