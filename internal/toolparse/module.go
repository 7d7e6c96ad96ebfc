package toolparse

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/continuumrt/continuum/internal/runtime"
)

// Module is the tool-parsing IPC surface.
//
// Commands:
//   - tool-parsing/parse: extract + correct tool calls, strip blocks
//   - tool-parsing/correct: correct a single call (name + params)
//   - tool-parsing/register-tools: register originals for the codec
//   - tool-parsing/encode-name, tool-parsing/decode-name
type Module struct {
	codec *NameCodec
}

// NewModule creates the tool-parsing module.
func NewModule() *Module {
	return &Module{codec: NewNameCodec()}
}

// Codec exposes the shared name codec to in-process callers.
func (m *Module) Codec() *NameCodec { return m.codec }

// Config implements runtime.Module.
func (m *Module) Config() runtime.ModuleConfig {
	return runtime.ModuleConfig{
		Name:            "tool-parsing",
		Priority:        runtime.PriorityNormal,
		CommandPrefixes: []string{"tool-parsing/"},
		MaxConcurrency:  4,
	}
}

// Initialize implements runtime.Module.
func (m *Module) Initialize(context.Context, *runtime.Context) error { return nil }

// HandleCommand implements runtime.Module.
func (m *Module) HandleCommand(_ context.Context, cmd string, params json.RawMessage) (runtime.Result, error) {
	p, err := runtime.NewParams(params)
	if err != nil {
		return runtime.Result{}, err
	}

	switch cmd {
	case "tool-parsing/parse":
		text, err := p.Str("response_text")
		if err != nil {
			return runtime.Result{}, err
		}
		return runtime.JSONResult(Parse(text))

	case "tool-parsing/correct":
		name, err := p.Str("tool_name")
		if err != nil {
			return runtime.Result{}, err
		}
		parameters := map[string]string{}
		if err := p.DecodeOr("parameters", &parameters); err != nil {
			return runtime.Result{}, err
		}
		return runtime.JSONResult(CorrectToolCall(name, parameters))

	case "tool-parsing/register-tools":
		var tools []string
		if err := p.Decode("tools", &tools); err != nil {
			return runtime.Result{}, err
		}
		m.codec.RegisterAll(tools)
		return runtime.JSONResult(map[string]int{
			"registered": len(tools),
			"total":      m.codec.Count(),
		})

	case "tool-parsing/encode-name":
		name, err := p.Str("name")
		if err != nil {
			return runtime.Result{}, err
		}
		return runtime.JSONResult(map[string]string{"encoded": m.codec.Encode(name)})

	case "tool-parsing/decode-name":
		raw, err := p.Str("name")
		if err != nil {
			return runtime.Result{}, err
		}
		decoded := m.codec.Decode(raw)
		return runtime.JSONResult(map[string]any{
			"decoded": decoded,
			"changed": decoded != raw,
		})

	default:
		return runtime.Result{}, fmt.Errorf("%w: %q", runtime.ErrUnknownCommand, cmd)
	}
}
