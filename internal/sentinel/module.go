package sentinel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/continuumrt/continuum/internal/runtime"
)

// Module is the sentinel IPC surface.
//
// Commands:
//   - sentinel/register: store a pipeline definition
//   - sentinel/unregister: drop a definition
//   - sentinel/run: execute a registered pipeline
//   - sentinel/list: registered pipeline ids
type Module struct {
	engine *Engine
}

// NewModule creates the sentinel module. The engine is built during
// Initialize, when the runtime services exist.
func NewModule() *Module {
	return &Module{}
}

// Engine exposes the pipeline engine to in-process callers. Nil before
// Initialize.
func (m *Module) Engine() *Engine { return m.engine }

// Config implements runtime.Module.
func (m *Module) Config() runtime.ModuleConfig {
	return runtime.ModuleConfig{
		Name:            "sentinel",
		Priority:        runtime.PriorityNormal,
		CommandPrefixes: []string{"sentinel/"},
		// Pipelines run long (watch steps block for minutes); let several
		// run concurrently.
		MaxConcurrency: 8,
	}
}

// Initialize implements runtime.Module.
func (m *Module) Initialize(_ context.Context, rt *runtime.Context) error {
	m.engine = NewEngine(rt.Registry, rt.Executor, rt.Bus)
	m.engine.StartScheduler()
	return nil
}

// Shutdown implements runtime.ShutdownHandler.
func (m *Module) Shutdown(context.Context) error {
	if m.engine != nil {
		m.engine.StopScheduler()
	}
	return nil
}

// HandleCommand implements runtime.Module.
func (m *Module) HandleCommand(ctx context.Context, cmd string, params json.RawMessage) (runtime.Result, error) {
	p, err := runtime.NewParams(params)
	if err != nil {
		return runtime.Result{}, err
	}

	switch cmd {
	case "sentinel/register":
		var pipeline Pipeline
		if err := p.Decode("pipeline", &pipeline); err != nil {
			return runtime.Result{}, err
		}
		if err := m.engine.Register(&pipeline); err != nil {
			return runtime.Result{}, err
		}
		return runtime.JSONResult(map[string]string{"registered": pipeline.ID})

	case "sentinel/unregister":
		id, err := p.Str("id")
		if err != nil {
			return runtime.Result{}, err
		}
		if !m.engine.Unregister(id) {
			return runtime.Result{}, fmt.Errorf("%w: pipeline %q", runtime.ErrNotFound, id)
		}
		return runtime.JSONResult(map[string]bool{"unregistered": true})

	case "sentinel/run":
		id, err := p.Str("id")
		if err != nil {
			return runtime.Result{}, err
		}
		inputs := map[string]json.RawMessage{}
		if err := p.DecodeOr("inputs", &inputs); err != nil {
			return runtime.Result{}, err
		}
		result, err := m.engine.Run(ctx, id, inputs)
		if err != nil {
			return runtime.Result{}, err
		}
		return runtime.JSONResult(result)

	case "sentinel/list":
		return runtime.JSONResult(map[string][]string{"pipelines": m.engine.List()})

	default:
		return runtime.Result{}, fmt.Errorf("%w: %q", runtime.ErrUnknownCommand, cmd)
	}
}
