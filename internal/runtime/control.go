package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ControlModule is the runtime's own command surface: health, module
// listing, routes, and per-module metrics.
//
// Commands:
//   - health-check: liveness plus a registry summary
//   - runtime/modules: registered modules with priorities
//   - runtime/routes: the command routing table in match order
//   - runtime/metrics: one module's rolling-window stats
//   - runtime/metrics-all: every module's stats
type ControlModule struct {
	registry *Registry
	started  time.Time
}

// NewControlModule creates the control module.
func NewControlModule(registry *Registry) *ControlModule {
	return &ControlModule{registry: registry, started: time.Now()}
}

// Config implements Module.
func (m *ControlModule) Config() ModuleConfig {
	return ModuleConfig{
		Name:            "runtime-control",
		Priority:        PriorityCritical,
		CommandPrefixes: []string{"health-", "runtime/"},
	}
}

// Initialize implements Module.
func (m *ControlModule) Initialize(context.Context, *Context) error { return nil }

// HandleCommand implements Module.
func (m *ControlModule) HandleCommand(_ context.Context, cmd string, params json.RawMessage) (Result, error) {
	switch cmd {
	case "health-check":
		return JSONResult(map[string]any{
			"status":    "ok",
			"uptime_ms": time.Since(m.started).Milliseconds(),
			"modules":   m.registry.Names(),
		})

	case "runtime/modules":
		type moduleInfo struct {
			Name     string   `json:"name"`
			Priority string   `json:"priority"`
			Prefixes []string `json:"prefixes"`
		}
		var out []moduleInfo
		for _, name := range m.registry.Names() {
			cfg, _ := m.registry.Config(name)
			out = append(out, moduleInfo{
				Name:     name,
				Priority: cfg.Priority.String(),
				Prefixes: cfg.CommandPrefixes,
			})
		}
		return JSONResult(map[string]any{"modules": out})

	case "runtime/routes":
		routes := m.registry.Routes()
		type routeInfo struct {
			Prefix string `json:"prefix"`
			Module string `json:"module"`
		}
		out := make([]routeInfo, len(routes))
		for i, r := range routes {
			out[i] = routeInfo{Prefix: r[0], Module: r[1]}
		}
		return JSONResult(map[string]any{"routes": out})

	case "runtime/metrics":
		p, err := NewParams(params)
		if err != nil {
			return Result{}, err
		}
		name, err := p.Str("module")
		if err != nil {
			return Result{}, err
		}
		metrics, ok := m.registry.Metrics(name)
		if !ok {
			return Result{}, fmt.Errorf("%w: module %q", ErrNotFound, name)
		}
		return JSONResult(metrics.Stats())

	case "runtime/metrics-all":
		out := map[string]ModuleStats{}
		for _, name := range m.registry.Names() {
			if metrics, ok := m.registry.Metrics(name); ok {
				out[name] = metrics.Stats()
			}
		}
		return JSONResult(out)

	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
}
