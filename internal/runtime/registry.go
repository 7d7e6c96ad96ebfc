package runtime

import (
	"log/slog"
	"reflect"
	"sort"
	"sync"
)

// Registry owns all modules and routes commands to them by declared prefix.
// Registration happens during startup; routing is read-heavy afterwards, so
// a single RWMutex guards everything.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
	configs map[string]ModuleConfig
	metrics map[string]*ModuleMetrics
	// routes is sorted by prefix length descending so the first prefix
	// match is the longest match.
	routes []route
	types  map[reflect.Type]string
}

type route struct {
	prefix string
	module string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		modules: map[string]Module{},
		configs: map[string]ModuleConfig{},
		metrics: map[string]*ModuleMetrics{},
		types:   map[reflect.Type]string{},
	}
}

// Register adds a module and wires its command routes and type entry.
// Re-registering a name replaces the previous entry and its routes.
func (r *Registry) Register(m Module) {
	cfg := m.Config()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.modules[cfg.Name]; exists {
		slog.Warn("replacing registered module", "module", cfg.Name)
		kept := r.routes[:0]
		for _, rt := range r.routes {
			if rt.module != cfg.Name {
				kept = append(kept, rt)
			}
		}
		r.routes = kept
	}

	r.modules[cfg.Name] = m
	r.configs[cfg.Name] = cfg
	r.metrics[cfg.Name] = NewModuleMetrics(cfg.Name)
	for _, prefix := range cfg.CommandPrefixes {
		r.routes = append(r.routes, route{prefix: prefix, module: cfg.Name})
	}
	sort.SliceStable(r.routes, func(i, j int) bool {
		return len(r.routes[i].prefix) > len(r.routes[j].prefix)
	})
	r.types[reflect.TypeOf(m)] = cfg.Name

	slog.Debug("module registered",
		"module", cfg.Name,
		"priority", cfg.Priority.String(),
		"prefixes", cfg.CommandPrefixes,
	)
}

// RouteCommand resolves a command to its serving module by longest-prefix
// match. The module receives the full command string. ok is false when no
// prefix matches.
func (r *Registry) RouteCommand(cmd string) (Module, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.routes {
		if len(cmd) >= len(rt.prefix) && cmd[:len(rt.prefix)] == rt.prefix {
			return r.modules[rt.module], cmd, true
		}
	}
	return nil, "", false
}

// Get returns a module by name.
func (r *Registry) Get(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

// Has reports whether a module is registered under name.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// ModuleOf returns the registered instance of concrete type T, for callers
// that need a module's typed API rather than its command surface.
func ModuleOf[T Module](r *Registry) (T, bool) {
	var zero T
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.types[reflect.TypeOf(zero)]
	if !ok {
		return zero, false
	}
	m, ok := r.modules[name].(T)
	return m, ok
}

// Config returns a module's declaration by name.
func (r *Registry) Config(name string) (ModuleConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[name]
	return cfg, ok
}

// Metrics returns a module's metrics tracker by name.
func (r *Registry) Metrics(name string) (*ModuleMetrics, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.metrics[name]
	return m, ok
}

// Names lists all registered module names in registration-independent
// (sorted) order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Routes lists all (prefix, module) routes in match order, for the
// health-check surface.
func (r *Registry) Routes() [][2]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([][2]string, len(r.routes))
	for i, rt := range r.routes {
		out[i] = [2]string{rt.prefix, rt.module}
	}
	return out
}
