package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/continuumrt/continuum/internal/runtime"
)

// submitTimeout bounds how long ai/generate waits for a pool response.
const submitTimeout = 120 * time.Second

// ModuleConfig configures the AI module.
type ModuleConfig struct {
	// Workers is the pool size (backend instances).
	Workers int
	// Factory builds a worker's backend. Nil disables local generation.
	Factory BackendFactory
	// LoRABackend is the single full-precision backend used by the LoRA
	// command surface. Nil disables LoRA commands.
	LoRABackend *SafetensorsBackend
	// HostedFactory builds hosted providers on demand for requests naming
	// a provider. Nil falls back to NewHostedProvider.
	HostedFactory func(provider, model string) (*HostedProvider, error)
}

// Module is the AI IPC surface.
//
// Commands:
//   - ai/generate: generation through the pool, or a hosted provider when
//     the request names one
//   - ai/stats: pool counters
//   - ai/lora-apply, ai/lora-clear, ai/lora-status: adapter stack control
//     on the single full-precision backend (bypasses the pool)
type Module struct {
	cfg  ModuleConfig
	pool *Pool

	mu       sync.Mutex
	hosted   map[string]*HostedProvider
	adapters []LoRAAdapter
}

// NewModule creates the AI module.
func NewModule(cfg ModuleConfig) *Module {
	if cfg.HostedFactory == nil {
		cfg.HostedFactory = func(provider, model string) (*HostedProvider, error) {
			return NewHostedProvider(provider, model)
		}
	}
	return &Module{cfg: cfg, hosted: map[string]*HostedProvider{}}
}

// Config implements runtime.Module.
func (m *Module) Config() runtime.ModuleConfig {
	return runtime.ModuleConfig{
		Name:            "ai",
		Priority:        runtime.PriorityHigh,
		CommandPrefixes: []string{"ai/"},
		// Generation is slow; let requests queue into the pool rather than
		// serialising on the module dispatcher.
		MaxConcurrency: 8,
		// Workers are compute-bound; the runtime does not act on this flag.
		NeedsDedicatedThread: true,
	}
}

// Initialize implements runtime.Module: workers load their models here.
func (m *Module) Initialize(ctx context.Context, _ *runtime.Context) error {
	if m.cfg.Factory != nil {
		m.pool = NewPool(ctx, m.cfg.Workers, m.cfg.Factory)
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
	case "ai/generate":
		return m.generate(ctx, p)

	case "ai/stats":
		if m.pool == nil {
			return runtime.JSONResult(PoolStats{})
		}
		return runtime.JSONResult(m.pool.Stats())

	case "ai/lora-apply":
		return m.loraApply(p)

	case "ai/lora-clear":
		return m.loraClear()

	case "ai/lora-status":
		return m.loraStatus()

	default:
		return runtime.Result{}, fmt.Errorf("%w: %q", runtime.ErrUnknownCommand, cmd)
	}
}

func (m *Module) generate(ctx context.Context, p runtime.Params) (runtime.Result, error) {
	prompt, err := p.Str("prompt")
	if err != nil {
		return runtime.Result{}, err
	}
	maxTokens := p.IntOr("max_tokens", 256)
	temperature := p.FloatOr("temperature", 0.7)

	// A named provider bypasses the local pool.
	if provider := p.StrOr("provider", ""); provider != "" {
		model := p.StrOr("model", "")
		hosted, err := m.hostedFor(provider, model)
		if err != nil {
			return runtime.Result{}, err
		}
		result, err := hosted.Generate(ctx, prompt, p.StrOr("system_prompt", ""), maxTokens, temperature)
		if err != nil {
			return runtime.Result{}, err
		}
		return runtime.JSONResult(result)
	}

	if m.pool == nil {
		return runtime.Result{}, fmt.Errorf("%w: no local inference pool configured", runtime.ErrNotFound)
	}

	submitCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	response, err := m.pool.Submit(submitCtx, prompt, maxTokens, temperature)
	if err != nil {
		return runtime.Result{}, err
	}
	select {
	case resp := <-response:
		if resp.Error != "" {
			return runtime.Result{}, fmt.Errorf("generation failed: %s", resp.Error)
		}
		return runtime.JSONResult(resp)
	case <-submitCtx.Done():
		return runtime.Result{}, fmt.Errorf("%w: generation", runtime.ErrTimeout)
	}
}

func (m *Module) hostedFor(provider, model string) (*HostedProvider, error) {
	key := provider + "/" + model
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.hosted[key]; ok {
		return h, nil
	}
	h, err := m.cfg.HostedFactory(provider, model)
	if err != nil {
		return nil, err
	}
	m.hosted[key] = h
	return h, nil
}

func (m *Module) loraApply(p runtime.Params) (runtime.Result, error) {
	if m.cfg.LoRABackend == nil {
		return runtime.Result{}, fmt.Errorf("%w: no full-precision backend for LoRA", runtime.ErrNotFound)
	}
	var adapter LoRAAdapter
	if err := p.Decode("adapter", &adapter); err != nil {
		return runtime.Result{}, err
	}
	if adapter.Scale == 0 {
		adapter.Scale = 1.0
	}
	adapter.Active = true

	m.mu.Lock()
	defer m.mu.Unlock()
	stacked := append(append([]LoRAAdapter(nil), m.adapters...), adapter)
	if err := m.cfg.LoRABackend.RebuildWithLoRA(stacked); err != nil {
		return runtime.Result{}, err
	}
	m.adapters = stacked
	return runtime.JSONResult(map[string]any{
		"applied": adapter.AdapterID,
		"stack":   len(stacked),
	})
}

func (m *Module) loraClear() (runtime.Result, error) {
	if m.cfg.LoRABackend == nil {
		return runtime.Result{}, fmt.Errorf("%w: no full-precision backend for LoRA", runtime.ErrNotFound)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.cfg.LoRABackend.ReloadBase(); err != nil {
		return runtime.Result{}, err
	}
	m.adapters = nil
	return runtime.JSONResult(map[string]bool{"cleared": true})
}

func (m *Module) loraStatus() (runtime.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return runtime.JSONResult(map[string]any{
		"supported": m.cfg.LoRABackend != nil,
		"adapters":  m.adapters,
	})
}
