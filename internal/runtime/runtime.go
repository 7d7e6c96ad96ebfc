package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/continuumrt/continuum/internal/observe"
)

// syncBridgeTimeout bounds how long a non-async caller blocks waiting for
// the runtime to process its command.
const syncBridgeTimeout = 30 * time.Second

// Runtime wires the registry, bus, shared compute, and executor, owns the
// per-module dispatchers, and exposes the two routing entry points used by
// the IPC server (async) and by worker threads (sync bridge).
type Runtime struct {
	registry *Registry
	bus      *Bus
	compute  *SharedCompute
	executor *Executor
	metrics  *observe.Metrics

	// order preserves registration order for initialisation.
	order []string

	mu          sync.Mutex
	dispatchers map[string]*dispatcher
	initialized bool

	tickCancel context.CancelFunc
	tickWG     sync.WaitGroup
}

// dispatcher serialises or bounds a module's command executions.
type dispatcher struct {
	queue chan dispatchReq
}

type dispatchReq struct {
	ctx      context.Context
	cmd      string
	params   json.RawMessage
	queuedAt time.Time
	reply    chan dispatchResp
}

type dispatchResp struct {
	result Result
	err    error
}

// Option configures a [Runtime] during construction.
type Option func(*Runtime)

// WithForeignSocket overrides the foreign runtime socket path.
func WithForeignSocket(path string) Option {
	return func(rt *Runtime) {
		rt.executor = NewExecutor(rt.registry, path)
	}
}

// WithMetrics attaches OpenTelemetry instruments to command dispatch.
func WithMetrics(m *observe.Metrics) Option {
	return func(rt *Runtime) { rt.metrics = m }
}

// New creates a runtime with an empty registry.
func New(opts ...Option) *Runtime {
	rt := &Runtime{
		registry:    NewRegistry(),
		bus:         NewBus(),
		compute:     NewSharedCompute(),
		dispatchers: map[string]*dispatcher{},
	}
	rt.executor = NewExecutor(rt.registry, "")
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Registry returns the module registry.
func (rt *Runtime) Registry() *Registry { return rt.registry }

// Bus returns the event bus.
func (rt *Runtime) Bus() *Bus { return rt.bus }

// Compute returns the shared compute cache.
func (rt *Runtime) Compute() *SharedCompute { return rt.compute }

// Executor returns the unified command executor.
func (rt *Runtime) Executor() *Executor { return rt.executor }

// Register adds a module. Must be called before Initialize; the order of
// Register calls is the initialisation order.
func (rt *Runtime) Register(m Module) {
	cfg := m.Config()
	rt.registry.Register(m)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.order = append(rt.order, cfg.Name)

	// Wire declared synchronous event subscriptions.
	for _, pattern := range cfg.EventSubscriptions {
		rt.bus.Subscribe(pattern, cfg.Name, true)
	}

	// One dispatch goroutine per unit of allowed concurrency. A queue depth
	// of 64 absorbs bursts; beyond that, callers block, which is the
	// arrival-order guarantee working as intended.
	workers := cfg.MaxConcurrency
	if workers < 1 {
		workers = 1
	}
	d := &dispatcher{queue: make(chan dispatchReq, 64)}
	rt.dispatchers[cfg.Name] = d
	for range workers {
		go rt.dispatchLoop(cfg.Name, m, d)
	}
}

func (rt *Runtime) dispatchLoop(name string, m Module, d *dispatcher) {
	for req := range d.queue {
		metrics, _ := rt.registry.Metrics(name)
		tracker := metrics.StartCommand(req.cmd, req.queuedAt)

		result, err := m.HandleCommand(req.ctx, req.cmd, req.params)

		timing := tracker.Finish(err == nil)
		metrics.Record(timing)
		if rt.metrics != nil {
			rt.metrics.RecordCommand(req.ctx, name, req.cmd, err == nil,
				time.Duration(timing.TotalTimeMS)*time.Millisecond)
		}

		req.reply <- dispatchResp{result: result, err: err}
	}
}

// Initialize calls Initialize on every registered module in registration
// order. The first failure aborts startup.
func (rt *Runtime) Initialize(ctx context.Context) error {
	rt.mu.Lock()
	order := make([]string, len(rt.order))
	copy(order, rt.order)
	rt.mu.Unlock()

	mctx := &Context{
		Registry: rt.registry,
		Bus:      rt.bus,
		Compute:  rt.compute,
		Executor: rt.executor,
	}

	start := time.Now()
	for _, name := range order {
		m, _ := rt.registry.Get(name)
		if err := m.Initialize(ctx, mctx); err != nil {
			return fmt.Errorf("initialize module %s: %w", name, err)
		}
		slog.Info("module initialized", "module", name)
	}

	rt.startTickers(order)

	rt.mu.Lock()
	rt.initialized = true
	rt.mu.Unlock()

	slog.Info("runtime initialized",
		"modules", len(order),
		"duration", time.Since(start),
	)
	return nil
}

func (rt *Runtime) startTickers(order []string) {
	tickCtx, cancel := context.WithCancel(context.Background())
	rt.tickCancel = cancel
	for _, name := range order {
		cfg, _ := rt.registry.Config(name)
		if cfg.TickInterval <= 0 {
			continue
		}
		m, _ := rt.registry.Get(name)
		ticker, ok := m.(Ticker)
		if !ok {
			continue
		}
		rt.tickWG.Add(1)
		go func(interval time.Duration, t Ticker) {
			defer rt.tickWG.Done()
			tick := time.NewTicker(interval)
			defer tick.Stop()
			for {
				select {
				case <-tick.C:
					t.Tick(tickCtx)
				case <-tickCtx.Done():
					return
				}
			}
		}(cfg.TickInterval, ticker)
	}
}

// Route dispatches one command envelope asynchronously. Unknown prefixes
// return [ErrUnknownCommand].
func (rt *Runtime) Route(ctx context.Context, cmd string, params json.RawMessage) (Result, error) {
	m, full, ok := rt.registry.RouteCommand(cmd)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}

	rt.mu.Lock()
	d := rt.dispatchers[m.Config().Name]
	rt.mu.Unlock()

	req := dispatchReq{
		ctx:      ctx,
		cmd:      full,
		params:   params,
		queuedAt: time.Now(),
		reply:    make(chan dispatchResp, 1),
	}
	select {
	case d.queue <- req:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	select {
	case resp := <-req.reply:
		return resp.result, resp.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// RouteSync is the bridge for non-async worker threads: it posts the
// request to the runtime and blocks the caller with a hard 30-second
// timeout. A timeout surfaces as [ErrTimeout] instead of blocking forever.
func (rt *Runtime) RouteSync(cmd string, params json.RawMessage) (Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), syncBridgeTimeout)
	defer cancel()

	type routed struct {
		result Result
		err    error
	}
	reply := make(chan routed, 1)
	go func() {
		res, err := rt.Route(ctx, cmd, params)
		reply <- routed{result: res, err: err}
	}()

	select {
	case r := <-reply:
		return r.result, r.err
	case <-ctx.Done():
		return Result{}, fmt.Errorf("%w: %q after %s", ErrTimeout, cmd, syncBridgeTimeout)
	}
}

// Publish delivers an event through the bus using this runtime's registry
// for synchronous-tier lookups.
func (rt *Runtime) Publish(ctx context.Context, name string, payload json.RawMessage) {
	rt.bus.Publish(ctx, rt.registry, name, payload)
	if rt.metrics != nil {
		rt.metrics.RecordEvent(ctx, name)
	}
}

// Shutdown stops tickers and asks every module implementing
// [ShutdownHandler] to release its resources. Per-module errors are logged
// and do not stop the iteration.
func (rt *Runtime) Shutdown(ctx context.Context) {
	if rt.tickCancel != nil {
		rt.tickCancel()
		rt.tickWG.Wait()
	}

	rt.mu.Lock()
	order := make([]string, len(rt.order))
	copy(order, rt.order)
	rt.mu.Unlock()

	for _, name := range order {
		m, _ := rt.registry.Get(name)
		s, ok := m.(ShutdownHandler)
		if !ok {
			continue
		}
		if err := s.Shutdown(ctx); err != nil {
			slog.Error("module shutdown error", "module", name, "err", err)
		}
	}
	slog.Info("runtime shut down", "modules", len(order))
}

// ShutdownHandler is implemented by modules that hold releasable resources.
type ShutdownHandler interface {
	Shutdown(ctx context.Context) error
}
