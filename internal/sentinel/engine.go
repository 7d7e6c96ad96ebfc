package sentinel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/continuumrt/continuum/internal/runtime"
	"github.com/continuumrt/continuum/pkg/frame"
)

// Engine stores pipeline definitions, runs them on demand, and launches
// scheduled pipelines on their cron expressions.
type Engine struct {
	registry *runtime.Registry
	executor *runtime.Executor
	bus      *runtime.Bus

	mu        sync.RWMutex
	pipelines map[string]*Pipeline

	cron       *gronx.Gronx
	tickCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewEngine creates an engine over the runtime services.
func NewEngine(registry *runtime.Registry, executor *runtime.Executor, bus *runtime.Bus) *Engine {
	return &Engine{
		registry:  registry,
		executor:  executor,
		bus:       bus,
		pipelines: map[string]*Pipeline{},
		cron:      gronx.New(),
	}
}

// Register stores a pipeline definition, validating every step. A
// re-registered id replaces the previous definition.
func (e *Engine) Register(p *Pipeline) error {
	if p.ID == "" {
		return fmt.Errorf("pipeline has no id")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("pipeline %s has no steps", p.ID)
	}
	for i := range p.Steps {
		if err := validateTree(&p.Steps[i]); err != nil {
			return fmt.Errorf("pipeline %s step %d: %w", p.ID, i, err)
		}
	}
	if p.Schedule != "" && !e.cron.IsValid(p.Schedule) {
		return fmt.Errorf("pipeline %s: invalid cron expression %q", p.ID, p.Schedule)
	}

	e.mu.Lock()
	e.pipelines[p.ID] = p
	e.mu.Unlock()
	slog.Info("pipeline registered", "pipeline", p.ID, "steps", len(p.Steps), "schedule", p.Schedule)
	return nil
}

func validateTree(s *Step) error {
	if err := s.Validate(); err != nil {
		return err
	}
	for i := range s.Then {
		if err := validateTree(&s.Then[i]); err != nil {
			return err
		}
	}
	for i := range s.Else {
		if err := validateTree(&s.Else[i]); err != nil {
			return err
		}
	}
	return nil
}

// Unregister removes a pipeline definition.
func (e *Engine) Unregister(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pipelines[id]; !ok {
		return false
	}
	delete(e.pipelines, id)
	return true
}

// Get returns a pipeline definition by id.
func (e *Engine) Get(id string) (*Pipeline, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.pipelines[id]
	return p, ok
}

// List returns the registered pipeline ids.
func (e *Engine) List() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.pipelines))
	for id := range e.pipelines {
		out = append(out, id)
	}
	return out
}

// Run executes a registered pipeline with optional extra inputs merged
// over the definition's own.
func (e *Engine) Run(ctx context.Context, id string, inputs map[string]json.RawMessage) (RunResult, error) {
	p, ok := e.Get(id)
	if !ok {
		return RunResult{}, fmt.Errorf("%w: pipeline %q", runtime.ErrNotFound, id)
	}

	merged := map[string]json.RawMessage{}
	for k, v := range p.Inputs {
		merged[k] = v
	}
	for k, v := range inputs {
		merged[k] = v
	}

	return e.runSteps(ctx, p, merged), nil
}

// runSteps executes the pipeline's steps in order, stopping at the first
// failed or errored step. Pipeline success means every step succeeded.
func (e *Engine) runSteps(ctx context.Context, p *Pipeline, inputs map[string]json.RawMessage) RunResult {
	start := time.Now()
	handleID := fmt.Sprintf("%s-%d", p.ID, frame.NextHandle())

	ec := NewExecutionContext(inputs, p.WorkingDir)
	pc := &PipelineContext{
		HandleID: handleID,
		Registry: e.registry,
		Executor: e.executor,
		Bus:      e.bus,
	}

	result := RunResult{PipelineID: p.ID, HandleID: handleID, Success: true}

	for i := range p.Steps {
		step, err := executeStep(ctx, &p.Steps[i], i, ec, pc)
		if err != nil {
			slog.Error("pipeline step error",
				"pipeline", p.ID, "handle", handleID, "step", i, "err", err)
			result.Success = false
			result.Error = err.Error()
			break
		}
		ec.StepResults = append(ec.StepResults, step)
		if !step.Success {
			result.Success = false
			break
		}
	}

	result.Steps = ec.StepResults
	result.DurationMS = time.Since(start).Milliseconds()

	slog.Info("pipeline finished",
		"pipeline", p.ID, "handle", handleID,
		"success", result.Success, "steps", len(result.Steps),
		"duration_ms", result.DurationMS,
	)
	return result
}

// StartScheduler launches the cron loop: every minute, pipelines whose
// schedule is due are run with a fresh handle.
func (e *Engine) StartScheduler() {
	ctx, cancel := context.WithCancel(context.Background())
	e.tickCancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				e.launchDue(ctx, now)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// StopScheduler stops the cron loop and waits for in-flight scheduled runs.
func (e *Engine) StopScheduler() {
	if e.tickCancel != nil {
		e.tickCancel()
	}
	e.wg.Wait()
}

func (e *Engine) launchDue(ctx context.Context, now time.Time) {
	e.mu.RLock()
	var due []*Pipeline
	for _, p := range e.pipelines {
		if p.Schedule == "" {
			continue
		}
		ok, err := e.cron.IsDue(p.Schedule, now)
		if err != nil {
			slog.Warn("cron check failed", "pipeline", p.ID, "err", err)
			continue
		}
		if ok {
			due = append(due, p)
		}
	}
	e.mu.RUnlock()

	for _, p := range due {
		e.wg.Add(1)
		go func(p *Pipeline) {
			defer e.wg.Done()
			slog.Info("launching scheduled pipeline", "pipeline", p.ID)
			result := e.runSteps(ctx, p, p.Inputs)
			payload, _ := json.Marshal(map[string]any{
				"pipeline_id": p.ID,
				"handle_id":   result.HandleID,
				"success":     result.Success,
			})
			e.bus.PublishAsyncOnly("sentinel:"+p.ID+":finished", payload)
		}(p)
	}
}
