package inference

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/continuumrt/continuum/internal/runtime"
)

// PoolRequest is one unit of work for the pool.
type PoolRequest struct {
	Prompt      string
	MaxTokens   int
	Temperature float64
	// Response receives at most one PoolResponse. Workers send without
	// blocking and discard the result when the channel cannot take it at
	// once; the channel the pool creates per request has room for one.
	Response chan PoolResponse
}

// PoolResponse is one generation outcome. Error is set on model-level
// failures; the worker itself never dies.
type PoolResponse struct {
	Text       string `json:"text"`
	Tokens     int    `json:"tokens"`
	DurationMS int64  `json:"duration_ms"`
	WorkerID   int    `json:"worker_id"`
	Error      string `json:"error,omitempty"`
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Workers         int    `json:"workers"`
	Completed       uint64 `json:"completed"`
	Pending         uint64 `json:"pending"`
	TotalTokens     uint64 `json:"total_tokens"`
	TotalInferenceMS uint64 `json:"total_inference_ms"`
}

// BackendFactory builds one backend instance for a worker.
type BackendFactory func(workerID int) (Backend, error)

// Pool runs N workers, each owning its backend instance (backends are
// single-threaded within). The request channel is bounded at 2·N and a
// semaphore of N permits provides backpressure: submitters acquire before
// enqueuing, workers release after processing.
type Pool struct {
	requests chan PoolRequest
	permits  *semaphore.Weighted
	workers  int

	completed        atomic.Uint64
	pending          atomic.Uint64
	totalTokens      atomic.Uint64
	totalInferenceMS atomic.Uint64
}

// NewPool creates the pool and starts its workers. Each worker loads its
// model before serving; a worker whose model fails to load exits and logs,
// shrinking effective capacity rather than failing the pool.
func NewPool(ctx context.Context, numWorkers int, factory BackendFactory) *Pool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	p := &Pool{
		requests: make(chan PoolRequest, numWorkers*2),
		permits:  semaphore.NewWeighted(int64(numWorkers)),
		workers:  numWorkers,
	}

	for id := range numWorkers {
		go p.workerLoop(ctx, id, factory)
	}
	return p
}

func (p *Pool) workerLoop(ctx context.Context, id int, factory BackendFactory) {
	loadStart := time.Now()
	backend, err := factory(id)
	if err != nil {
		slog.Error("worker failed to load model", "worker", id, "err", err)
		return
	}
	slog.Info("worker ready",
		"worker", id,
		"model", backend.ModelID(),
		"format", backend.Format(),
		"context_length", backend.ContextLength(),
		"load_duration", time.Since(loadStart),
	)

	for {
		var req PoolRequest
		select {
		case req = <-p.requests:
		case <-ctx.Done():
			slog.Info("worker shutting down", "worker", id)
			return
		}

		p.pending.Add(1)
		resp := p.serve(backend, id, req)
		p.pending.Add(^uint64(0))
		p.completed.Add(1)

		// Non-blocking send: a result the channel cannot take is discarded.
		select {
		case req.Response <- resp:
		default:
			slog.Debug("caller gone, discarding result", "worker", id)
		}

		p.permits.Release(1)
	}
}

func (p *Pool) serve(backend Backend, workerID int, req PoolRequest) PoolResponse {
	// Each request starts from a clean cache; the backend is exclusive to
	// this worker so there is no contention here.
	if err := backend.ClearCache(); err != nil {
		return PoolResponse{WorkerID: workerID, Error: fmt.Sprintf("clear cache: %v", err)}
	}

	result, err := Generate(backend, GenerateRequest{
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return PoolResponse{WorkerID: workerID, Error: err.Error()}
	}

	p.totalTokens.Add(uint64(result.Tokens))
	p.totalInferenceMS.Add(uint64(result.DurationMS))
	return PoolResponse{
		Text:       result.Text,
		Tokens:     result.Tokens,
		DurationMS: result.DurationMS,
		WorkerID:   workerID,
	}
}

// Submit enqueues a request, blocking on the worker semaphore for
// backpressure, and returns the response channel. The permit is released
// by the worker after processing, not here.
func (p *Pool) Submit(ctx context.Context, prompt string, maxTokens int, temperature float64) (<-chan PoolResponse, error) {
	if err := p.permits.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire worker: %w", err)
	}

	response := make(chan PoolResponse, 1)
	req := PoolRequest{
		Prompt:      prompt,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Response:    response,
	}

	// A held permit guarantees a free slot in the 2·N channel; the default
	// arm is the safety valve for a broken invariant, surfaced as typed
	// exhaustion rather than a deadlock.
	select {
	case p.requests <- req:
		return response, nil
	default:
		p.permits.Release(1)
		return nil, fmt.Errorf("%w: inference queue", runtime.ErrQueueFull)
	}
}

// Stats returns a counter snapshot.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Workers:          p.workers,
		Completed:        p.completed.Load(),
		Pending:          p.pending.Load(),
		TotalTokens:      p.totalTokens.Load(),
		TotalInferenceMS: p.totalInferenceMS.Load(),
	}
}
