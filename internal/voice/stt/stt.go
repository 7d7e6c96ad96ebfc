// Package stt defines the speech-to-text adapter interface and registry.
// Input is 16 kHz mono float32 in [-1, 1]; helpers in pkg/audio convert
// i16 PCM and resample foreign rates.
package stt

import (
	"context"
	"fmt"
	"sync"

	"github.com/continuumrt/continuum/internal/apperr"
)

// Segment is one timed span of a transcription.
type Segment struct {
	Text    string  `json:"text"`
	StartMS int64   `json:"start_ms"`
	EndMS   int64   `json:"end_ms"`
	Score   float64 `json:"score,omitempty"`
}

// Result is one transcription outcome.
type Result struct {
	Text       string    `json:"text"`
	Language   string    `json:"language"`
	Confidence float64   `json:"confidence"`
	Segments   []Segment `json:"segments,omitempty"`
}

// Adapter is a pluggable STT backend.
type Adapter interface {
	// Name identifies the adapter in the registry.
	Name() string

	// Description is a one-line human description.
	Description() string

	// Initialized reports readiness.
	Initialized() bool

	// Initialize loads models or opens connections.
	Initialize(ctx context.Context) error

	// Transcribe recognises 16 kHz mono float32 samples. An empty language
	// requests auto-detection when the adapter supports it.
	Transcribe(ctx context.Context, samples []float32, language string) (Result, error)

	// SupportedLanguages lists BCP-47 codes, or nil for "any".
	SupportedLanguages() []string

	// GetParam reads an adapter-specific tunable.
	GetParam(key string) (string, bool)

	// SetParam writes an adapter-specific tunable.
	SetParam(key, value string) error
}

// Registry holds STT adapters and tracks the active one.
//
// Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	active   string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: map[string]Adapter{}}
}

// Register adds an adapter. The first registered adapter becomes active.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
	if r.active == "" {
		r.active = a.Name()
	}
}

// Get returns an adapter by name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: stt adapter %q", apperr.ErrNotFound, name)
	}
	return a, nil
}

// Active returns the active adapter.
func (r *Registry) Active() (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == "" {
		return nil, fmt.Errorf("%w: no stt adapter registered", apperr.ErrNotFound)
	}
	return r.adapters[r.active], nil
}

// SetActive switches the active adapter.
func (r *Registry) SetActive(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[name]; !ok {
		return fmt.Errorf("%w: stt adapter %q", apperr.ErrNotFound, name)
	}
	r.active = name
	return nil
}

// Names lists registered adapter names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	return out
}
