// Package tts defines the text-to-speech adapter interface and registry.
// Adapters synthesise at whatever native rate their engine produces;
// shared audio utilities normalise every result to 16 kHz mono i16 PCM
// before it leaves the pipeline.
package tts

import (
	"context"
	"fmt"
	"sync"

	"github.com/continuumrt/continuum/internal/apperr"
	"github.com/continuumrt/continuum/pkg/audio"
)

// SynthesisResult is one synthesis outcome at the system rate.
type SynthesisResult struct {
	Samples    []int16 `json:"-"`
	SampleRate int     `json:"sample_rate"`
	DurationMS int64   `json:"duration_ms"`
}

// Adapter is a pluggable TTS backend.
type Adapter interface {
	// Name identifies the adapter in the registry.
	Name() string

	// Initialized reports readiness.
	Initialized() bool

	// Initialize loads voices or opens connections.
	Initialize(ctx context.Context) error

	// Synthesize renders text with the given voice, returning 16 kHz mono
	// i16 PCM.
	Synthesize(ctx context.Context, text, voice string) (SynthesisResult, error)

	// AvailableVoices lists voice identifiers.
	AvailableVoices() []string

	// DefaultVoice is used when the caller names none.
	DefaultVoice() string
}

// Normalize converts an adapter's native float32 output to the standard
// SynthesisResult: resample to the system rate, convert to i16 with
// clamping, compute the duration.
func Normalize(samples []float32, nativeRate int) (SynthesisResult, error) {
	if len(samples) == 0 {
		return SynthesisResult{}, fmt.Errorf("cannot normalize empty audio")
	}
	resampled := audio.ResampleSinc(samples, nativeRate, audio.SystemRate)
	pcm := audio.F32ToI16(resampled)
	return SynthesisResult{
		Samples:    pcm,
		SampleRate: audio.SystemRate,
		DurationMS: audio.DurationMS(len(pcm), audio.SystemRate),
	}, nil
}

// Registry holds TTS adapters and tracks the active one.
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
		return nil, fmt.Errorf("%w: tts adapter %q", apperr.ErrNotFound, name)
	}
	return a, nil
}

// Active returns the active adapter.
func (r *Registry) Active() (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == "" {
		return nil, fmt.Errorf("%w: no tts adapter registered", apperr.ErrNotFound)
	}
	return r.adapters[r.active], nil
}

// SetActive switches the active adapter.
func (r *Registry) SetActive(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[name]; !ok {
		return fmt.Errorf("%w: tts adapter %q", apperr.ErrNotFound, name)
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
