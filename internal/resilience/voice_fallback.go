package resilience

import (
	"context"

	"github.com/continuumrt/continuum/internal/voice/stt"
	"github.com/continuumrt/continuum/internal/voice/tts"
)

// STTFallback wraps a primary STT adapter and zero or more fallbacks with
// per-adapter circuit breakers, so a failing transcription backend is
// bypassed in favour of the next healthy one.
type STTFallback struct {
	group *FallbackGroup[stt.Adapter]
}

// NewSTTFallback creates a group with primary as the first entry.
func NewSTTFallback(primary stt.Adapter, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primary.Name(), cfg)}
}

// AddFallback appends a fallback adapter.
func (f *STTFallback) AddFallback(adapter stt.Adapter) {
	f.group.AddFallback(adapter.Name(), adapter)
}

// Transcribe tries each adapter in order until one succeeds.
func (f *STTFallback) Transcribe(ctx context.Context, samples []float32, language string) (stt.Result, error) {
	var result stt.Result
	err := f.group.Execute(func(adapter stt.Adapter) error {
		var err error
		result, err = adapter.Transcribe(ctx, samples, language)
		return err
	})
	return result, err
}

// TTSFallback wraps a primary TTS adapter and fallbacks the same way.
type TTSFallback struct {
	group *FallbackGroup[tts.Adapter]
}

// NewTTSFallback creates a group with primary as the first entry.
func NewTTSFallback(primary tts.Adapter, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(primary, primary.Name(), cfg)}
}

// AddFallback appends a fallback adapter.
func (f *TTSFallback) AddFallback(adapter tts.Adapter) {
	f.group.AddFallback(adapter.Name(), adapter)
}

// Synthesize tries each adapter in order until one succeeds.
func (f *TTSFallback) Synthesize(ctx context.Context, text, voiceName string) (tts.SynthesisResult, error) {
	var result tts.SynthesisResult
	err := f.group.Execute(func(adapter tts.Adapter) error {
		var err error
		result, err = adapter.Synthesize(ctx, text, voiceName)
		return err
	})
	return result, err
}
