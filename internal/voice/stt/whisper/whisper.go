// Package whisper implements the native STT adapter backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/continuumrt/continuum/internal/voice/stt"
)

// Compile-time check.
var _ stt.Adapter = (*Adapter)(nil)

// Adapter runs whisper.cpp in-process. The model is loaded once at
// Initialize and shared; each Transcribe creates its own context because
// whisper contexts are not thread-safe while the model is.
type Adapter struct {
	modelPath string

	mu          sync.Mutex
	model       whisperlib.Model
	language    string
	translate   bool
	initialized bool
}

// Option configures the adapter.
type Option func(*Adapter)

// WithLanguage sets the default recognition language (e.g. "en").
func WithLanguage(lang string) Option {
	return func(a *Adapter) { a.language = lang }
}

// New creates an adapter for the given ggml model file. The model loads on
// Initialize, not here.
func New(modelPath string, opts ...Option) (*Adapter, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	a := &Adapter{modelPath: modelPath, language: "en"}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Name implements stt.Adapter.
func (a *Adapter) Name() string { return "whisper" }

// Description implements stt.Adapter.
func (a *Adapter) Description() string {
	return "whisper.cpp native transcription (in-process, CGO)"
}

// Initialized implements stt.Adapter.
func (a *Adapter) Initialized() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.initialized
}

// Initialize implements stt.Adapter: loads the ggml model.
func (a *Adapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	model, err := whisperlib.New(a.modelPath)
	if err != nil {
		return fmt.Errorf("whisper: load model %q: %w", a.modelPath, err)
	}
	a.model = model
	a.initialized = true
	slog.Info("whisper model loaded", "path", a.modelPath, "duration", time.Since(start))
	return nil
}

// Close releases the model.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.model != nil {
		err := a.model.Close()
		a.model = nil
		a.initialized = false
		return err
	}
	return nil
}

// Transcribe implements stt.Adapter.
func (a *Adapter) Transcribe(ctx context.Context, samples []float32, language string) (stt.Result, error) {
	a.mu.Lock()
	model := a.model
	defaultLang := a.language
	initialized := a.initialized
	a.mu.Unlock()

	if !initialized {
		return stt.Result{}, errors.New("whisper: adapter not initialized")
	}
	if err := ctx.Err(); err != nil {
		return stt.Result{}, err
	}
	if len(samples) == 0 {
		return stt.Result{}, errors.New("whisper: empty audio")
	}

	lang := language
	if lang == "" {
		lang = defaultLang
	}

	// Contexts are cheap relative to inference and not thread-safe, so
	// each call gets its own.
	wctx, err := model.NewContext()
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: set language %q: %w", lang, err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	result := stt.Result{Language: lang}
	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stt.Result{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		parts = append(parts, text)
		result.Segments = append(result.Segments, stt.Segment{
			Text:    text,
			StartMS: segment.Start.Milliseconds(),
			EndMS:   segment.End.Milliseconds(),
		})
	}
	result.Text = strings.Join(parts, " ")
	// whisper.cpp does not report an utterance-level confidence; a
	// non-empty result is treated as confident.
	if result.Text != "" {
		result.Confidence = 0.9
	}
	return result, nil
}

// SupportedLanguages implements stt.Adapter: whisper is multilingual.
func (a *Adapter) SupportedLanguages() []string { return nil }

// GetParam implements stt.Adapter.
func (a *Adapter) GetParam(key string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch key {
	case "language":
		return a.language, true
	case "model_path":
		return a.modelPath, true
	default:
		return "", false
	}
}

// SetParam implements stt.Adapter.
func (a *Adapter) SetParam(key, value string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch key {
	case "language":
		a.language = value
		return nil
	default:
		return fmt.Errorf("whisper: unknown parameter %q", key)
	}
}
