// Package inference provides the model backend abstraction: a uniform
// load/prefill/forward/decode capability set over quantized GGUF and
// full-precision safetensors checkpoints, with stackable LoRA on the
// full-precision path, plus the worker pool that owns backend instances
// and a hosted-provider escape hatch.
package inference

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/continuumrt/continuum/internal/runtime"
)

// ModelFormat discriminates backend weight formats.
type ModelFormat string

const (
	FormatGGUF        ModelFormat = "gguf"
	FormatSafetensors ModelFormat = "safetensors"
)

// LoRAAdapter is one low-rank correction applied per targeted layer as
// W' = W + scale·(B·A).
type LoRAAdapter struct {
	AdapterID string  `json:"adapter_id"`
	Path      string  `json:"path"`
	Scale     float32 `json:"scale"`
	Active    bool    `json:"active"`
}

// Backend is the uniform capability set over all LLM backends. Backends
// are not shared: each worker owns its instance and is single-threaded
// within it.
type Backend interface {
	// ModelID names the loaded checkpoint.
	ModelID() string

	// Architecture reports the model family as declared by the file.
	Architecture() string

	// ContextLength is read from the model file, never hard-coded.
	ContextLength() int

	// EOSTokenIDs lists every end-of-sequence token the file declares.
	EOSTokenIDs() []int

	// Format reports the weight format.
	Format() ModelFormat

	// Prefill runs the prompt tokens through the network, filling the KV
	// cache, and returns the logits after the final token.
	Prefill(tokens []int) ([]float32, error)

	// Forward runs one token at the given position and returns the logits.
	Forward(token, position int) ([]float32, error)

	// ClearCache resets the KV cache so a fresh prompt can be prefilled.
	ClearCache() error

	// Tokenize converts text to token ids.
	Tokenize(text string) ([]int, error)

	// Decode converts token ids back to text.
	Decode(tokens []int) (string, error)

	// SupportsLoRA reports whether the backend can apply adapters.
	SupportsLoRA() bool

	// RebuildWithLoRA recomposes the model from the base weights plus the
	// ordered adapter list. Backends without LoRA support return an error.
	RebuildWithLoRA(adapters []LoRAAdapter) error

	// ReloadBase reconstructs the model from the base weights only.
	ReloadBase() error
}

// GenerateRequest drives one generation.
type GenerateRequest struct {
	Prompt      string
	MaxTokens   int
	Temperature float64
	// Seed makes sampling reproducible; zero seeds from the clock.
	Seed int64
}

// GenerateResult is the outcome of one generation.
type GenerateResult struct {
	Text       string `json:"text"`
	Tokens     int    `json:"tokens"`
	DurationMS int64  `json:"duration_ms"`
}

// Generate is the shared generation loop over any backend: tokenize →
// prefill → sample → append, stopping on a declared EOS token, on
// MaxTokens, or with [runtime.ErrContextOverflow] when prompt plus
// generation would exceed the model's context length. Overflow is an
// error, never a silent truncation.
func Generate(backend Backend, req GenerateRequest) (GenerateResult, error) {
	start := time.Now()

	promptTokens, err := backend.Tokenize(req.Prompt)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("tokenize: %w", err)
	}
	if len(promptTokens) == 0 {
		return GenerateResult{}, errors.New("empty prompt after tokenization")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 256
	}
	if len(promptTokens)+maxTokens > backend.ContextLength() {
		return GenerateResult{}, fmt.Errorf("%w: prompt %d + max %d > context %d",
			runtime.ErrContextOverflow, len(promptTokens), maxTokens, backend.ContextLength())
	}

	seed := req.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	eos := map[int]bool{}
	for _, id := range backend.EOSTokenIDs() {
		eos[id] = true
	}

	logits, err := backend.Prefill(promptTokens)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("prefill: %w", err)
	}

	var generated []int
	pos := len(promptTokens)
	for len(generated) < maxTokens {
		next := sampleToken(logits, req.Temperature, rng)
		if eos[next] {
			break
		}
		generated = append(generated, next)

		logits, err = backend.Forward(next, pos)
		if err != nil {
			return GenerateResult{}, fmt.Errorf("forward at %d: %w", pos, err)
		}
		pos++
	}

	text, err := backend.Decode(generated)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("decode: %w", err)
	}
	return GenerateResult{
		Text:       text,
		Tokens:     len(generated),
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}
