package inference

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/continuumrt/continuum/internal/runtime"
)

// ── tokenizer ────────────────────────────────────────────────────────────────

func testVocab() []string {
	vocab := []string{"<s>", "</s>"}
	for b := range 256 {
		vocab = append(vocab, fmt.Sprintf("<0x%02X>", b))
	}
	vocab = append(vocab,
		spSpace+"hello", spSpace+"world", spSpace+"the", "he", "llo", spSpace, "a", "b", "c",
	)
	return vocab
}

func TestTokenizerRoundTrip(t *testing.T) {
	t.Parallel()

	tok := NewVocabTokenizer(testVocab(), 0)
	ids, err := tok.Encode("hello world")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(ids) == 0 || ids[0] != 0 {
		t.Fatalf("BOS not prepended: %v", ids)
	}
	text, err := tok.Decode(ids[1:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("round trip: want %q, got %q", "hello world", text)
	}
}

func TestTokenizerGreedyLongestMatch(t *testing.T) {
	t.Parallel()

	tok := NewVocabTokenizer(testVocab(), -1)
	ids, err := tok.Encode("hello")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// "▁hello" exists as one token; greedy matching must take it whole.
	if len(ids) != 1 {
		t.Fatalf("want single token for ▁hello, got %d tokens", len(ids))
	}
}

func TestTokenizerByteFallback(t *testing.T) {
	t.Parallel()

	tok := NewVocabTokenizer(testVocab(), -1)
	ids, err := tok.Encode("xyz!")
	if err != nil {
		t.Fatalf("byte fallback should cover unknown text: %v", err)
	}
	text, err := tok.Decode(ids)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if text != "xyz!" {
		t.Fatalf("want %q, got %q", "xyz!", text)
	}
}

// ── sampling ─────────────────────────────────────────────────────────────────

func TestSampleTokenGreedy(t *testing.T) {
	t.Parallel()

	logits := []float32{0.1, 2.5, -1.0, 2.4}
	if got := sampleToken(logits, 0, rand.New(rand.NewSource(1))); got != 1 {
		t.Fatalf("greedy should pick argmax 1, got %d", got)
	}
}

func TestSampleTokenTemperatureIsReproducible(t *testing.T) {
	t.Parallel()

	logits := []float32{1, 2, 3, 4}
	a := sampleToken(logits, 0.8, rand.New(rand.NewSource(7)))
	b := sampleToken(logits, 0.8, rand.New(rand.NewSource(7)))
	if a != b {
		t.Fatalf("same seed must sample the same token: %d vs %d", a, b)
	}
}

// ── generation loop over a scripted backend ──────────────────────────────────

// scriptBackend emits a fixed token sequence.
type scriptBackend struct {
	script  []int
	pos     int
	ctxLen  int
	eos     []int
	cleared int
}

func (s *scriptBackend) ModelID() string      { return "script" }
func (s *scriptBackend) Architecture() string { return "llama" }
func (s *scriptBackend) ContextLength() int   { return s.ctxLen }
func (s *scriptBackend) EOSTokenIDs() []int   { return s.eos }
func (s *scriptBackend) Format() ModelFormat  { return FormatGGUF }

func (s *scriptBackend) logitsFor(next int) []float32 {
	logits := make([]float32, 64)
	logits[next] = 10
	return logits
}

func (s *scriptBackend) Prefill(tokens []int) ([]float32, error) {
	return s.nextLogits(), nil
}

func (s *scriptBackend) Forward(token, position int) ([]float32, error) {
	return s.nextLogits(), nil
}

func (s *scriptBackend) nextLogits() []float32 {
	if s.pos >= len(s.script) {
		return s.logitsFor(1) // EOS
	}
	out := s.logitsFor(s.script[s.pos])
	s.pos++
	return out
}

func (s *scriptBackend) ClearCache() error {
	s.cleared++
	s.pos = 0
	return nil
}

func (s *scriptBackend) Tokenize(text string) ([]int, error) {
	return make([]int, len(strings.Fields(text))), nil
}

func (s *scriptBackend) Decode(tokens []int) (string, error) {
	parts := make([]string, len(tokens))
	for i, tok := range tokens {
		parts[i] = fmt.Sprintf("t%d", tok)
	}
	return strings.Join(parts, " "), nil
}

func (s *scriptBackend) SupportsLoRA() bool                  { return false }
func (s *scriptBackend) RebuildWithLoRA([]LoRAAdapter) error { return errors.New("unsupported") }
func (s *scriptBackend) ReloadBase() error                   { return nil }

func TestGenerateStopsAtEOS(t *testing.T) {
	t.Parallel()

	backend := &scriptBackend{script: []int{5, 6, 7, 1}, ctxLen: 128, eos: []int{1}}
	result, err := Generate(backend, GenerateRequest{Prompt: "hi there", MaxTokens: 32})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if result.Tokens != 3 {
		t.Fatalf("want 3 tokens before EOS, got %d", result.Tokens)
	}
	if result.Text != "t5 t6 t7" {
		t.Fatalf("unexpected text %q", result.Text)
	}
}

func TestGenerateStopsAtMaxTokens(t *testing.T) {
	t.Parallel()

	backend := &scriptBackend{script: []int{5, 5, 5, 5, 5, 5, 5, 5}, ctxLen: 128, eos: []int{1}}
	result, err := Generate(backend, GenerateRequest{Prompt: "hi", MaxTokens: 4})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if result.Tokens != 4 {
		t.Fatalf("want 4 tokens at cap, got %d", result.Tokens)
	}
}

func TestGenerateRejectsContextOverflow(t *testing.T) {
	t.Parallel()

	backend := &scriptBackend{ctxLen: 8, eos: []int{1}}
	_, err := Generate(backend, GenerateRequest{Prompt: "one two three four five six", MaxTokens: 16})
	if !errors.Is(err, runtime.ErrContextOverflow) {
		t.Fatalf("want ErrContextOverflow, got %v", err)
	}
}

// ── worker pool ──────────────────────────────────────────────────────────────

func TestPoolServesAndCounts(t *testing.T) {
	t.Parallel()

	factory := func(id int) (Backend, error) {
		return &scriptBackend{script: []int{3, 4, 1}, ctxLen: 128, eos: []int{1}}, nil
	}
	pool := NewPool(context.Background(), 2, factory)

	response, err := pool.Submit(context.Background(), "a prompt", 16, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case resp := <-response:
		if resp.Error != "" {
			t.Fatalf("response error: %s", resp.Error)
		}
		if resp.Tokens != 2 {
			t.Fatalf("want 2 tokens, got %d", resp.Tokens)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not respond")
	}

	stats := pool.Stats()
	if stats.Completed != 1 || stats.Workers != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestPoolErrorsDoNotKillWorkers(t *testing.T) {
	t.Parallel()

	factory := func(id int) (Backend, error) {
		return &scriptBackend{ctxLen: 4, eos: []int{1}}, nil
	}
	pool := NewPool(context.Background(), 1, factory)

	// Overflow the context: worker must answer with an error field.
	response, err := pool.Submit(context.Background(), "one two three four five", 16, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	resp := <-response
	if resp.Error == "" {
		t.Fatal("want model-level error in response")
	}

	// The worker is still alive and serves the next request.
	response, err = pool.Submit(context.Background(), "ok", 2, 0)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	select {
	case resp = <-response:
	case <-time.After(5 * time.Second):
		t.Fatal("worker died after error")
	}
	if resp.Error != "" {
		t.Fatalf("second request should succeed: %s", resp.Error)
	}
}
