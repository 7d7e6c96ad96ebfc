package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/continuumrt/continuum/internal/runtime"
	"github.com/continuumrt/continuum/internal/voice/stt"
	"github.com/continuumrt/continuum/internal/voice/tts"
	"github.com/continuumrt/continuum/pkg/audio"
)

// mockSTT returns a fixed transcript for any audio.
type mockSTT struct{ text string }

func (m *mockSTT) Name() string                     { return "mock-stt" }
func (m *mockSTT) Description() string              { return "test transcriber" }
func (m *mockSTT) Initialized() bool                { return true }
func (m *mockSTT) Initialize(context.Context) error { return nil }
func (m *mockSTT) SupportedLanguages() []string     { return nil }
func (m *mockSTT) GetParam(string) (string, bool)   { return "", false }
func (m *mockSTT) SetParam(string, string) error    { return nil }

func (m *mockSTT) Transcribe(_ context.Context, samples []float32, _ string) (stt.Result, error) {
	return stt.Result{Text: m.text, Language: "en", Confidence: 1}, nil
}

// mockTTS emits a fixed tone.
type mockTTS struct{}

func (m *mockTTS) Name() string                     { return "mock-tts" }
func (m *mockTTS) Initialized() bool                { return true }
func (m *mockTTS) Initialize(context.Context) error { return nil }
func (m *mockTTS) AvailableVoices() []string        { return []string{"test-voice"} }
func (m *mockTTS) DefaultVoice() string             { return "test-voice" }

func (m *mockTTS) Synthesize(_ context.Context, text, _ string) (tts.SynthesisResult, error) {
	samples := make([]int16, 1600)
	for i := range samples {
		samples[i] = int16(i % 100)
	}
	return tts.SynthesisResult{Samples: samples, SampleRate: audio.SystemRate, DurationMS: 100}, nil
}

// failingSTT always errors, for fallback-path tests.
type failingSTT struct{}

func (f *failingSTT) Name() string                     { return "failing-stt" }
func (f *failingSTT) Description() string              { return "always errors" }
func (f *failingSTT) Initialized() bool                { return true }
func (f *failingSTT) Initialize(context.Context) error { return nil }
func (f *failingSTT) SupportedLanguages() []string     { return nil }
func (f *failingSTT) GetParam(string) (string, bool)   { return "", false }
func (f *failingSTT) SetParam(string, string) error    { return nil }

func (f *failingSTT) Transcribe(context.Context, []float32, string) (stt.Result, error) {
	return stt.Result{}, errors.New("backend down")
}

// blockingSTT waits for its context to end, reporting what it observed.
type blockingSTT struct {
	started  chan struct{}
	observed chan error
}

func (b *blockingSTT) Name() string                     { return "blocking-stt" }
func (b *blockingSTT) Description() string              { return "blocks until cancelled" }
func (b *blockingSTT) Initialized() bool                { return true }
func (b *blockingSTT) Initialize(context.Context) error { return nil }
func (b *blockingSTT) SupportedLanguages() []string     { return nil }
func (b *blockingSTT) GetParam(string) (string, bool)   { return "", false }
func (b *blockingSTT) SetParam(string, string) error    { return nil }

func (b *blockingSTT) Transcribe(ctx context.Context, _ []float32, _ string) (stt.Result, error) {
	close(b.started)
	<-ctx.Done()
	b.observed <- ctx.Err()
	return stt.Result{}, ctx.Err()
}

func newTestModule(t *testing.T) *Module {
	t.Helper()
	sttReg := stt.NewRegistry()
	sttReg.Register(&mockSTT{text: "hello from the mock"})
	ttsReg := tts.NewRegistry()
	ttsReg.Register(&mockTTS{})

	m := NewModule(sttReg, ttsReg, nil)
	rt := runtime.New()
	if err := m.Initialize(context.Background(), &runtime.Context{Bus: rt.Bus(), Registry: rt.Registry()}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return m
}

func call(t *testing.T, m *Module, cmd string, params map[string]any) (runtime.Result, error) {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return m.HandleCommand(context.Background(), cmd, raw)
}

func openTestHandle(t *testing.T, m *Module) int {
	t.Helper()
	call(t, m, "voice/session-register", map[string]any{
		"session_id": "s1",
		"participants": []map[string]any{
			{"user_id": "alice", "display_name": "Alice"},
			{"user_id": "aria", "display_name": "Aria", "is_persona": true, "model_id": "local-gguf"},
		},
	})
	res, err := call(t, m, "voice/handle-open", map[string]any{
		"session_id": "s1", "user_id": "alice",
	})
	if err != nil {
		t.Fatalf("handle-open: %v", err)
	}
	var out struct {
		Handle int `json:"handle"`
	}
	json.Unmarshal(res.JSON, &out)
	if out.Handle == 0 {
		t.Fatal("no handle returned")
	}
	return out.Handle
}

func TestHandleLifecycle(t *testing.T) {
	t.Parallel()

	m := newTestModule(t)
	h := openTestHandle(t, m)

	if _, err := call(t, m, "voice/handle-close", map[string]any{"handle": h}); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := call(t, m, "voice/handle-close", map[string]any{"handle": h}); err == nil {
		t.Fatal("double close must report not-found")
	}
	if _, err := call(t, m, "voice/push-audio", map[string]any{
		"handle": h, "pcm": "",
	}); err == nil {
		t.Fatal("push to a closed handle must fail")
	}
}

func TestPushAudioMonotoneTimestamps(t *testing.T) {
	t.Parallel()

	m := newTestModule(t)
	h := openTestHandle(t, m)
	pcm := base64.StdEncoding.EncodeToString(audio.I16ToBytes(make([]int16, 512)))

	if _, err := call(t, m, "voice/push-audio", map[string]any{
		"handle": h, "pcm": pcm, "timestamp_us": 1000,
	}); err != nil {
		t.Fatalf("first push: %v", err)
	}
	if _, err := call(t, m, "voice/push-audio", map[string]any{
		"handle": h, "pcm": pcm, "timestamp_us": 2000,
	}); err != nil {
		t.Fatalf("second push: %v", err)
	}
	if _, err := call(t, m, "voice/push-audio", map[string]any{
		"handle": h, "pcm": pcm, "timestamp_us": 1500,
	}); err == nil || !strings.Contains(err.Error(), "non-monotone") {
		t.Fatalf("want monotone-timestamp error, got %v", err)
	}
}

func TestSynthesizeReturnsBinary(t *testing.T) {
	t.Parallel()

	m := newTestModule(t)
	res, err := call(t, m, "voice/synthesize", map[string]any{
		"text": "hello there", "persona_id": "aria",
	})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if !res.IsBinary() {
		t.Fatal("synthesize must return a binary result")
	}
	var meta struct {
		SampleRate  int `json:"sample_rate"`
		SampleCount int `json:"sample_count"`
	}
	if err := json.Unmarshal(res.Meta, &meta); err != nil {
		t.Fatalf("meta: %v", err)
	}
	if meta.SampleRate != audio.SystemRate {
		t.Fatalf("sample rate: %d", meta.SampleRate)
	}
	if len(res.Binary) != meta.SampleCount*2 {
		t.Fatalf("binary size %d does not match %d samples", len(res.Binary), meta.SampleCount)
	}
}

func TestVADFeedbackCommand(t *testing.T) {
	t.Parallel()

	m := newTestModule(t)
	h := openTestHandle(t, m)

	res, err := call(t, m, "voice/vad-feedback", map[string]any{
		"handle": h, "kind": "false_positive",
	})
	if err != nil {
		t.Fatalf("feedback: %v", err)
	}
	var out struct {
		Threshold float64 `json:"threshold"`
	}
	json.Unmarshal(res.JSON, &out)
	if out.Threshold <= 0 {
		t.Fatalf("threshold not reported: %+v", out)
	}

	if _, err := call(t, m, "voice/vad-feedback", map[string]any{
		"handle": h, "kind": "wat",
	}); err == nil {
		t.Fatal("unknown feedback kind must fail")
	}
}

// The fallback group must route around a failing primary: with
// "failing-stt" active and the healthy mock registered as fallback, a
// continuous-mode chunk still transcribes.
func TestSTTFallbackBypassesFailingPrimary(t *testing.T) {
	t.Parallel()

	sttReg := stt.NewRegistry()
	sttReg.Register(&failingSTT{}) // first registered → active primary
	sttReg.Register(&mockSTT{text: "rescued by fallback"})
	ttsReg := tts.NewRegistry()
	ttsReg.Register(&mockTTS{})

	m := NewModule(sttReg, ttsReg, nil)
	rt := runtime.New()
	if err := m.Initialize(context.Background(), &runtime.Context{Bus: rt.Bus(), Registry: rt.Registry()}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	h := openTestHandle(t, m)

	// One full sliding-buffer interval makes the continuous path extract
	// and transcribe a chunk.
	pcm := base64.StdEncoding.EncodeToString(audio.I16ToBytes(make([]int16, transcriptionInterval)))
	res, err := call(t, m, "voice/push-audio", map[string]any{
		"handle": h, "pcm": pcm, "continuous": true,
	})
	if err != nil {
		t.Fatalf("push-audio: %v", err)
	}
	var out struct {
		Partial string `json:"partial"`
	}
	json.Unmarshal(res.JSON, &out)
	if out.Partial != "rescued by fallback" {
		t.Fatalf("fallback adapter did not serve: %s", res.JSON)
	}
}

// Closing a handle cancels its context, which aborts in-flight STT.
func TestHandleCloseCancelsInFlightTranscription(t *testing.T) {
	t.Parallel()

	blocking := &blockingSTT{started: make(chan struct{}), observed: make(chan error, 1)}
	sttReg := stt.NewRegistry()
	sttReg.Register(blocking)
	ttsReg := tts.NewRegistry()
	ttsReg.Register(&mockTTS{})

	m := NewModule(sttReg, ttsReg, nil)
	rt := runtime.New()
	if err := m.Initialize(context.Background(), &runtime.Context{Bus: rt.Bus(), Registry: rt.Registry()}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	h := openTestHandle(t, m)

	pcm := base64.StdEncoding.EncodeToString(audio.I16ToBytes(make([]int16, transcriptionInterval)))
	pushDone := make(chan struct{})
	go func() {
		defer close(pushDone)
		call(t, m, "voice/push-audio", map[string]any{
			"handle": h, "pcm": pcm, "continuous": true,
		})
	}()

	select {
	case <-blocking.started:
	case <-time.After(2 * time.Second):
		t.Fatal("transcription never started")
	}

	if _, err := call(t, m, "voice/handle-close", map[string]any{"handle": h}); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case err := <-blocking.observed:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("in-flight STT should observe cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight STT was not cancelled by handle close")
	}
	select {
	case <-pushDone:
	case <-time.After(2 * time.Second):
		t.Fatal("push did not return after cancellation")
	}
}

func TestAdapterListing(t *testing.T) {
	t.Parallel()

	m := newTestModule(t)
	res, err := call(t, m, "voice/adapters", nil)
	if err != nil {
		t.Fatalf("adapters: %v", err)
	}
	var out map[string][]string
	json.Unmarshal(res.JSON, &out)
	if fmt.Sprint(out["stt"]) != "[mock-stt]" || fmt.Sprint(out["tts"]) != "[mock-tts]" {
		t.Fatalf("unexpected adapters: %v", out)
	}

	if _, err := call(t, m, "voice/set-adapter", map[string]any{"kind": "stt", "name": "missing"}); err == nil {
		t.Fatal("unknown adapter must fail")
	}
}
