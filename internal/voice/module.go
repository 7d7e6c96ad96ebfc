package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/continuumrt/continuum/internal/observe"
	"github.com/continuumrt/continuum/internal/resilience"
	"github.com/continuumrt/continuum/internal/runtime"
	"github.com/continuumrt/continuum/internal/voice/stt"
	"github.com/continuumrt/continuum/internal/voice/tts"
	"github.com/continuumrt/continuum/internal/voice/vad"
	"github.com/continuumrt/continuum/pkg/audio"
	"github.com/continuumrt/continuum/pkg/frame"
	"github.com/continuumrt/continuum/pkg/ring"
)

// Per-handle sliding buffer tuning at 16 kHz: 1.5 s chunks with 0.5 s
// context overlap.
const (
	transcriptionInterval = 24000
	contextOverlap        = 8000
	frameRingCapacity     = 64
)

// handleState is everything owned by one participant handle. Closing the
// handle cancels ctx — which aborts in-flight transcription and rejects
// further pushes — and releases the ring.
type handleState struct {
	handle    frame.Handle
	sessionID string
	userID    string

	// ctx lives as long as the handle; every STT call for this handle
	// runs under it so a close drops in-flight work.
	ctx    context.Context
	cancel context.CancelFunc

	ring  *ring.Ring[frame.AudioFrame]
	vad   *vad.ProductionVAD
	slide *SlidingBuffer

	mu            sync.Mutex
	lastTimestamp int64
}

// Module is the voice IPC surface: session registry, per-handle pipelines,
// STT/TTS adapter registries, the mixer, and VAD feedback.
//
// Commands:
//   - voice/session-register, voice/session-unregister
//   - voice/handle-open, voice/handle-close
//   - voice/push-audio: base64 PCM in, utterances out via bus + mixer
//   - voice/synthesize: text in, binary PCM out
//   - voice/vad-feedback: adaptive threshold nudges
//   - voice/adapters, voice/set-adapter
type Module struct {
	sttRegistry  *stt.Registry
	ttsRegistry  *tts.Registry
	mixer        *Mixer
	orchestrator *Orchestrator
	metrics      *observe.Metrics

	bus      *runtime.Bus
	registry *runtime.Registry

	mu      sync.Mutex
	handles map[frame.Handle]*handleState
	// Fallback groups wrap the active adapter plus the remaining
	// registered ones with per-adapter circuit breakers; rebuilt when the
	// active adapter changes.
	sttFallback *resilience.STTFallback
	ttsFallback *resilience.TTSFallback
}

// NewModule creates the voice module over the given adapter registries.
func NewModule(sttRegistry *stt.Registry, ttsRegistry *tts.Registry, metrics *observe.Metrics) *Module {
	return &Module{
		sttRegistry:  sttRegistry,
		ttsRegistry:  ttsRegistry,
		mixer:        NewMixer(),
		orchestrator: NewOrchestrator(),
		metrics:      metrics,
		handles:      map[frame.Handle]*handleState{},
	}
}

// Mixer exposes the mixer to in-process consumers (the SFU bridge).
func (m *Module) Mixer() *Mixer { return m.mixer }

// Config implements runtime.Module.
func (m *Module) Config() runtime.ModuleConfig {
	return runtime.ModuleConfig{
		Name:            "voice",
		Priority:        runtime.PriorityCritical,
		CommandPrefixes: []string{"voice/"},
		// Audio frames from many handles arrive concurrently.
		MaxConcurrency:       8,
		NeedsDedicatedThread: true,
	}
}

// Initialize implements runtime.Module: initialises the registered
// adapters and keeps the bus for utterance events.
func (m *Module) Initialize(ctx context.Context, rt *runtime.Context) error {
	m.bus = rt.Bus
	m.registry = rt.Registry
	for _, name := range m.sttRegistry.Names() {
		adapter, _ := m.sttRegistry.Get(name)
		if adapter.Initialized() {
			continue
		}
		if err := adapter.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize stt adapter %s: %w", name, err)
		}
	}
	for _, name := range m.ttsRegistry.Names() {
		adapter, _ := m.ttsRegistry.Get(name)
		if adapter.Initialized() {
			continue
		}
		if err := adapter.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize tts adapter %s: %w", name, err)
		}
	}
	m.rebuildFallbacks()
	return nil
}

// rebuildFallbacks recreates the STT/TTS fallback groups: the active
// adapter is the primary, every other registered adapter is a fallback
// tried in name order when the primary fails or its breaker is open.
func (m *Module) rebuildFallbacks() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sttFallback = nil
	if primary, err := m.sttRegistry.Active(); err == nil {
		group := resilience.NewSTTFallback(primary, resilience.FallbackConfig{})
		names := m.sttRegistry.Names()
		sort.Strings(names)
		for _, name := range names {
			if name == primary.Name() {
				continue
			}
			adapter, _ := m.sttRegistry.Get(name)
			group.AddFallback(adapter)
		}
		m.sttFallback = group
	}

	m.ttsFallback = nil
	if primary, err := m.ttsRegistry.Active(); err == nil {
		group := resilience.NewTTSFallback(primary, resilience.FallbackConfig{})
		names := m.ttsRegistry.Names()
		sort.Strings(names)
		for _, name := range names {
			if name == primary.Name() {
				continue
			}
			adapter, _ := m.ttsRegistry.Get(name)
			group.AddFallback(adapter)
		}
		m.ttsFallback = group
	}
}

func (m *Module) sttGroup() (*resilience.STTFallback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sttFallback == nil {
		return nil, fmt.Errorf("%w: no stt adapter registered", runtime.ErrNotFound)
	}
	return m.sttFallback, nil
}

func (m *Module) ttsGroup() (*resilience.TTSFallback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ttsFallback == nil {
		return nil, fmt.Errorf("%w: no tts adapter registered", runtime.ErrNotFound)
	}
	return m.ttsFallback, nil
}

// Shutdown implements runtime.ShutdownHandler: cancels every live handle.
func (m *Module) Shutdown(context.Context) error {
	m.mu.Lock()
	handles := make([]*handleState, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.handles = map[frame.Handle]*handleState{}
	m.mu.Unlock()

	for _, h := range handles {
		h.cancel()
		h.ring.Close()
	}
	return nil
}

// HandleCommand implements runtime.Module.
func (m *Module) HandleCommand(ctx context.Context, cmd string, params json.RawMessage) (runtime.Result, error) {
	p, err := runtime.NewParams(params)
	if err != nil {
		return runtime.Result{}, err
	}

	switch cmd {
	case "voice/session-register":
		sessionID, err := p.Str("session_id")
		if err != nil {
			return runtime.Result{}, err
		}
		var participants []Participant
		if err := p.Decode("participants", &participants); err != nil {
			return runtime.Result{}, err
		}
		for i := range participants {
			if participants[i].IsPersona && participants[i].Caps == (Capabilities{}) {
				participants[i].Caps = CapabilitiesForModel(participants[i].ModelID)
			}
			m.mixer.AddParticipant(participants[i])
		}
		m.orchestrator.RegisterSession(sessionID, participants)
		return runtime.JSONResult(map[string]int{"participants": len(participants)})

	case "voice/session-unregister":
		sessionID, err := p.Str("session_id")
		if err != nil {
			return runtime.Result{}, err
		}
		m.orchestrator.UnregisterSession(sessionID)
		return runtime.JSONResult(map[string]bool{"unregistered": true})

	case "voice/handle-open":
		return m.openHandle(p)

	case "voice/handle-close":
		return m.closeHandle(p)

	case "voice/push-audio":
		return m.pushAudio(p)

	case "voice/synthesize":
		return m.synthesize(ctx, p)

	case "voice/vad-feedback":
		return m.vadFeedback(p)

	case "voice/adapters":
		return runtime.JSONResult(map[string][]string{
			"stt": m.sttRegistry.Names(),
			"tts": m.ttsRegistry.Names(),
		})

	case "voice/set-adapter":
		kind, err := p.Str("kind")
		if err != nil {
			return runtime.Result{}, err
		}
		name, err := p.Str("name")
		if err != nil {
			return runtime.Result{}, err
		}
		switch kind {
		case "stt":
			err = m.sttRegistry.SetActive(name)
		case "tts":
			err = m.ttsRegistry.SetActive(name)
		default:
			err = fmt.Errorf("unknown adapter kind %q", kind)
		}
		if err != nil {
			return runtime.Result{}, err
		}
		// The fallback groups are ordered around the active adapter;
		// switching it rebuilds them.
		m.rebuildFallbacks()
		return runtime.JSONResult(map[string]string{"active": name})

	default:
		return runtime.Result{}, fmt.Errorf("%w: %q", runtime.ErrUnknownCommand, cmd)
	}
}

func (m *Module) openHandle(p runtime.Params) (runtime.Result, error) {
	sessionID, err := p.Str("session_id")
	if err != nil {
		return runtime.Result{}, err
	}
	userID, err := p.Str("user_id")
	if err != nil {
		return runtime.Result{}, err
	}

	h := frame.NextHandle()
	handleCtx, cancel := context.WithCancel(context.Background())
	state := &handleState{
		handle:    h,
		sessionID: sessionID,
		userID:    userID,
		ctx:       handleCtx,
		cancel:    cancel,
		ring:      ring.New[frame.AudioFrame](uint16(h%65536), frameRingCapacity),
		vad:       vad.NewProductionVAD(),
		slide:     NewSlidingBuffer(transcriptionInterval, contextOverlap),
	}
	if err := state.vad.Initialize(); err != nil {
		cancel()
		return runtime.Result{}, fmt.Errorf("initialize vad: %w", err)
	}

	m.mu.Lock()
	m.handles[h] = state
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.ActiveHandles.Add(context.Background(), 1)
	}

	return runtime.JSONResult(map[string]uint64{"handle": uint64(h)})
}

func (m *Module) closeHandle(p runtime.Params) (runtime.Result, error) {
	handleID, err := p.Int("handle")
	if err != nil {
		return runtime.Result{}, err
	}

	m.mu.Lock()
	state, ok := m.handles[frame.Handle(handleID)]
	delete(m.handles, frame.Handle(handleID))
	m.mu.Unlock()
	if !ok {
		return runtime.Result{}, fmt.Errorf("%w: handle %d", runtime.ErrNotFound, handleID)
	}

	// Cancelling the handle context aborts any in-flight transcription
	// running under it and rejects late pushes; closing the ring releases
	// pending producers and consumers.
	state.cancel()
	state.ring.Close()
	if m.metrics != nil {
		m.metrics.ActiveHandles.Add(context.Background(), -1)
	}
	return runtime.JSONResult(map[string]bool{"closed": true})
}

func (m *Module) stateFor(handleID int) (*handleState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.handles[frame.Handle(handleID)]
	if !ok {
		return nil, fmt.Errorf("%w: handle %d", runtime.ErrNotFound, handleID)
	}
	return state, nil
}

// pushAudio ingests one PCM chunk (base64 i16 LE) for a handle: VAD →
// complete utterance → STT → responder selection → bus + mixer. All STT
// runs under the handle's own context, not the command's: the audio
// belongs to the handle, and closing the handle is what cancels it.
func (m *Module) pushAudio(p runtime.Params) (runtime.Result, error) {
	handleID, err := p.Int("handle")
	if err != nil {
		return runtime.Result{}, err
	}
	encoded, err := p.Str("pcm")
	if err != nil {
		return runtime.Result{}, err
	}
	timestampUS := int64(p.IntOr("timestamp_us", 0))

	state, err := m.stateFor(handleID)
	if err != nil {
		return runtime.Result{}, err
	}
	if err := state.ctx.Err(); err != nil {
		return runtime.Result{}, fmt.Errorf("%w: handle %d closed", runtime.ErrNotFound, handleID)
	}

	// Timestamps are strictly monotone within a handle.
	state.mu.Lock()
	if timestampUS != 0 && timestampUS <= state.lastTimestamp {
		state.mu.Unlock()
		return runtime.Result{}, fmt.Errorf("non-monotone timestamp %d after %d on handle %d",
			timestampUS, state.lastTimestamp, handleID)
	}
	if timestampUS != 0 {
		state.lastTimestamp = timestampUS
	}
	state.mu.Unlock()

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return runtime.Result{}, fmt.Errorf("decode pcm: %w", err)
	}
	samples := audio.BytesToI16(raw)

	// Recycle the frame through the handle's ring: recent raw frames stay
	// peekable for the bridge and diagnostics, the oldest slot is reused
	// once the ring wraps.
	af := frame.AudioFrame{
		Samples:     samples,
		SampleRate:  audio.SystemRate,
		Channels:    1,
		TimestampUS: timestampUS,
	}
	if _, ok := state.ring.TryPush(af); !ok {
		state.ring.TryPop()
		state.ring.TryPush(af)
	}

	m.mixer.RouteAudio(state.handle, state.userID, samples)

	// Feed the VAD frame by frame; the sliding buffer keeps STT context.
	state.mu.Lock()
	defer state.mu.Unlock()
	state.slide.Push(audio.I16ToF32(samples))

	var utterances []string
	for off := 0; off+vad.FrameSize <= len(samples); off += vad.FrameSize {
		complete, err := state.vad.ProcessFrame(samples[off : off+vad.FrameSize])
		if err != nil {
			return runtime.Result{}, fmt.Errorf("vad: %w", err)
		}
		if complete == nil {
			continue
		}
		text, err := m.transcribe(state, complete)
		if err != nil {
			slog.Warn("transcription failed", "handle", state.handle, "err", err)
			continue
		}
		if text != "" {
			utterances = append(utterances, text)
		}
	}

	// Continuous mode transcribes overlapping sliding-buffer chunks as
	// interim (non-final) text, so words split across chunk boundaries
	// still come out whole; the VAD utterance path above stays the
	// authoritative final.
	var partial string
	if p.BoolOr("continuous", false) && state.slide.ReadyForTranscription() {
		chunk := state.slide.ExtractChunk()
		if group, err := m.sttGroup(); err == nil {
			result, err := group.Transcribe(state.ctx, chunk, "")
			if err != nil {
				slog.Warn("interim transcription failed", "handle", state.handle, "err", err)
			} else if result.Text != "" {
				partial = result.Text
				m.mixer.RouteTranscription(state.handle, state.userID, result.Text, false)
			}
		}
	}

	return runtime.JSONResult(map[string]any{
		"frames_buffered": state.slide.TotalSamples(),
		"utterances":      utterances,
		"partial":         partial,
	})
}

// transcribe runs STT on a complete utterance and routes the result. The
// call runs under the handle's context through the fallback group, so a
// closed handle aborts it and a failing primary adapter is bypassed.
func (m *Module) transcribe(state *handleState, samples []int16) (string, error) {
	group, err := m.sttGroup()
	if err != nil {
		return "", err
	}

	start := time.Now()
	result, err := group.Transcribe(state.ctx, audio.I16ToF32(samples), "")
	if err != nil {
		return "", err
	}
	if m.metrics != nil {
		m.metrics.RecordVoiceStage(state.ctx, "stt", time.Since(start))
	}
	if result.Text == "" {
		return "", nil
	}

	participant, _ := m.mixer.Participant(state.userID)
	utterance := Utterance{
		SessionID:   state.sessionID,
		SpeakerID:   state.userID,
		SpeakerName: participant.DisplayName,
		Transcript:  result.Text,
		Timestamp:   time.Now(),
	}
	responders := m.orchestrator.OnUtterance(utterance)

	m.mixer.RouteTranscription(state.handle, state.userID, result.Text, true)

	payload, _ := json.Marshal(map[string]any{
		"session_id": state.sessionID,
		"speaker_id": state.userID,
		"transcript": result.Text,
		"responders": responders,
		"confidence": result.Confidence,
	})
	// Full two-tier publish: synchronous subscribers (the persona module
	// enqueuing responder work) run inline, everyone else gets the
	// broadcast.
	m.bus.Publish(state.ctx, m.registry, "voice:utterance:final", payload)

	return result.Text, nil
}

// synthesize renders text and returns raw PCM plus metadata; the audio is
// also fanned out through the mixer.
func (m *Module) synthesize(ctx context.Context, p runtime.Params) (runtime.Result, error) {
	text, err := p.Str("text")
	if err != nil {
		return runtime.Result{}, err
	}
	voiceName := p.StrOr("voice", "")
	personaID := p.StrOr("persona_id", "")

	start := time.Now()
	var result tts.SynthesisResult
	if name := p.StrOr("adapter", ""); name != "" {
		// An explicitly named adapter is an author decision; no fallback.
		adapter, err := m.ttsRegistry.Get(name)
		if err != nil {
			return runtime.Result{}, err
		}
		result, err = adapter.Synthesize(ctx, text, voiceName)
		if err != nil {
			return runtime.Result{}, fmt.Errorf("synthesize: %w", err)
		}
	} else {
		group, err := m.ttsGroup()
		if err != nil {
			return runtime.Result{}, err
		}
		result, err = group.Synthesize(ctx, text, voiceName)
		if err != nil {
			return runtime.Result{}, fmt.Errorf("synthesize: %w", err)
		}
	}
	if m.metrics != nil {
		m.metrics.RecordVoiceStage(ctx, "tts", time.Since(start))
	}

	if personaID != "" {
		m.mixer.RouteTTSAudio(frame.NextHandle(), personaID, result.Samples)
	}

	return runtime.BinaryResult(map[string]any{
		"sample_rate":  result.SampleRate,
		"duration_ms":  result.DurationMS,
		"sample_count": len(result.Samples),
	}, audio.I16ToBytes(result.Samples))
}

func (m *Module) vadFeedback(p runtime.Params) (runtime.Result, error) {
	handleID, err := p.Int("handle")
	if err != nil {
		return runtime.Result{}, err
	}
	kind, err := p.Str("kind")
	if err != nil {
		return runtime.Result{}, err
	}
	state, err := m.stateFor(handleID)
	if err != nil {
		return runtime.Result{}, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	switch kind {
	case "false_positive":
		state.vad.Adaptive().ReportFalsePositive()
	case "false_negative":
		state.vad.Adaptive().ReportFalseNegative()
	default:
		return runtime.Result{}, fmt.Errorf("unknown feedback kind %q", kind)
	}
	return runtime.JSONResult(map[string]any{
		"threshold":   state.vad.Adaptive().Threshold(),
		"noise_level": state.vad.Adaptive().NoiseLevel().String(),
	})
}
