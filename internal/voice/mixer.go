package voice

import (
	"log/slog"
	"sync"

	"github.com/continuumrt/continuum/pkg/frame"
)

// Capabilities declares what a participant's model can consume and
// produce on the audio path.
type Capabilities struct {
	AudioInput  bool `json:"audio_input"`
	AudioOutput bool `json:"audio_output"`
}

// modelCapabilities is the closed capability lookup by model id. Unknown
// models default to text-only, which is the safe direction: a text-only
// model sent raw audio just ignores it, but an audio-native model sent
// transcripts responds twice.
var modelCapabilities = map[string]Capabilities{
	"gemini-live":      {AudioInput: true, AudioOutput: true},
	"gpt-4o-realtime":  {AudioInput: true, AudioOutput: true},
	"qwen3-omni":       {AudioInput: true, AudioOutput: true},
	"local-llama":      {},
	"local-gguf":       {},
	"claude-text":      {},
}

// CapabilitiesForModel resolves a model id against the closed table.
func CapabilitiesForModel(modelID string) Capabilities {
	caps, ok := modelCapabilities[modelID]
	if !ok {
		return Capabilities{}
	}
	return caps
}

// Participant is one member of a voice session.
type Participant struct {
	UserID      string       `json:"user_id"`
	DisplayName string       `json:"display_name"`
	// IsPersona marks AI participants.
	IsPersona bool `json:"is_persona"`
	// ModelID selects the capability entry for persona participants.
	ModelID string       `json:"model_id,omitempty"`
	Caps    Capabilities `json:"capabilities"`
}

// AudioNative reports whether the participant hears raw audio through the
// mixer (and therefore must not also receive transcripts).
func (p *Participant) AudioNative() bool {
	return p.IsPersona && p.Caps.AudioInput
}

// AudioEventKind discriminates mixer events.
type AudioEventKind string

const (
	EventAudio          AudioEventKind = "audio"
	EventTranscription  AudioEventKind = "transcription"
	EventTTSAudio       AudioEventKind = "tts_audio"
	EventNativeResponse AudioEventKind = "native_audio_response"
)

// AudioEvent is one typed event on the mixer's broadcast channel.
type AudioEvent struct {
	Kind     AudioEventKind
	Handle   frame.Handle
	UserID   string
	Samples  []int16
	Text     string
	IsFinal  bool
	// Exclude lists user ids that must not receive this event (mix-minus:
	// nobody hears themselves).
	Exclude []string
}

// mixerBroadcastCap bounds each subscriber's buffer; laggards drop.
const mixerBroadcastCap = 256

// Mixer maintains the participant set and fans typed audio events out to
// subscribers (the SFU bridge, audio-native model feeds, recorders).
// Broadcast order equals publish order per publisher; across publishers it
// is not defined.
//
// Safe for concurrent use.
type Mixer struct {
	mu           sync.RWMutex
	participants map[string]*Participant
	subscribers  map[*MixerSubscription]struct{}
}

// MixerSubscription receives mixer events on C until Close.
type MixerSubscription struct {
	C chan AudioEvent

	mixer *Mixer
	once  sync.Once
}

// NewMixer creates an empty mixer.
func NewMixer() *Mixer {
	return &Mixer{
		participants: map[string]*Participant{},
		subscribers:  map[*MixerSubscription]struct{}{},
	}
}

// AddParticipant registers a participant, resolving persona capabilities
// from the model table when not set explicitly.
func (m *Mixer) AddParticipant(p Participant) {
	if p.IsPersona && p.ModelID != "" && p.Caps == (Capabilities{}) {
		p.Caps = CapabilitiesForModel(p.ModelID)
	}
	m.mu.Lock()
	m.participants[p.UserID] = &p
	m.mu.Unlock()
	slog.Debug("mixer participant added",
		"user", p.UserID, "persona", p.IsPersona, "audio_native", p.AudioNative())
}

// RemoveParticipant drops a participant.
func (m *Mixer) RemoveParticipant(userID string) {
	m.mu.Lock()
	delete(m.participants, userID)
	m.mu.Unlock()
}

// Participants snapshots the current set.
func (m *Mixer) Participants() []Participant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Participant, 0, len(m.participants))
	for _, p := range m.participants {
		out = append(out, *p)
	}
	return out
}

// Participant returns one participant by id.
func (m *Mixer) Participant(userID string) (Participant, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.participants[userID]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// Subscribe attaches a new event receiver.
func (m *Mixer) Subscribe() *MixerSubscription {
	sub := &MixerSubscription{C: make(chan AudioEvent, mixerBroadcastCap), mixer: m}
	m.mu.Lock()
	m.subscribers[sub] = struct{}{}
	m.mu.Unlock()
	return sub
}

// Close detaches the subscription.
func (s *MixerSubscription) Close() {
	s.once.Do(func() {
		s.mixer.mu.Lock()
		delete(s.mixer.subscribers, s)
		s.mixer.mu.Unlock()
		close(s.C)
	})
}

// publish fans the event out without blocking; lagging subscribers miss it.
func (m *Mixer) publish(event AudioEvent) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for sub := range m.subscribers {
		select {
		case sub.C <- event:
		default:
			slog.Warn("mixer subscriber lagging, dropping event", "kind", event.Kind)
		}
	}
}

// RouteAudio publishes a raw audio frame from a speaker. Mix-minus: the
// speaker is excluded from their own audio.
func (m *Mixer) RouteAudio(handle frame.Handle, speakerID string, samples []int16) {
	m.publish(AudioEvent{
		Kind:    EventAudio,
		Handle:  handle,
		UserID:  speakerID,
		Samples: samples,
		Exclude: []string{speakerID},
	})
}

// RouteTranscription publishes a finished transcript.
func (m *Mixer) RouteTranscription(handle frame.Handle, speakerID, text string, isFinal bool) {
	m.publish(AudioEvent{
		Kind:    EventTranscription,
		Handle:  handle,
		UserID:  speakerID,
		Text:    text,
		IsFinal: isFinal,
		Exclude: []string{speakerID},
	})
}

// RouteTTSAudio publishes synthesised speech for a persona.
func (m *Mixer) RouteTTSAudio(handle frame.Handle, personaID string, samples []int16) {
	m.publish(AudioEvent{
		Kind:    EventTTSAudio,
		Handle:  handle,
		UserID:  personaID,
		Samples: samples,
		Exclude: []string{personaID},
	})
}

// RouteNativeAudioResponse publishes audio produced by an audio-native
// model directly.
func (m *Mixer) RouteNativeAudioResponse(handle frame.Handle, personaID string, samples []int16) {
	m.publish(AudioEvent{
		Kind:    EventNativeResponse,
		Handle:  handle,
		UserID:  personaID,
		Samples: samples,
		Exclude: []string{personaID},
	})
}
