package voice

import (
	"testing"
	"time"

	"github.com/continuumrt/continuum/pkg/frame"
)

func human(id, name string) Participant {
	return Participant{UserID: id, DisplayName: name}
}

func textPersona(id, name string) Participant {
	return Participant{UserID: id, DisplayName: name, IsPersona: true, ModelID: "local-gguf"}
}

func audioPersona(id, name string) Participant {
	p := Participant{UserID: id, DisplayName: name, IsPersona: true, ModelID: "gemini-live"}
	p.Caps = CapabilitiesForModel(p.ModelID)
	return p
}

func TestCapabilityTableClosedLookup(t *testing.T) {
	t.Parallel()

	if caps := CapabilitiesForModel("gemini-live"); !caps.AudioInput || !caps.AudioOutput {
		t.Fatalf("gemini-live should be audio-native: %+v", caps)
	}
	if caps := CapabilitiesForModel("local-gguf"); caps.AudioInput || caps.AudioOutput {
		t.Fatalf("local-gguf should be text-only: %+v", caps)
	}
	// Unknown model ids must default to text-only — the safe direction.
	if caps := CapabilitiesForModel("some-future-model"); caps.AudioInput || caps.AudioOutput {
		t.Fatalf("unknown model must default to text-only: %+v", caps)
	}
}

func TestMixerResolvesPersonaCapabilities(t *testing.T) {
	t.Parallel()

	m := NewMixer()
	m.AddParticipant(Participant{UserID: "ai-1", IsPersona: true, ModelID: "gpt-4o-realtime"})

	p, ok := m.Participant("ai-1")
	if !ok {
		t.Fatal("participant missing")
	}
	if !p.AudioNative() {
		t.Fatalf("realtime model should resolve audio-native: %+v", p)
	}
}

func TestMixerBroadcast(t *testing.T) {
	t.Parallel()

	m := NewMixer()
	sub := m.Subscribe()
	defer sub.Close()

	h := frame.NextHandle()
	m.RouteAudio(h, "speaker-1", []int16{1, 2, 3})

	select {
	case ev := <-sub.C:
		if ev.Kind != EventAudio || ev.UserID != "speaker-1" {
			t.Fatalf("unexpected event %+v", ev)
		}
		if len(ev.Exclude) != 1 || ev.Exclude[0] != "speaker-1" {
			t.Fatalf("mix-minus exclusion missing: %v", ev.Exclude)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestMixerPublishOrderPerPublisher(t *testing.T) {
	t.Parallel()

	m := NewMixer()
	sub := m.Subscribe()
	defer sub.Close()

	h := frame.NextHandle()
	for i := range 10 {
		m.RouteTranscription(h, "s", string(rune('a'+i)), true)
	}
	for i := range 10 {
		select {
		case ev := <-sub.C:
			if ev.Text != string(rune('a'+i)) {
				t.Fatalf("order violated at %d: %q", i, ev.Text)
			}
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
}

func TestMixerLaggardsDropNotBlock(t *testing.T) {
	t.Parallel()

	m := NewMixer()
	sub := m.Subscribe()
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		h := frame.NextHandle()
		for range mixerBroadcastCap + 50 {
			m.RouteAudio(h, "s", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("mixer blocked on a lagging subscriber")
	}
}

func TestOrchestratorResponderSelection(t *testing.T) {
	t.Parallel()

	o := NewOrchestrator()
	o.RegisterSession("s1", []Participant{
		human("alice", "Alice"),
		textPersona("aria", "Aria"),
		textPersona("kestrel", "Kestrel"),
		audioPersona("nova", "Nova"),
	})

	responders := o.OnUtterance(Utterance{
		SessionID: "s1", SpeakerID: "alice", SpeakerName: "Alice",
		Transcript: "hey everyone", Timestamp: time.Now(),
	})

	// Broadcast model: every text persona responds; the speaker and the
	// audio-native persona (already fed raw audio via the mixer) do not.
	if len(responders) != 2 {
		t.Fatalf("want 2 responders, got %v", responders)
	}
	for _, id := range responders {
		if id == "alice" || id == "nova" {
			t.Fatalf("%s must not be a responder", id)
		}
	}
}

func TestOrchestratorSpeakingPersonaExcluded(t *testing.T) {
	t.Parallel()

	o := NewOrchestrator()
	o.RegisterSession("s1", []Participant{
		textPersona("aria", "Aria"),
		textPersona("kestrel", "Kestrel"),
	})

	responders := o.OnUtterance(Utterance{
		SessionID: "s1", SpeakerID: "aria", SpeakerName: "Aria",
		Transcript: "my own words", Timestamp: time.Now(),
	})
	if len(responders) != 1 || responders[0] != "kestrel" {
		t.Fatalf("speaker must not respond to itself: %v", responders)
	}
}

func TestOrchestratorUnknownSession(t *testing.T) {
	t.Parallel()

	o := NewOrchestrator()
	if got := o.OnUtterance(Utterance{SessionID: "nope"}); got != nil {
		t.Fatalf("unknown session must yield no responders, got %v", got)
	}
}

func TestOrchestratorRecentTail(t *testing.T) {
	t.Parallel()

	o := NewOrchestrator()
	o.RegisterSession("s1", []Participant{textPersona("aria", "Aria")})

	for i := range 30 {
		o.OnUtterance(Utterance{
			SessionID: "s1", SpeakerID: "u", Transcript: string(rune('a' + i%26)),
		})
	}
	tail := o.RecentUtterances("s1")
	if len(tail) != recentUtteranceCap {
		t.Fatalf("tail should cap at %d, got %d", recentUtteranceCap, len(tail))
	}

	o.UnregisterSession("s1")
	if len(o.RecentUtterances("s1")) != 0 {
		t.Fatal("unregister must drop the tail")
	}
}
