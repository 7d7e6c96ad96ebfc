package voice

import (
	"log/slog"
	"sync"
	"time"
)

// Utterance is one final transcript attributed to a speaker.
type Utterance struct {
	SessionID   string    `json:"session_id"`
	SpeakerID   string    `json:"speaker_id"`
	SpeakerName string    `json:"speaker_name"`
	Transcript  string    `json:"transcript"`
	Timestamp   time.Time `json:"timestamp"`
}

// Orchestrator tracks voice sessions and selects responders for each
// utterance. The model is broadcast, not arbitration: every eligible
// text-based persona receives the transcript and decides independently
// whether to speak. Audio-native personas are excluded — they already
// heard the raw audio through the mixer's mix-minus stream, and sending
// them the transcript too would make them respond twice.
type Orchestrator struct {
	mu       sync.RWMutex
	sessions map[string][]Participant
	// recent keeps a short per-session utterance tail for context.
	recent map[string][]Utterance
}

// recentUtteranceCap bounds the per-session tail.
const recentUtteranceCap = 20

// NewOrchestrator creates an empty orchestrator.
func NewOrchestrator() *Orchestrator {
	return &Orchestrator{
		sessions: map[string][]Participant{},
		recent:   map[string][]Utterance{},
	}
}

// RegisterSession starts tracking a session's participants.
func (o *Orchestrator) RegisterSession(sessionID string, participants []Participant) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sessions[sessionID] = participants

	textAI, audioNative := 0, 0
	for _, p := range participants {
		if !p.IsPersona {
			continue
		}
		if p.AudioNative() {
			audioNative++
		} else {
			textAI++
		}
	}
	slog.Info("voice session registered",
		"session", sessionID,
		"participants", len(participants),
		"text_ai", textAI,
		"audio_native", audioNative,
	)
}

// UnregisterSession stops tracking a session.
func (o *Orchestrator) UnregisterSession(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.sessions, sessionID)
	delete(o.recent, sessionID)
}

// OnUtterance records the utterance and returns the user ids of every
// text-based persona that should receive it: all personas except the
// speaker and the audio-native ones.
func (o *Orchestrator) OnUtterance(u Utterance) []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	participants, ok := o.sessions[u.SessionID]
	if !ok {
		slog.Debug("utterance for unknown session", "session", u.SessionID)
		return nil
	}

	tail := append(o.recent[u.SessionID], u)
	if len(tail) > recentUtteranceCap {
		tail = tail[len(tail)-recentUtteranceCap:]
	}
	o.recent[u.SessionID] = tail

	var responders []string
	for _, p := range participants {
		if !p.IsPersona || p.UserID == u.SpeakerID || p.AudioNative() {
			continue
		}
		responders = append(responders, p.UserID)
	}

	slog.Debug("broadcasting utterance",
		"session", u.SessionID,
		"speaker", u.SpeakerName,
		"responders", len(responders),
	)
	return responders
}

// RecentUtterances returns the session's utterance tail, oldest first.
func (o *Orchestrator) RecentUtterances(sessionID string) []Utterance {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]Utterance(nil), o.recent[sessionID]...)
}
