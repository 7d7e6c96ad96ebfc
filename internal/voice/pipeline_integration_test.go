package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math"
	"testing"

	"github.com/continuumrt/continuum/internal/persona"
	"github.com/continuumrt/continuum/internal/runtime"
	"github.com/continuumrt/continuum/internal/voice/stt"
	"github.com/continuumrt/continuum/internal/voice/tts"
	"github.com/continuumrt/continuum/internal/voice/vad"
	"github.com/continuumrt/continuum/pkg/audio"
)

func voicedFrame(amplitude float64) []int16 {
	out := make([]int16, vad.FrameSize)
	for i := range out {
		t := float64(i) / 16000
		v := math.Sin(2*math.Pi*200*t) + 0.6*math.Sin(2*math.Pi*700*t) + 0.4*math.Sin(2*math.Pi*1400*t)
		out[i] = int16(amplitude * v / 2)
	}
	return out
}

func quietFrame() []int16 {
	out := make([]int16, vad.FrameSize)
	for i := range out {
		out[i] = int16((i%7 - 3) * 2)
	}
	return out
}

// End to end: audio frames → VAD sentence → STT → responder selection →
// synchronous bus delivery → responder work queued in the persona module.
func TestUtteranceReachesPersonaScheduler(t *testing.T) {
	t.Parallel()

	rt := runtime.New()

	sttReg := stt.NewRegistry()
	sttReg.Register(&mockSTT{text: "did you hear that?"})
	ttsReg := tts.NewRegistry()
	ttsReg.Register(&mockTTS{})
	voiceModule := NewModule(sttReg, ttsReg, nil)
	personaModule := persona.NewModule()

	rt.Register(personaModule)
	rt.Register(voiceModule)
	if err := rt.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	route := func(cmd string, params map[string]any) (runtime.Result, error) {
		raw, _ := json.Marshal(params)
		return rt.Route(context.Background(), cmd, raw)
	}

	if _, err := route("voice/session-register", map[string]any{
		"session_id": "s1",
		"participants": []map[string]any{
			{"user_id": "alice", "display_name": "Alice"},
			{"user_id": "aria", "display_name": "Aria", "is_persona": true, "model_id": "local-gguf"},
		},
	}); err != nil {
		t.Fatalf("session-register: %v", err)
	}

	res, err := route("voice/handle-open", map[string]any{"session_id": "s1", "user_id": "alice"})
	if err != nil {
		t.Fatalf("handle-open: %v", err)
	}
	var opened struct {
		Handle int `json:"handle"`
	}
	json.Unmarshal(res.JSON, &opened)

	push := func(frames [][]int16) {
		var all []int16
		for _, f := range frames {
			all = append(all, f...)
		}
		if _, err := route("voice/push-audio", map[string]any{
			"handle": opened.Handle,
			"pcm":    base64.StdEncoding.EncodeToString(audio.I16ToBytes(all)),
		}); err != nil {
			t.Fatalf("push-audio: %v", err)
		}
	}

	// Noise-floor warmup, one spoken sentence, then the silence gap that
	// closes it.
	warm := make([][]int16, 10)
	for i := range warm {
		warm[i] = quietFrame()
	}
	push(warm)

	speech := make([][]int16, 5)
	for i := range speech {
		speech[i] = voicedFrame(9000)
	}
	push(speech)

	gap := make([][]int16, 40)
	for i := range gap {
		gap[i] = quietFrame()
	}
	push(gap)

	// The responder persona should now have queued work.
	res, err = route("persona/service-cycle", map[string]any{"persona_id": "aria"})
	if err != nil {
		t.Fatalf("service-cycle: %v", err)
	}
	var cycle struct {
		ShouldProcess bool            `json:"shouldProcess"`
		Channel       string          `json:"channel"`
		Item          json.RawMessage `json:"item"`
	}
	json.Unmarshal(res.JSON, &cycle)
	if !cycle.ShouldProcess {
		t.Fatalf("responder work not queued: %s", res.JSON)
	}
	if cycle.Channel != "AUDIO" {
		t.Fatalf("utterance work belongs on AUDIO, got %s", cycle.Channel)
	}
	var item struct {
		Content string `json:"content"`
		ActorID string `json:"actor_id"`
	}
	json.Unmarshal(cycle.Item, &item)
	if item.Content != "did you hear that?" || item.ActorID != "alice" {
		t.Fatalf("unexpected queued item: %s", cycle.Item)
	}
}
