package tts

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/continuumrt/continuum/pkg/audio"
)

// piperNativeRate is the sample rate piper emits for the medium voices.
const piperNativeRate = 22050

// Compile-time check.
var _ Adapter = (*PiperAdapter)(nil)

// PiperAdapter shells out to the piper binary for local synthesis. Each
// voice maps to an onnx voice file in the configured voices
// directory; output is raw PCM on stdout, normalised to the system rate.
type PiperAdapter struct {
	binaryPath string
	voicesDir  string

	mu     sync.Mutex
	voices []string
	ready  bool
}

// NewPiper creates a piper adapter.
func NewPiper(binaryPath, voicesDir string, voices []string) *PiperAdapter {
	return &PiperAdapter{
		binaryPath: binaryPath,
		voicesDir:  voicesDir,
		voices:     voices,
	}
}

// Name implements Adapter.
func (p *PiperAdapter) Name() string { return "piper" }

// Initialized implements Adapter.
func (p *PiperAdapter) Initialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// Initialize implements Adapter: verifies the binary exists.
func (p *PiperAdapter) Initialize(ctx context.Context) error {
	if _, err := exec.LookPath(p.binaryPath); err != nil {
		return fmt.Errorf("piper: binary %q: %w", p.binaryPath, err)
	}
	p.mu.Lock()
	p.ready = true
	p.mu.Unlock()
	return nil
}

// Synthesize implements Adapter: pipes text through the piper process and
// normalises the raw output.
func (p *PiperAdapter) Synthesize(ctx context.Context, text, voice string) (SynthesisResult, error) {
	if !p.Initialized() {
		return SynthesisResult{}, fmt.Errorf("piper: not initialized")
	}
	if strings.TrimSpace(text) == "" {
		return SynthesisResult{}, fmt.Errorf("piper: empty text")
	}
	if voice == "" {
		voice = p.DefaultVoice()
	}

	cmd := exec.CommandContext(ctx, p.binaryPath,
		"--model", p.voicesDir+"/"+voice+".onnx",
		"--output-raw",
	)
	cmd.Stdin = strings.NewReader(text)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return SynthesisResult{}, fmt.Errorf("piper: synth %q: %w (%s)",
			voice, err, strings.TrimSpace(stderr.String()))
	}

	pcm := audio.BytesToI16(stdout.Bytes())
	if len(pcm) == 0 {
		return SynthesisResult{}, fmt.Errorf("piper: no audio produced")
	}
	return Normalize(audio.I16ToF32(pcm), piperNativeRate)
}

// AvailableVoices implements Adapter.
func (p *PiperAdapter) AvailableVoices() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.voices...)
}

// DefaultVoice implements Adapter.
func (p *PiperAdapter) DefaultVoice() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.voices) == 0 {
		return "en_US-amy-medium"
	}
	return p.voices[0]
}
