package vad

import "fmt"

// ProductionConfig tunes the two-stage detector and its sentence buffer.
type ProductionConfig struct {
	// SilenceThresholdFrames ends an utterance after this many consecutive
	// silence frames (40 frames ≈ 1.28 s — room for natural pauses).
	SilenceThresholdFrames int

	// MinSpeechFrames rejects utterances shorter than this (spurious
	// detections).
	MinSpeechFrames int

	// PreSpeechBufferMS keeps this much audio from before speech onset so
	// the first syllable is not clipped.
	PreSpeechBufferMS int

	// TwoStage enables the energy pre-filter; disabled, every frame pays
	// for the spectral stage.
	TwoStage bool
}

// DefaultProductionConfig returns the tuning used in production.
func DefaultProductionConfig() ProductionConfig {
	return ProductionConfig{
		SilenceThresholdFrames: 40,
		MinSpeechFrames:        3,
		PreSpeechBufferMS:      300,
		TwoStage:               true,
	}
}

// sentenceBuffer accumulates frames into complete utterances. It always
// keeps a rolling pre-speech window; once speech starts it appends every
// frame, and it emits when enough consecutive silence follows enough
// speech.
type sentenceBuffer struct {
	cfg    ProductionConfig
	chunks [][]int16

	silenceFrames int
	speechFrames  int
}

func newSentenceBuffer(cfg ProductionConfig) *sentenceBuffer {
	return &sentenceBuffer{cfg: cfg}
}

func (b *sentenceBuffer) addFrame(samples []int16, isSpeech bool) {
	preBufferFrames := b.cfg.PreSpeechBufferMS * 16 / FrameSize

	// Before speech starts, the buffer is a rolling pre-speech window.
	if b.speechFrames == 0 && len(b.chunks) >= preBufferFrames {
		b.chunks = b.chunks[1:]
	}
	frame := make([]int16, len(samples))
	copy(frame, samples)
	b.chunks = append(b.chunks, frame)

	if isSpeech {
		b.silenceFrames = 0
		b.speechFrames++
	} else if b.speechFrames > 0 {
		b.silenceFrames++
	}
}

func (b *sentenceBuffer) shouldEmit() bool {
	return b.speechFrames >= b.cfg.MinSpeechFrames &&
		b.silenceFrames >= b.cfg.SilenceThresholdFrames
}

func (b *sentenceBuffer) takeAudio() []int16 {
	var total int
	for _, c := range b.chunks {
		total += len(c)
	}
	out := make([]int16, 0, total)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	b.chunks = nil
	b.silenceFrames = 0
	b.speechFrames = 0
	return out
}

// ProductionVAD is the two-stage detector with sentence buffering and an
// adaptive confirmation threshold. The energy stage labels definite
// silence in microseconds; only possible-speech frames pay for the
// spectral confirmation. Frames accumulate in the sentence buffer, which
// emits one complete utterance per silence gap — not fragments.
type ProductionVAD struct {
	cfg      ProductionConfig
	fast     *EnergyDetector
	accurate *SpectralDetector
	adaptive *AdaptiveController
	buffer   *sentenceBuffer

	initialized bool
}

// NewProductionVAD creates a detector with the default configuration.
func NewProductionVAD() *ProductionVAD {
	return NewProductionVADWithConfig(DefaultProductionConfig())
}

// NewProductionVADWithConfig creates a detector with explicit tuning.
func NewProductionVADWithConfig(cfg ProductionConfig) *ProductionVAD {
	return &ProductionVAD{
		cfg:      cfg,
		fast:     NewEnergyDetector(),
		accurate: NewSpectralDetector(),
		adaptive: NewAdaptiveController(),
		buffer:   newSentenceBuffer(cfg),
	}
}

// Initialize prepares both stages.
func (v *ProductionVAD) Initialize() error {
	if err := v.fast.Initialize(); err != nil {
		return err
	}
	if err := v.accurate.Initialize(); err != nil {
		return err
	}
	v.initialized = true
	return nil
}

// ProcessFrame classifies one frame and returns a complete utterance when
// one is ready, or nil while still buffering.
func (v *ProductionVAD) ProcessFrame(samples []int16) ([]int16, error) {
	if !v.initialized {
		return nil, fmt.Errorf("production vad not initialized")
	}

	v.adaptive.ObserveRMS(RMS(samples))

	var isSpeech bool
	if v.cfg.TwoStage {
		quick, err := v.fast.Detect(samples)
		if err != nil {
			return nil, err
		}
		if quick.IsSpeech {
			// Possible speech: confirm with the expensive stage.
			confirmed, err := v.accurate.Detect(samples)
			if err != nil {
				return nil, err
			}
			isSpeech = confirmed.Confidence > v.adaptive.Threshold()
		}
	} else {
		confirmed, err := v.accurate.Detect(samples)
		if err != nil {
			return nil, err
		}
		isSpeech = confirmed.Confidence > v.adaptive.Threshold()
	}

	v.buffer.addFrame(samples, isSpeech)

	if v.buffer.shouldEmit() {
		return v.buffer.takeAudio(), nil
	}
	return nil, nil
}

// Adaptive exposes the threshold controller for the feedback surface.
func (v *ProductionVAD) Adaptive() *AdaptiveController { return v.adaptive }

// Reset clears all per-stream state.
func (v *ProductionVAD) Reset() {
	v.fast.Reset()
	v.accurate.Reset()
	v.buffer = newSentenceBuffer(v.cfg)
}
