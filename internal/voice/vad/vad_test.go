package vad

import (
	"math"
	"testing"
)

// speechFrame synthesises a voiced-sounding frame: a 200 Hz fundamental
// with formant-band harmonics at speech amplitude.
func speechFrame(amplitude float64) []int16 {
	out := make([]int16, FrameSize)
	for i := range out {
		t := float64(i) / sampleRate
		v := math.Sin(2*math.Pi*200*t) +
			0.6*math.Sin(2*math.Pi*700*t) +
			0.4*math.Sin(2*math.Pi*1400*t)
		out[i] = int16(amplitude * v / 2)
	}
	return out
}

// silenceFrame synthesises near-silence with a little noise.
func silenceFrame() []int16 {
	out := make([]int16, FrameSize)
	for i := range out {
		out[i] = int16((i%7 - 3) * 2)
	}
	return out
}

func TestEnergyDetectorSeparatesSpeechFromSilence(t *testing.T) {
	t.Parallel()

	d := NewEnergyDetector()
	if err := d.Initialize(); err != nil {
		t.Fatalf("init: %v", err)
	}

	// Warm up the noise floor on silence.
	for range 10 {
		if r, err := d.Detect(silenceFrame()); err != nil || r.IsSpeech {
			t.Fatalf("silence misclassified (err=%v, result=%+v)", err, r)
		}
	}
	r, err := d.Detect(speechFrame(8000))
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if !r.IsSpeech {
		t.Fatalf("loud voiced frame not detected: %+v", r)
	}
}

func TestDetectorRequiresInitialize(t *testing.T) {
	t.Parallel()

	if _, err := NewEnergyDetector().Detect(silenceFrame()); err == nil {
		t.Fatal("uninitialized energy detector must error")
	}
	if _, err := NewSpectralDetector().Detect(silenceFrame()); err == nil {
		t.Fatal("uninitialized spectral detector must error")
	}
}

func TestSpectralDetectorStatePersistsAcrossFrames(t *testing.T) {
	t.Parallel()

	d := NewSpectralDetector()
	d.Initialize()

	// One loud speech frame after silence: smoothing keeps confidence
	// below a long run of speech frames.
	for range 4 {
		d.Detect(silenceFrame())
	}
	single, _ := d.Detect(speechFrame(8000))

	d.Reset()
	var sustained Result
	for range 6 {
		sustained, _ = d.Detect(speechFrame(8000))
	}
	if sustained.Confidence <= single.Confidence {
		t.Fatalf("sustained speech should score above a single frame: %f vs %f",
			sustained.Confidence, single.Confidence)
	}
}

func TestAdaptiveThresholdByNoiseBand(t *testing.T) {
	t.Parallel()

	cases := []struct {
		rms  float64
		band NoiseLevel
		want float32
	}{
		{50, NoiseQuiet, 0.40},
		{250, NoiseModerate, 0.30},
		{1000, NoiseLoud, 0.25},
		{3000, NoiseVeryLoud, 0.20},
	}
	for _, tc := range cases {
		a := NewAdaptiveController()
		for range 10 {
			a.ObserveRMS(tc.rms)
		}
		if a.NoiseLevel() != tc.band {
			t.Errorf("rms %f: want band %s, got %s", tc.rms, tc.band, a.NoiseLevel())
		}
		if got := a.Threshold(); got != tc.want {
			t.Errorf("band %s: want threshold %f, got %f", tc.band, tc.want, got)
		}
	}
}

func TestFeedbackNudgesThresholdWithinBounds(t *testing.T) {
	t.Parallel()

	a := NewAdaptiveController()
	for range 10 {
		a.ObserveRMS(50) // quiet → 0.40 base
	}
	base := a.Threshold()

	a.ReportFalsePositive()
	if a.Threshold() <= base {
		t.Fatal("false positive must raise the threshold")
	}
	raised := a.Threshold()

	a.ReportFalseNegative()
	a.ReportFalseNegative()
	if a.Threshold() >= raised {
		t.Fatal("false negatives must lower the threshold")
	}

	// Pathological feedback history must never escape the bounds.
	for range 100 {
		a.ReportFalsePositive()
	}
	if got := a.Threshold(); got > thresholdMax {
		t.Fatalf("threshold %f above max", got)
	}
	for range 300 {
		a.ReportFalseNegative()
	}
	if got := a.Threshold(); got < thresholdMin {
		t.Fatalf("threshold %f below min", got)
	}
}

// Scenario: stream 5 speech frames then 40 silence frames; the sentence
// buffer emits once, after the 40th silence frame, containing all 45
// frames plus the pre-speech window.
func TestProductionVADEmitsCompleteSentence(t *testing.T) {
	t.Parallel()

	v := NewProductionVAD()
	if err := v.Initialize(); err != nil {
		t.Fatalf("init: %v", err)
	}

	// Warm the noise floor so the energy gate settles.
	for range 10 {
		if out, err := v.ProcessFrame(silenceFrame()); err != nil || out != nil {
			t.Fatalf("warmup frame emitted audio (err=%v)", err)
		}
	}

	emissions := 0
	var emitted []int16
	for i := range 5 {
		out, err := v.ProcessFrame(speechFrame(9000))
		if err != nil {
			t.Fatalf("speech frame %d: %v", i, err)
		}
		if out != nil {
			emissions++
		}
	}
	for i := range 40 {
		out, err := v.ProcessFrame(silenceFrame())
		if err != nil {
			t.Fatalf("silence frame %d: %v", i, err)
		}
		if out != nil {
			emissions++
			emitted = out
			if i != 39 {
				t.Fatalf("emitted early, at silence frame %d", i)
			}
		}
	}

	if emissions != 1 {
		t.Fatalf("want exactly one emission, got %d", emissions)
	}
	// 5 speech + 40 silence frames, plus up to the pre-speech window.
	minLen := (5 + 40) * FrameSize
	maxLen := minLen + DefaultProductionConfig().PreSpeechBufferMS*16
	if len(emitted) < minLen || len(emitted) > maxLen {
		t.Fatalf("utterance length %d outside [%d, %d]", len(emitted), minLen, maxLen)
	}
}

func TestProductionVADRejectsSpuriousBlips(t *testing.T) {
	t.Parallel()

	v := NewProductionVAD()
	v.Initialize()
	for range 10 {
		v.ProcessFrame(silenceFrame())
	}

	// Two speech frames (< MinSpeechFrames) then a long silence: nothing
	// should emit.
	for range 2 {
		v.ProcessFrame(speechFrame(9000))
	}
	for i := range 50 {
		out, err := v.ProcessFrame(silenceFrame())
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if out != nil {
			t.Fatal("spurious blip must not emit an utterance")
		}
	}
}
