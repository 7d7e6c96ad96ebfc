package audio

import (
	"math"
	"testing"
)

func TestF32I16RoundTripBitExact(t *testing.T) {
	t.Parallel()

	// Every in-range int16 must survive i16 → f32 → i16 unchanged.
	samples := make([]int16, 0, 1<<16)
	for v := math.MinInt16; v <= math.MaxInt16; v++ {
		samples = append(samples, int16(v))
	}
	got := F32ToI16(I16ToF32(samples))
	for i, want := range samples {
		if got[i] != want {
			t.Fatalf("sample %d: want %d, got %d", i, want, got[i])
		}
	}
}

func TestF32ToI16Clamps(t *testing.T) {
	t.Parallel()

	got := F32ToI16([]float32{2.0, -2.0, 1.0, -1.0})
	if got[0] != 32767 {
		t.Fatalf("want clamp to 32767, got %d", got[0])
	}
	if got[1] != -32768 {
		t.Fatalf("want clamp to -32768, got %d", got[1])
	}
	if got[2] != 32767 {
		t.Fatalf("+1.0 should clamp to 32767, got %d", got[2])
	}
	if got[3] != -32768 {
		t.Fatalf("-1.0 should map to -32768, got %d", got[3])
	}
}

func TestBytesI16RoundTrip(t *testing.T) {
	t.Parallel()

	in := []int16{0, 1, -1, 32767, -32768, 12345}
	got := BytesToI16(I16ToBytes(in))
	if len(got) != len(in) {
		t.Fatalf("want %d samples, got %d", len(in), len(got))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Fatalf("sample %d: want %d, got %d", i, in[i], got[i])
		}
	}
}

func TestStereoMono(t *testing.T) {
	t.Parallel()

	stereo := []int16{100, 200, -100, -200}
	mono := StereoToMono(stereo)
	if len(mono) != 2 || mono[0] != 150 || mono[1] != -150 {
		t.Fatalf("unexpected downmix: %v", mono)
	}

	back := MonoToStereo(mono)
	if len(back) != 4 || back[0] != 150 || back[1] != 150 {
		t.Fatalf("unexpected upmix: %v", back)
	}
}

func TestResampleLinearLength(t *testing.T) {
	t.Parallel()

	in := make([]int16, 48000)
	out := ResampleLinear(in, 48000, 16000)
	if len(out) != 16000 {
		t.Fatalf("want 16000 samples, got %d", len(out))
	}
	if same := ResampleLinear(in, 16000, 16000); len(same) != len(in) {
		t.Fatal("same-rate resample must be a no-op")
	}
}

func TestResampleSincPreservesTone(t *testing.T) {
	t.Parallel()

	// A 440 Hz sine at 24 kHz resampled to 16 kHz should stay a 440 Hz
	// sine: compare against a directly synthesised reference.
	const freq = 440.0
	in := make([]float32, 24000)
	for i := range in {
		in[i] = float32(math.Sin(2 * math.Pi * freq * float64(i) / 24000))
	}
	out := ResampleSinc(in, 24000, 16000)
	if len(out) != 16000 {
		t.Fatalf("want 16000 samples, got %d", len(out))
	}

	var maxErr float64
	// Skip the kernel edges where the window is truncated.
	for i := 100; i < len(out)-100; i++ {
		ref := math.Sin(2 * math.Pi * freq * float64(i) / 16000)
		if e := math.Abs(float64(out[i]) - ref); e > maxErr {
			maxErr = e
		}
	}
	if maxErr > 0.05 {
		t.Fatalf("resampled tone deviates by %f", maxErr)
	}
}

func TestDurationMS(t *testing.T) {
	t.Parallel()

	if d := DurationMS(16000, 16000); d != 1000 {
		t.Fatalf("want 1000ms, got %d", d)
	}
	if d := DurationMS(8000, 16000); d != 500 {
		t.Fatalf("want 500ms, got %d", d)
	}
	if d := DurationMS(100, 0); d != 0 {
		t.Fatalf("zero rate should yield 0, got %d", d)
	}
}
