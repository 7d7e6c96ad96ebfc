// Package audio provides PCM sample conversion, channel mixing, and
// resampling helpers shared by the voice pipeline.
//
// The system-wide audio format is 16 kHz mono signed 16-bit PCM,
// little-endian on the wire. STT adapters consume float32 samples in
// [-1, 1]; TTS adapters produce audio at their own native rates which is
// normalised back to the system rate before leaving the pipeline.
package audio

import (
	"encoding/binary"
	"math"
)

// SystemRate is the system-wide sample rate in Hz.
const SystemRate = 16000

// I16ToF32 converts signed 16-bit PCM to float32 samples in [-1, 1).
func I16ToF32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// F32ToI16 converts float32 samples to signed 16-bit PCM, clamping
// out-of-range values to prevent wrap-around artifacts.
//
// The conversion is the exact inverse of [I16ToF32]: for every in-range
// int16 s, F32ToI16(I16ToF32([s])) == [s] bit-exactly.
func F32ToI16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := float64(s) * 32768.0
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}

// BytesToI16 decodes little-endian 16-bit PCM bytes. An odd trailing byte
// is dropped.
func BytesToI16(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

// I16ToBytes encodes samples as little-endian 16-bit PCM bytes.
func I16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// StereoToMono averages interleaved L/R sample pairs into mono. Uses int32
// arithmetic so the sum cannot overflow.
func StereoToMono(samples []int16) []int16 {
	frames := len(samples) / 2
	out := make([]int16, frames)
	for i := range frames {
		out[i] = int16((int32(samples[i*2]) + int32(samples[i*2+1])) / 2)
	}
	return out
}

// MonoToStereo duplicates each mono sample into an L/R pair.
func MonoToStereo(samples []int16) []int16 {
	out := make([]int16, len(samples)*2)
	for i, s := range samples {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}

// ResampleLinear resamples mono int16 PCM from srcRate to dstRate using
// linear interpolation. Cheap and adequate for capture-side conversion;
// synthesis output goes through [ResampleSinc] instead.
func ResampleLinear(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}
	out := make([]int16, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := float64(samples[idx])
		s1 := s0
		if idx+1 < len(samples) {
			s1 = float64(samples[idx+1])
		}
		out[i] = int16(s0*(1-frac) + s1*frac)
	}
	return out
}

// sincTaps is the one-sided tap count of the windowed-sinc kernel.
const sincTaps = 16

// ResampleSinc resamples mono float32 PCM from srcRate to dstRate with a
// Hann-windowed sinc kernel. This is the quality path used to normalise
// TTS output from an adapter's native rate to the system rate; speech
// resampled this way avoids the aliasing audible with linear
// interpolation.
func ResampleSinc(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}
	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	// When downsampling, widen the kernel to act as the anti-alias filter.
	cutoff := 1.0
	if ratio > 1 {
		cutoff = 1 / ratio
	}
	for i := range dstLen {
		center := float64(i) * ratio
		lo := int(center) - sincTaps + 1
		hi := int(center) + sincTaps
		var acc, norm float64
		for j := lo; j <= hi; j++ {
			if j < 0 || j >= len(samples) {
				continue
			}
			x := (center - float64(j)) * cutoff
			w := windowedSinc(x, float64(sincTaps)*cutoff)
			acc += float64(samples[j]) * w
			norm += w
		}
		if norm != 0 {
			out[i] = float32(acc / norm)
		}
	}
	return out
}

// windowedSinc evaluates sinc(x) under a Hann window of half-width n.
func windowedSinc(x, n float64) float64 {
	if x == 0 {
		return 1
	}
	if math.Abs(x) >= n {
		return 0
	}
	px := math.Pi * x
	return (math.Sin(px) / px) * (0.5 + 0.5*math.Cos(px/n))
}

// DurationMS returns the duration in milliseconds of a sample count at the
// given rate.
func DurationMS(numSamples, sampleRate int) int64 {
	if sampleRate <= 0 {
		return 0
	}
	return int64(numSamples) * 1000 / int64(sampleRate)
}
