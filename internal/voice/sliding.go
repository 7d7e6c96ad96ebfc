// Package voice implements the real-time voice path: the sliding
// transcription buffer, the two-stage production VAD with sentence
// buffering, STT/TTS adapter registries, the mixer with capability-aware
// fan-out, responder selection, and the voice IPC module.
package voice

import "fmt"

// SlidingBuffer accumulates audio samples in a pre-allocated ring and
// emits fixed-length chunks for transcription. Every chunk after the first
// begins with contextOverlap samples copied from the tail of the previous
// chunk, so the recogniser always sees context at chunk boundaries and
// words split across chunks still transcribe correctly.
type SlidingBuffer struct {
	buffer   []float32
	capacity int
	writePos int
	// totalSamples counts everything ever pushed (monotone).
	totalSamples int
	// lastExtractPos marks where the previous extraction ended, in total
	// sample coordinates.
	lastExtractPos int

	interval int
	overlap  int
}

// NewSlidingBuffer creates a buffer with the default capacity of ten
// intervals.
func NewSlidingBuffer(transcriptionInterval, contextOverlap int) *SlidingBuffer {
	return NewSlidingBufferWithCapacity(transcriptionInterval*10, transcriptionInterval, contextOverlap)
}

// NewSlidingBufferWithCapacity creates a buffer with an explicit capacity.
// The capacity must fit one interval plus one overlap, and the overlap
// must be smaller than the interval.
func NewSlidingBufferWithCapacity(capacity, transcriptionInterval, contextOverlap int) *SlidingBuffer {
	if capacity < transcriptionInterval+contextOverlap {
		panic(fmt.Sprintf("sliding buffer capacity %d < interval %d + overlap %d",
			capacity, transcriptionInterval, contextOverlap))
	}
	if contextOverlap >= transcriptionInterval {
		panic("sliding buffer overlap must be smaller than the interval")
	}
	return &SlidingBuffer{
		buffer:   make([]float32, capacity),
		capacity: capacity,
		interval: transcriptionInterval,
		overlap:  contextOverlap,
	}
}

// Push appends samples, overwriting the oldest data when the ring is full.
func (b *SlidingBuffer) Push(samples []float32) {
	for _, s := range samples {
		b.buffer[b.writePos] = s
		b.writePos = (b.writePos + 1) % b.capacity
		b.totalSamples++
	}
}

// ReadyForTranscription reports whether a full interval has accumulated
// since the last extraction.
func (b *SlidingBuffer) ReadyForTranscription() bool {
	return b.SamplesSinceLastExtract() >= b.interval
}

// SamplesSinceLastExtract returns how much new audio has arrived since the
// previous extraction.
func (b *SlidingBuffer) SamplesSinceLastExtract() int {
	return b.totalSamples - b.lastExtractPos
}

// TotalSamples returns the total number of samples ever pushed.
func (b *SlidingBuffer) TotalSamples() int { return b.totalSamples }

// ExtractChunk returns the next transcription chunk of exactly the
// configured interval length. After the first extraction, the chunk starts
// overlap samples before the previous extraction's end, so its first
// overlap samples equal the previous chunk's tail. The extraction marker
// advances by interval − overlap per call (a full interval on the first).
func (b *SlidingBuffer) ExtractChunk() []float32 {
	if !b.ReadyForTranscription() {
		panic("sliding buffer not ready for extraction")
	}

	first := b.lastExtractPos == 0
	start := b.lastExtractPos
	if !first {
		start -= b.overlap
	}

	chunk := make([]float32, b.interval)
	for i := range chunk {
		chunk[i] = b.buffer[(start+i)%b.capacity]
	}

	if first {
		b.lastExtractPos += b.interval
	} else {
		b.lastExtractPos += b.interval - b.overlap
	}
	return chunk
}
