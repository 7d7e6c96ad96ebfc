package voice

import "testing"

// Scenario from the design doc: interval 24000, overlap 8000. Push 30000
// samples valued by 1000-sample runs; the first chunk is samples 0..23999,
// the second chunk starts at 16000 — its first 8000 samples equal the
// previous chunk's tail.
func TestSlidingExtractionWithOverlap(t *testing.T) {
	t.Parallel()

	b := NewSlidingBuffer(24000, 8000)

	push := func(startValue, n int) {
		block := make([]float32, n)
		for i := range block {
			block[i] = float32(startValue + i/1000)
		}
		b.Push(block)
	}

	push(0, 30000) // values 0..29 per 1000-sample run
	if !b.ReadyForTranscription() {
		t.Fatal("30000 pushed samples should be ready")
	}

	chunk1 := b.ExtractChunk()
	if len(chunk1) != 24000 {
		t.Fatalf("chunk 1 length %d, want 24000", len(chunk1))
	}
	if chunk1[0] != 0 || chunk1[23999] != 23 {
		t.Fatalf("chunk 1 bounds: first=%f last=%f", chunk1[0], chunk1[23999])
	}

	push(30, 30000)
	chunk2 := b.ExtractChunk()
	if len(chunk2) != 24000 {
		t.Fatalf("chunk 2 length %d, want 24000", len(chunk2))
	}
	// Chunk 2 starts at sample 16000: value 16.
	if chunk2[0] != 16 {
		t.Fatalf("chunk 2 should start at sample 16000 (value 16), got %f", chunk2[0])
	}
	// The first 8000 samples of chunk 2 equal the last 8000 of chunk 1.
	for i := range 8000 {
		if chunk2[i] != chunk1[16000+i] {
			t.Fatalf("overlap mismatch at %d: %f vs %f", i, chunk2[i], chunk1[16000+i])
		}
	}
}

func TestSlidingEveryChunkHasIntervalLength(t *testing.T) {
	t.Parallel()

	b := NewSlidingBuffer(1000, 200)
	data := make([]float32, 5000)
	for i := range data {
		data[i] = float32(i)
	}
	b.Push(data)

	var prev []float32
	for b.ReadyForTranscription() {
		chunk := b.ExtractChunk()
		if len(chunk) != 1000 {
			t.Fatalf("chunk length %d, want 1000", len(chunk))
		}
		if prev != nil {
			for i := range 200 {
				if chunk[i] != prev[800+i] {
					t.Fatalf("overlap broken at %d", i)
				}
			}
		}
		prev = chunk
	}
}

func TestSlidingAdvanceMarker(t *testing.T) {
	t.Parallel()

	b := NewSlidingBuffer(1000, 200)
	b.Push(make([]float32, 1000))
	b.ExtractChunk()
	if got := b.SamplesSinceLastExtract(); got != 0 {
		t.Fatalf("first extraction advances by the full interval, remainder %d", got)
	}

	b.Push(make([]float32, 1000))
	b.ExtractChunk()
	// Second extraction advances by interval − overlap = 800.
	if got := b.SamplesSinceLastExtract(); got != 200 {
		t.Fatalf("second extraction should leave 200 unconsumed, got %d", got)
	}
}

func TestSlidingConstructorValidation(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("overlap >= interval must panic")
		}
	}()
	NewSlidingBufferWithCapacity(10000, 1000, 1000)
}
