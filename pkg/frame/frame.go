// Package frame defines the media frame types that flow through the runtime
// and the 64-bit Handle used to correlate every event belonging to one
// long-running operation.
package frame

import "sync/atomic"

// Handle correlates all events for one long-running operation (a voice
// session leg, a pipeline run, a generation request). Handles are opaque,
// comparable, and monotone within a process.
type Handle uint64

var handleCounter atomic.Uint64

// NextHandle allocates a fresh process-unique handle. Handle 0 is never
// issued so the zero value can mean "no handle".
func NextHandle() Handle {
	return Handle(handleCounter.Add(1))
}

// Kind discriminates the Frame union.
type Kind uint8

const (
	KindAudio Kind = iota
	KindVideo
	KindText
	KindImage
)

// PixelFormat enumerates the wire pixel formats for video frames.
type PixelFormat uint8

const (
	PixelRGBA8 PixelFormat = iota
	PixelRGB8
	PixelNV12
	PixelYUV420
)

// AudioFrame is a chunk of PCM audio. Samples are signed 16-bit,
// little-endian on the wire. TimestampUS must be strictly monotone within
// one Handle.
type AudioFrame struct {
	Samples     []int16
	SampleRate  int
	Channels    int
	TimestampUS int64
}

// VideoFrame is one video frame with its pixel payload.
type VideoFrame struct {
	Bytes       []byte
	Width       uint16
	Height      uint16
	Format      PixelFormat
	TimestampUS int64
	Sequence    uint32
}

// TextFrame carries incremental or final text output.
type TextFrame struct {
	Text        string
	IsFinal     bool
	TimestampUS int64
}

// ImageFrame carries a still image payload.
type ImageFrame struct {
	Bytes  []byte
	Width  uint16
	Height uint16
}

// Frame is the tagged union of all media payload types. Exactly one of the
// pointer fields matching Kind is non-nil.
type Frame struct {
	Kind   Kind
	Handle Handle
	Audio  *AudioFrame
	Video  *VideoFrame
	Text   *TextFrame
	Image  *ImageFrame
}
