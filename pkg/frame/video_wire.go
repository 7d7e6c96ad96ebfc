package frame

import (
	"encoding/binary"
	"fmt"
)

// videoHeaderSize is the fixed byte length of the video frame wire header:
// width:u16, height:u16, pixel_format:u8, timestamp_ms:u32, sequence:u32.
const videoHeaderSize = 2 + 2 + 1 + 4 + 4

// EncodeVideoFrame serialises a VideoFrame to its wire form: a fixed header
// followed by the raw pixel bytes. All integers are little-endian.
func EncodeVideoFrame(f *VideoFrame) []byte {
	buf := make([]byte, videoHeaderSize+len(f.Bytes))
	binary.LittleEndian.PutUint16(buf[0:2], f.Width)
	binary.LittleEndian.PutUint16(buf[2:4], f.Height)
	buf[4] = byte(f.Format)
	binary.LittleEndian.PutUint32(buf[5:9], uint32(f.TimestampUS/1000))
	binary.LittleEndian.PutUint32(buf[9:13], f.Sequence)
	copy(buf[videoHeaderSize:], f.Bytes)
	return buf
}

// DecodeVideoFrame parses a wire-encoded video frame. It validates the
// declared pixel format and that the payload length matches the frame
// dimensions for formats with a fixed bytes-per-pixel.
func DecodeVideoFrame(data []byte) (*VideoFrame, error) {
	if len(data) < videoHeaderSize {
		return nil, fmt.Errorf("video frame: %d bytes, want at least %d", len(data), videoHeaderSize)
	}
	f := &VideoFrame{
		Width:       binary.LittleEndian.Uint16(data[0:2]),
		Height:      binary.LittleEndian.Uint16(data[2:4]),
		Format:      PixelFormat(data[4]),
		TimestampUS: int64(binary.LittleEndian.Uint32(data[5:9])) * 1000,
		Sequence:    binary.LittleEndian.Uint32(data[9:13]),
		Bytes:       data[videoHeaderSize:],
	}
	if f.Format > PixelYUV420 {
		return nil, fmt.Errorf("video frame: unknown pixel format %d", data[4])
	}
	if bpp, fixed := bytesPerPixel(f.Format); fixed {
		want := int(f.Width) * int(f.Height) * bpp
		if len(f.Bytes) != want {
			return nil, fmt.Errorf("video frame: %dx%d %v payload is %d bytes, want %d",
				f.Width, f.Height, f.Format, len(f.Bytes), want)
		}
	}
	return f, nil
}

// bytesPerPixel returns the per-pixel byte count for packed formats.
// Planar subsampled formats (NV12, YUV420) return fixed=false.
func bytesPerPixel(pf PixelFormat) (bpp int, fixed bool) {
	switch pf {
	case PixelRGBA8:
		return 4, true
	case PixelRGB8:
		return 3, true
	default:
		return 0, false
	}
}
