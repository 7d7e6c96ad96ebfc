// Package bridge forwards participant audio frames from the mixer to an
// external SFU over a websocket. The core only publishes; the SFU decides
// who hears what. Frames are Opus-encoded to keep the uplink narrow.
package bridge

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"layeh.com/gopus"

	"github.com/continuumrt/continuum/internal/voice"
	"github.com/continuumrt/continuum/pkg/audio"
)

// opusFrameSize is the per-packet sample count at 16 kHz (20 ms).
const opusFrameSize = 320

// maxOpusBytes bounds one encoded packet.
const maxOpusBytes = 4000

// reconnectBackoff is the wait between failed SFU connection attempts.
const reconnectBackoff = 5 * time.Second

// Bridge streams mixer audio events to the SFU.
type Bridge struct {
	url     string
	mixer   *voice.Mixer
	encoder *gopus.Encoder
}

// New creates a bridge targeting the given websocket URL. The URL comes
// from secrets-style config; the bridge never parses it beyond dialing.
func New(url string, mixer *voice.Mixer) (*Bridge, error) {
	encoder, err := gopus.NewEncoder(audio.SystemRate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("bridge: opus encoder: %w", err)
	}
	return &Bridge{url: url, mixer: mixer, encoder: encoder}, nil
}

// Run subscribes to the mixer and forwards frames until ctx is cancelled.
// Connection loss reconnects with backoff; frames arriving while
// disconnected are dropped (the SFU shows a gap, the core never blocks).
func (b *Bridge) Run(ctx context.Context) error {
	sub := b.mixer.Subscribe()
	defer sub.Close()

	var conn *websocket.Conn
	defer func() {
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "bridge shutting down")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-sub.C:
			if !ok {
				return nil
			}
			if event.Kind != voice.EventAudio && event.Kind != voice.EventTTSAudio &&
				event.Kind != voice.EventNativeResponse {
				continue
			}
			if conn == nil {
				var err error
				if conn, err = b.dial(ctx); err != nil {
					slog.Warn("sfu connection failed, dropping frame", "err", err)
					b.sleep(ctx, reconnectBackoff)
					continue
				}
			}
			if err := b.forward(ctx, conn, event); err != nil {
				slog.Warn("sfu forward failed, reconnecting", "err", err)
				conn.Close(websocket.StatusInternalError, "forward failed")
				conn = nil
			}
		}
	}
}

func (b *Bridge) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, b.url, nil)
	if err != nil {
		return nil, err
	}
	slog.Info("sfu bridge connected", "url", b.url)
	return conn, nil
}

// forward encodes the event's samples into 20 ms Opus packets and sends
// each as one binary message: a small header (handle, user id) followed by
// the packet.
func (b *Bridge) forward(ctx context.Context, conn *websocket.Conn, event voice.AudioEvent) error {
	samples := event.Samples
	for off := 0; off+opusFrameSize <= len(samples); off += opusFrameSize {
		packet, err := b.encoder.Encode(samples[off:off+opusFrameSize], opusFrameSize, maxOpusBytes)
		if err != nil {
			return fmt.Errorf("opus encode: %w", err)
		}

		header := make([]byte, 8+2+len(event.UserID))
		binary.LittleEndian.PutUint64(header[0:8], uint64(event.Handle))
		binary.LittleEndian.PutUint16(header[8:10], uint16(len(event.UserID)))
		copy(header[10:], event.UserID)

		if err := conn.Write(ctx, websocket.MessageBinary, append(header, packet...)); err != nil {
			return fmt.Errorf("websocket write: %w", err)
		}
	}
	return nil
}

func (b *Bridge) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
