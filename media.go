package whisper

import "context"

// The media pipeline lives outside the core. These are the contracts the
// core consumes; any capture or playback backend can sit behind them.

// AudioCapture yields 20 ms, 48 kHz, mono Opus frames.
type AudioCapture interface {
	Frames() <-chan []byte
	Close() error
}

// AudioPlayback accepts decoded PCM frames; the implementation resamples
// and writes to the device.
type AudioPlayback interface {
	Play(pcm []byte)
	Close() error
}

// ScreenFrame is one captured frame with a monotonic sequence number.
type ScreenFrame struct {
	Seq  uint64
	JPEG []byte
}

// ScreenCapture yields JPEG-encoded frames on a bounded channel.
type ScreenCapture interface {
	Frames() <-chan ScreenFrame
	Close() error
}

// screenBufferDepth bounds the capture queue: a slow network drops frames
// at the source instead of building latency.
const screenBufferDepth = 2

// ScreenBuffer is a capacity-2, drop-on-full buffer between a capture
// backend and the sender.
type ScreenBuffer struct {
	ch chan ScreenFrame
}

func NewScreenBuffer() *ScreenBuffer {
	return &ScreenBuffer{ch: make(chan ScreenFrame, screenBufferDepth)}
}

// Push offers a frame, dropping it when the buffer is full.
func (b *ScreenBuffer) Push(f ScreenFrame) bool {
	select {
	case b.ch <- f:
		return true
	default:
		return false
	}
}

func (b *ScreenBuffer) Frames() <-chan ScreenFrame {
	return b.ch
}

// StreamAudio pumps captured Opus frames to a peer until ctx is cancelled
// or the capture channel closes, then clears the cached voice key.
func (c *Client) StreamAudio(ctx context.Context, target string, capture AudioCapture) {
	defer c.peers.EndCall(target)
	for {
		select {
		case <-ctx.Done():
			return
		case opus, ok := <-capture.Frames():
			if !ok {
				return
			}
			c.Send(Outgoing{Kind: OutAudio, Target: target, Payload: opus})
		}
	}
}

// StreamScreen pumps captured JPEG frames to a peer until ctx is cancelled
// or the capture channel closes, then clears the cached screen key.
func (c *Client) StreamScreen(ctx context.Context, target string, capture ScreenCapture) {
	defer c.peers.EndScreenShare(target)
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-capture.Frames():
			if !ok {
				return
			}
			c.Send(Outgoing{Kind: OutScreen, Target: target, Payload: frame.JPEG})
		}
	}
}
