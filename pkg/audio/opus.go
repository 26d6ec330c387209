package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// encodeBitrate is tuned for speech over a home network link.
const encodeBitrate = 32000

// Encoder encodes fixed-size 16 kHz mono PCM frames into Opus packets.
// It retains no state across calls beyond the codec's own framing; feed it
// exactly [FrameBytes] bytes per call, in order. Not safe for concurrent use;
// create one per stream.
type Encoder struct {
	enc *gopus.Encoder
}

// NewEncoder creates an Opus encoder for the backend's audio parameters.
func NewEncoder() (*Encoder, error) {
	enc, err := gopus.NewEncoder(InputSampleRate, Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	enc.SetBitrate(encodeBitrate)
	return &Encoder{enc: enc}, nil
}

// Encode encodes one PCM frame (little-endian int16, [FrameBytes] bytes) into
// a single Opus packet.
func (e *Encoder) Encode(pcmFrame []byte) ([]byte, error) {
	if len(pcmFrame) != FrameBytes {
		return nil, fmt.Errorf("audio: encode: frame is %d bytes, want %d", len(pcmFrame), FrameBytes)
	}
	packet, err := e.enc.Encode(bytesToInt16s(pcmFrame), FrameSamples, FrameBytes)
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return packet, nil
}

// Framer re-chunks an arbitrarily sliced PCM byte stream into exact encode
// frames. The host platform delivers audio on its own chunk boundaries, which
// rarely line up with Opus frame boundaries.
//
// Not safe for concurrent use; create one per stream.
type Framer struct {
	buf []byte
}

// Push appends a PCM chunk and returns all complete frames now available.
// Each returned slice is exactly [FrameBytes] long and owned by the caller.
func (f *Framer) Push(chunk []byte) [][]byte {
	f.buf = append(f.buf, chunk...)

	var frames [][]byte
	for len(f.buf) >= FrameBytes {
		frame := make([]byte, FrameBytes)
		copy(frame, f.buf[:FrameBytes])
		frames = append(frames, frame)
		f.buf = f.buf[FrameBytes:]
	}
	return frames
}

// Flush returns the remaining partial frame zero-padded to full length, or nil
// if no samples are buffered. Call once at end of stream.
func (f *Framer) Flush() []byte {
	if len(f.buf) == 0 {
		return nil
	}
	frame := make([]byte, FrameBytes)
	copy(frame, f.buf)
	f.buf = nil
	return frame
}
