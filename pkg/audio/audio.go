// Package audio converts between the linear PCM the host platform speaks and
// the Opus frames the voice backend speaks.
//
// The encode direction (PCM → Opus) is handled natively with layeh.com/gopus,
// one fixed-size frame at a time. The decode direction (Opus → PCM/WAV) has no
// native path and shells out to an external ffmpeg process via [Transcoder];
// when ffmpeg is unavailable the caller receives [ErrCodecUnavailable] and is
// expected to degrade to silence ([SilenceWAV]) rather than fail the session.
//
// Compressed chunks travel inside a minimal OGG container ([MuxOpus],
// [DemuxOpus]) so that a chunk sequence split across arbitrary network
// boundaries reassembles into one playable stream.
package audio

import "errors"

// Stream parameters shared with the backend protocol. Input is what the host
// platform captures; output is what the backend synthesises.
const (
	// InputSampleRate is the PCM rate streamed to the backend.
	InputSampleRate = 16000

	// OutputSampleRate is the rate of synthesised audio returned by the backend.
	OutputSampleRate = 24000

	// Channels is mono for both directions.
	Channels = 1

	// FrameDuration is the Opus frame length in milliseconds.
	FrameDuration = 60

	// FrameSamples is the number of samples per channel in one encode frame.
	FrameSamples = InputSampleRate * FrameDuration / 1000

	// FrameBytes is the byte length of one 16-bit PCM encode frame.
	FrameBytes = FrameSamples * 2
)

// ErrCodecUnavailable reports that the external transcoder is missing or
// failed. Audio output should degrade to silence; the session must not crash.
var ErrCodecUnavailable = errors.New("audio: transcoder unavailable")

// int16sToBytes converts int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// bytesToInt16s converts little-endian bytes to int16 PCM samples.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
