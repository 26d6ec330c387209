package audio

import (
	"encoding/binary"
	"time"
)

// WrapWAV wraps raw little-endian 16-bit PCM in a RIFF/WAVE header.
func WrapWAV(pcm []byte, sampleRate, channels int) []byte {
	const bitsPerSample = 16
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	out := make([]byte, 0, 44+len(pcm))
	out = append(out, []byte("RIFF")...)
	out = binary.LittleEndian.AppendUint32(out, uint32(36+len(pcm)))
	out = append(out, []byte("WAVE")...)

	out = append(out, []byte("fmt ")...)
	out = binary.LittleEndian.AppendUint32(out, 16)
	out = binary.LittleEndian.AppendUint16(out, 1) // PCM
	out = binary.LittleEndian.AppendUint16(out, uint16(channels))
	out = binary.LittleEndian.AppendUint32(out, uint32(sampleRate))
	out = binary.LittleEndian.AppendUint32(out, uint32(byteRate))
	out = binary.LittleEndian.AppendUint16(out, uint16(blockAlign))
	out = binary.LittleEndian.AppendUint16(out, bitsPerSample)

	out = append(out, []byte("data")...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(pcm)))
	out = append(out, pcm...)
	return out
}

// SilenceWAV returns a WAV file of silence at the backend output format.
// Served when no synthesised audio is available so the host pipeline always
// receives playable bytes.
func SilenceWAV(d time.Duration) []byte {
	frames := int(int64(OutputSampleRate) * int64(d) / int64(time.Second))
	if frames < 0 {
		frames = 0
	}
	return WrapWAV(make([]byte, frames*Channels*2), OutputSampleRate, Channels)
}
