package protocol

import (
	"encoding/binary"
	"fmt"
)

// Binary frame layout: type u8 | reserved u8 | payload size u16 BE | payload.
const binaryHeaderLen = 4

// Binary frame types.
const (
	binaryTypeAudio = 0
)

var errFrameTruncated = fmt.Errorf("protocol: truncated binary frame")

// packAudioFrame wraps one Opus packet in the binary framing.
func packAudioFrame(payload []byte) []byte {
	buf := make([]byte, binaryHeaderLen+len(payload))
	buf[0] = binaryTypeAudio
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[binaryHeaderLen:], payload)
	return buf
}

// unpackAudioFrame extracts the Opus payload from an inbound binary frame.
// Frames with a non-audio type byte or a size field disagreeing with the
// actual payload length are rejected.
func unpackAudioFrame(frame []byte) ([]byte, error) {
	if len(frame) < binaryHeaderLen {
		return nil, errFrameTruncated
	}
	if frame[0] != binaryTypeAudio {
		return nil, fmt.Errorf("protocol: unexpected binary frame type %d", frame[0])
	}
	size := int(binary.BigEndian.Uint16(frame[2:4]))
	if len(frame)-binaryHeaderLen < size {
		return nil, errFrameTruncated
	}
	return frame[binaryHeaderLen : binaryHeaderLen+size], nil
}
