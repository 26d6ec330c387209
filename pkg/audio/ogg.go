package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// OGG page flags.
const (
	oggFlagBOS = 0x02
	oggFlagEOS = 0x04
)

// oggSerial identifies our single logical stream inside the container.
const oggSerial uint32 = 0x48535057 // "HSPW"

// opusPreSkip is the standard 6.5 ms pre-skip at 48 kHz.
const opusPreSkip = 312

// granuleStep is the granule position increment per packet. Opus granules are
// always expressed at 48 kHz regardless of the coded sample rate.
const granuleStep = 48000 * FrameDuration / 1000

// errOggSync reports a corrupt container (lost the "OggS" capture pattern).
var errOggSync = errors.New("audio: ogg sync lost")

// oggCRCTable is the OGG-specific CRC-32 lookup table (polynomial 0x04C11DB7,
// no bit reflection, zero initial value).
var oggCRCTable = func() [256]uint32 {
	var table [256]uint32
	for i := range table {
		r := uint32(i) << 24
		for range 8 {
			if r&0x80000000 != 0 {
				r = (r << 1) ^ 0x04C11DB7
			} else {
				r <<= 1
			}
		}
		table[i] = r
	}
	return table
}()

func oggCRC(data []byte) uint32 {
	var crc uint32
	for _, b := range data {
		crc = (crc << 8) ^ oggCRCTable[byte(crc>>24)^b]
	}
	return crc
}

// buildPage assembles one OGG page around the given packets. Packets longer
// than 255 bytes are laced across multiple segments per the OGG spec.
func buildPage(serial uint32, pageSeq uint32, granule int64, flags byte, packets [][]byte) []byte {
	var segTable []byte
	var body []byte
	for _, p := range packets {
		n := len(p)
		for n >= 255 {
			segTable = append(segTable, 255)
			n -= 255
		}
		segTable = append(segTable, byte(n))
		body = append(body, p...)
	}

	page := make([]byte, 0, 27+len(segTable)+len(body))
	page = append(page, 'O', 'g', 'g', 'S')
	page = append(page, 0, flags)
	page = binary.LittleEndian.AppendUint64(page, uint64(granule))
	page = binary.LittleEndian.AppendUint32(page, serial)
	page = binary.LittleEndian.AppendUint32(page, pageSeq)
	page = binary.LittleEndian.AppendUint32(page, 0) // CRC placeholder
	page = append(page, byte(len(segTable)))
	page = append(page, segTable...)
	page = append(page, body...)

	binary.LittleEndian.PutUint32(page[22:26], oggCRC(page))
	return page
}

// opusHead builds the OpusHead identification header.
func opusHead(sampleRate, channels int) []byte {
	h := make([]byte, 0, 19)
	h = append(h, []byte("OpusHead")...)
	h = append(h, 1, byte(channels))
	h = binary.LittleEndian.AppendUint16(h, opusPreSkip)
	h = binary.LittleEndian.AppendUint32(h, uint32(sampleRate))
	h = binary.LittleEndian.AppendUint16(h, 0) // output gain
	h = append(h, 0)                           // channel mapping family
	return h
}

// opusTags builds the OpusTags comment header with no user comments.
func opusTags() []byte {
	vendor := []byte("homespeak")
	t := make([]byte, 0, 8+4+len(vendor)+4)
	t = append(t, []byte("OpusTags")...)
	t = binary.LittleEndian.AppendUint32(t, uint32(len(vendor)))
	t = append(t, vendor...)
	t = binary.LittleEndian.AppendUint32(t, 0)
	return t
}

// MuxOpus wraps raw Opus packets into a minimal OGG/Opus stream: an OpusHead
// BOS page, an OpusTags page, then one packet per page in strict order with
// the final page flagged EOS. Page headers carry no cross-page state beyond
// the sequence number and granule position.
func MuxOpus(packets [][]byte, sampleRate, channels int) []byte {
	var out bytes.Buffer
	out.Write(buildPage(oggSerial, 0, 0, oggFlagBOS, [][]byte{opusHead(sampleRate, channels)}))
	out.Write(buildPage(oggSerial, 1, 0, 0, [][]byte{opusTags()}))

	granule := int64(0)
	for i, p := range packets {
		granule += granuleStep
		var flags byte
		if i == len(packets)-1 {
			flags = oggFlagEOS
		}
		out.Write(buildPage(oggSerial, uint32(i+2), granule, flags, [][]byte{p}))
	}
	return out.Bytes()
}

// DemuxOpus parses an OGG/Opus stream and returns the raw Opus packets in
// order. The two header pages (OpusHead, OpusTags) are skipped; packets laced
// across 255-byte segments are reassembled; a trailing partial packet at
// stream end is flushed as-is. A truncated stream yields the packets read so
// far; a lost capture pattern is an error.
func DemuxOpus(r io.Reader) ([][]byte, error) {
	var packets [][]byte
	var pending []byte
	pageIndex := 0

	header := make([]byte, 27)
	for {
		if _, err := io.ReadFull(r, header[:4]); err != nil {
			break // end of stream
		}
		if !bytes.Equal(header[:4], []byte("OggS")) {
			return packets, fmt.Errorf("%w: got %q", errOggSync, header[:4])
		}
		if _, err := io.ReadFull(r, header[4:]); err != nil {
			break
		}

		numSegments := int(header[26])
		segTable := make([]byte, numSegments)
		if _, err := io.ReadFull(r, segTable); err != nil {
			break
		}

		total := 0
		for _, s := range segTable {
			total += int(s)
		}
		body := make([]byte, total)
		if _, err := io.ReadFull(r, body); err != nil {
			break
		}

		pageIndex++
		if pageIndex <= 2 {
			continue // OpusHead, OpusTags
		}

		offset := 0
		for _, segLen := range segTable {
			pending = append(pending, body[offset:offset+int(segLen)]...)
			offset += int(segLen)
			if segLen < 255 {
				if len(pending) > 0 {
					packets = append(packets, pending)
				}
				pending = nil
			}
		}
	}

	if len(pending) > 0 {
		packets = append(packets, pending)
	}
	return packets, nil
}
