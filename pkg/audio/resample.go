package audio

import "fmt"

// Sample rates and channel counts accepted from host adapters.
var (
	validSampleRates = map[int]bool{8000: true, 16000: true, 24000: true, 48000: true}
	validChannels    = map[int]bool{1: true, 2: true}
)

// Normalize converts host-supplied PCM (any supported rate, mono or stereo)
// to the backend's 16 kHz mono input format. Input that already matches is
// returned unchanged.
func Normalize(pcm []byte, sampleRate, channels int) ([]byte, error) {
	if !validSampleRates[sampleRate] {
		return nil, fmt.Errorf("audio: unsupported sample rate %d", sampleRate)
	}
	if !validChannels[channels] {
		return nil, fmt.Errorf("audio: unsupported channel count %d", channels)
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("audio: odd byte count %d in int16 PCM", len(pcm))
	}

	if channels == 2 {
		pcm = StereoToMono(pcm)
	}
	if sampleRate != InputSampleRate {
		pcm = ResampleMono16(pcm, sampleRate, InputSampleRate)
	}
	return pcm, nil
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		lSample := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		rSample := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (lSample + rSample) / 2

		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. The input must be little-endian int16 samples. If
// srcRate == dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}
