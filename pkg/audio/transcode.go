package audio

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// Transcoder decodes backend Opus audio to PCM/WAV by shelling out to ffmpeg.
// The zero value uses "ffmpeg" from PATH. Absence of the binary is a
// recoverable condition ([ErrCodecUnavailable]), never a crash: callers
// substitute [SilenceWAV].
type Transcoder struct {
	// FFmpegPath overrides the ffmpeg binary location. Empty means look up
	// "ffmpeg" in PATH.
	FFmpegPath string
}

// Available reports whether the external transcoder binary can be found.
func (t *Transcoder) Available() bool {
	_, err := exec.LookPath(t.binary())
	return err == nil
}

func (t *Transcoder) binary() string {
	if t.FFmpegPath != "" {
		return t.FFmpegPath
	}
	return "ffmpeg"
}

// DecodeToWAV decodes a sequence of raw Opus packets (as collected from one
// exchange) into a WAV file at the backend output format. An empty packet
// list yields an empty WAV. Transcoder absence or failure returns
// ErrCodecUnavailable.
func (t *Transcoder) DecodeToWAV(ctx context.Context, packets [][]byte) ([]byte, error) {
	if len(packets) == 0 {
		return WrapWAV(nil, OutputSampleRate, Channels), nil
	}
	if _, err := exec.LookPath(t.binary()); err != nil {
		return nil, fmt.Errorf("%w: %s not found", ErrCodecUnavailable, t.binary())
	}

	// ffmpeg only accepts contained streams, so wrap the raw packets first.
	ogg := MuxOpus(packets, OutputSampleRate, Channels)

	cmd := exec.CommandContext(ctx, t.binary(),
		"-hide_banner",
		"-loglevel", "error",
		"-f", "ogg",
		"-i", "pipe:0",
		"-f", "s16le",
		"-ar", strconv.Itoa(OutputSampleRate),
		"-ac", strconv.Itoa(Channels),
		"pipe:1",
	)
	cmd.Stdin = bytes.NewReader(ogg)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		slog.Error("ffmpeg opus decode failed",
			"error", err,
			"stderr", strings.TrimSpace(stderr.String()),
		)
		return nil, fmt.Errorf("%w: decode: %v", ErrCodecUnavailable, err)
	}

	return WrapWAV(stdout.Bytes(), OutputSampleRate, Channels), nil
}
