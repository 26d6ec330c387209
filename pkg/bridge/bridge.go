// Package bridge is the consumer-facing surface: submit one turn of text or
// speech, then collect the recognized text, the answer text, and the spoken
// answer independently. The three Await calls may be made from different
// goroutines in any order; each blocks until its result is ready or the
// response timeout elapses.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/homespeak/homespeak/pkg/audio"
	"github.com/homespeak/homespeak/pkg/pipeline"
)

// DefaultSilence is the length of the silent WAV substituted when no spoken
// answer can be produced.
const DefaultSilence = 500 * time.Millisecond

// Submitter is the protocol surface the bridge drives. *protocol.Client
// satisfies it.
type Submitter interface {
	SendText(ctx context.Context, sessionID, text string) error
	StreamAudio(ctx context.Context, sessionID string, pcm <-chan []byte) error
	Abort(ctx context.Context, reason string) error
}

// Bridge ties the protocol client, the pipeline cache, and the transcoder
// together.
type Bridge struct {
	submit     Submitter
	cache      *pipeline.Cache
	transcoder *audio.Transcoder
	onCodecErr func()
	log        *slog.Logger
}

// Option customizes a [Bridge].
type Option func(*Bridge)

// WithCodecFailureHook installs a callback fired whenever decoding a spoken
// answer fails.
func WithCodecFailureHook(fn func()) Option {
	return func(b *Bridge) {
		b.onCodecErr = fn
	}
}

// New creates a bridge. transcoder may be nil; spoken answers then degrade
// to silence.
func New(submit Submitter, cache *pipeline.Cache, transcoder *audio.Transcoder, opts ...Option) *Bridge {
	b := &Bridge{
		submit:     submit,
		cache:      cache,
		transcoder: transcoder,
		log:        slog.With("component", "bridge"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewSessionID returns a fresh caller-generated session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// SubmitText starts one exchange from already-recognized text.
func (b *Bridge) SubmitText(ctx context.Context, sessionID, text string) error {
	return b.submit.SendText(ctx, sessionID, text)
}

// SubmitAudioStream starts one exchange from a PCM stream (16 kHz mono
// s16le). The producer closes pcm to end the turn.
func (b *Bridge) SubmitAudioStream(ctx context.Context, sessionID string, pcm <-chan []byte) error {
	return b.submit.StreamAudio(ctx, sessionID, pcm)
}

// Abort cancels the in-flight exchange on both ends.
func (b *Bridge) Abort(ctx context.Context) error {
	return b.submit.Abort(ctx, "user_interrupt")
}

// AwaitRecognizedText returns what the backend heard. Available well before
// the answer on spoken turns.
func (b *Bridge) AwaitRecognizedText(ctx context.Context, sessionID string) (string, error) {
	return b.cache.TakeRecognizedText(ctx, sessionID)
}

// AwaitAnswer returns the backend's answer text.
func (b *Bridge) AwaitAnswer(ctx context.Context, sessionID string) (string, error) {
	return b.cache.TakeAnswer(ctx, sessionID)
}

// AwaitAudio returns the spoken answer as a WAV payload. An exchange with no
// audio, or a missing decoder, yields a short silent WAV rather than an
// error: a voice turn must always produce something playable.
func (b *Bridge) AwaitAudio(ctx context.Context, sessionID string) ([]byte, error) {
	chunks, err := b.cache.TakeAudio(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("bridge: await audio: %w", err)
	}
	if len(chunks) == 0 {
		return audio.SilenceWAV(DefaultSilence), nil
	}
	if b.transcoder == nil {
		b.log.Warn("no transcoder configured, substituting silence", "session_id", sessionID)
		return audio.SilenceWAV(DefaultSilence), nil
	}

	wav, err := b.transcoder.DecodeToWAV(ctx, chunks)
	if err != nil {
		if b.onCodecErr != nil {
			b.onCodecErr()
		}
		if errors.Is(err, audio.ErrCodecUnavailable) {
			b.log.Warn("audio decode failed, substituting silence",
				"session_id", sessionID, "error", err,
			)
			return audio.SilenceWAV(DefaultSilence), nil
		}
		return nil, fmt.Errorf("bridge: decode answer audio: %w", err)
	}
	return wav, nil
}
