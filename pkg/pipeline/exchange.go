// Package pipeline reconciles one backend exchange into three independently
// consumable results: recognized text (available early), answer text and
// synthesised audio (available together, later).
//
// The host platform drives speech recognition, conversation and speech
// synthesis on independent schedules, yet the backend produces all three from
// a single round-trip. An [Exchange] accumulates that round-trip; a [Cache]
// lets up to three consumers block on the field they need without any of them
// owning or mutating the exchange.
package pipeline

import (
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	// ErrTimeout reports that a consumer's wait exceeded its bound. The
	// exchange itself keeps running; only this consumer's wait is cancelled.
	ErrTimeout = errors.New("pipeline: wait timed out")

	// ErrAbandoned reports that the exchange failed before completing,
	// typically because the connection dropped mid-exchange.
	ErrAbandoned = errors.New("pipeline: exchange abandoned")
)

// Exchange is one backend round-trip for a single caller turn. It is written
// by the protocol client's dispatch path and read by cache consumers once the
// corresponding readiness signal fires.
type Exchange struct {
	sessionID string
	createdAt time.Time

	// recognizedReady closes when recognized text arrives; completeReady
	// closes when the exchange is frozen (complete or failed).
	recognizedReady chan struct{}
	completeReady   chan struct{}
	recognizedOnce  sync.Once
	completeOnce    sync.Once

	mu          sync.Mutex
	recognized  string
	answerParts []string
	chunks      [][]byte
	frozen      bool
	failure     error
}

// NewExchange creates an empty in-flight exchange for the given session.
func NewExchange(sessionID string) *Exchange {
	return &Exchange{
		sessionID:       sessionID,
		createdAt:       time.Now(),
		recognizedReady: make(chan struct{}),
		completeReady:   make(chan struct{}),
	}
}

// SessionID returns the caller-generated identifier correlating all frames
// and cache lookups of this exchange.
func (e *Exchange) SessionID() string { return e.sessionID }

// CreatedAt returns the exchange creation time.
func (e *Exchange) CreatedAt() time.Time { return e.createdAt }

// SetRecognized records the recognized text and releases recognition waiters.
// Later calls are ignored.
func (e *Exchange) SetRecognized(text string) {
	e.mu.Lock()
	if !e.frozen && e.recognized == "" {
		e.recognized = text
	}
	e.mu.Unlock()
	e.recognizedOnce.Do(func() { close(e.recognizedReady) })
}

// AppendAnswer adds one answer text chunk. Ignored after freeze.
func (e *Exchange) AppendAnswer(part string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.frozen {
		e.answerParts = append(e.answerParts, part)
	}
}

// AppendAudio adds one compressed audio chunk. Ignored after freeze.
func (e *Exchange) AppendAudio(packet []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.frozen {
		e.chunks = append(e.chunks, packet)
	}
}

// Complete freezes the exchange and releases all waiters. The recognition
// signal is released too, so a recognition waiter is never stranded by an
// exchange that completed without a recognized-text frame.
func (e *Exchange) Complete() {
	e.mu.Lock()
	e.frozen = true
	e.mu.Unlock()
	e.recognizedOnce.Do(func() { close(e.recognizedReady) })
	e.completeOnce.Do(func() { close(e.completeReady) })
}

// Fail freezes the exchange with an error; all current and future waiters
// receive it. Completing or failing twice is a no-op.
func (e *Exchange) Fail(err error) {
	if err == nil {
		err = ErrAbandoned
	}
	e.mu.Lock()
	if !e.frozen {
		e.frozen = true
		e.failure = err
	}
	e.mu.Unlock()
	e.recognizedOnce.Do(func() { close(e.recognizedReady) })
	e.completeOnce.Do(func() { close(e.completeReady) })
}

// Done reports whether the exchange is frozen (complete or failed).
func (e *Exchange) Done() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frozen
}

// Err returns the failure recorded by Fail, or nil.
func (e *Exchange) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failure
}

// Recognized returns the recognized text. Valid once recognizedReady fired.
func (e *Exchange) Recognized() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recognized
}

// Answer returns the joined answer text. Valid once the exchange is frozen.
func (e *Exchange) Answer() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return strings.Join(e.answerParts, " ")
}

// Audio returns the collected compressed chunks. The slice is shared;
// consumers must not mutate it. Valid once the exchange is frozen.
func (e *Exchange) Audio() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chunks
}
