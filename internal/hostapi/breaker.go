package hostapi

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrPlatformUnavailable is returned without touching the network while the
// platform has been failing and the breaker cooldown has not elapsed. Tool
// handlers surface it as a tool error, so a dead platform answers in
// microseconds instead of stacking 10-second HTTP timeouts behind a voice
// turn.
var ErrPlatformUnavailable = errors.New("hostapi: platform unavailable")

// Breaker defaults, sized for a local platform API with a 10s per-request
// timeout.
const (
	breakerTripAfter = 5
	breakerCooldown  = 30 * time.Second
	breakerProbes    = 3
)

// breaker gates platform requests. Consecutive failures open it; after the
// cooldown a limited number of probe requests decide whether the platform is
// back. A zero breaker is not usable, construct with newBreaker.
type breaker struct {
	tripAfter int
	cooldown  time.Duration
	probeMax  int

	mu         sync.Mutex
	failures   int       // consecutive failures while conducting, resets on success
	openedAt   time.Time // zero while conducting
	probing    bool
	probesUsed int
	probesOK   int
}

func newBreaker() *breaker {
	return &breaker{
		tripAfter: breakerTripAfter,
		cooldown:  breakerCooldown,
		probeMax:  breakerProbes,
	}
}

// do runs fn unless the breaker is open, and feeds the outcome back into the
// failure accounting. While open it returns ErrPlatformUnavailable.
func (b *breaker) do(fn func() error) error {
	b.mu.Lock()
	if !b.openedAt.IsZero() && !b.probing {
		if time.Since(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return ErrPlatformUnavailable
		}
		b.probing = true
		b.probesUsed = 0
		b.probesOK = 0
		slog.Info("probing platform after breaker cooldown")
	}
	if b.probing {
		if b.probesUsed >= b.probeMax {
			b.mu.Unlock()
			return ErrPlatformUnavailable
		}
		b.probesUsed++
	}
	probe := b.probing
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.fail(probe)
	} else {
		b.pass(probe)
	}
	return err
}

// fail records one failed request. Must hold b.mu.
func (b *breaker) fail(probe bool) {
	if probe {
		// One failed probe puts the platform back on cooldown.
		b.openedAt = time.Now()
		b.probing = false
		slog.Warn("platform probe failed, breaker re-opened")
		return
	}
	b.failures++
	if b.failures >= b.tripAfter && b.openedAt.IsZero() {
		b.openedAt = time.Now()
		slog.Warn("platform breaker opened",
			"consecutive_failures", b.failures,
		)
	}
}

// pass records one successful request. Must hold b.mu.
func (b *breaker) pass(probe bool) {
	if probe {
		b.probesOK++
		if b.probesOK >= b.probeMax {
			b.openedAt = time.Time{}
			b.probing = false
			b.failures = 0
			slog.Info("platform recovered, breaker closed")
		}
		return
	}
	b.failures = 0
}

// open reports whether requests are currently rejected outright.
func (b *breaker) open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.openedAt.IsZero() && !b.probing && time.Since(b.openedAt) < b.cooldown
}
