package hostapi

import (
	"errors"
	"testing"
	"time"
)

var errPlatformDown = errors.New("connection refused")

func fastBreaker() *breaker {
	b := newBreaker()
	b.cooldown = 30 * time.Millisecond
	return b
}

func tripBreaker(t *testing.T, b *breaker) {
	t.Helper()
	for i := 0; i < b.tripAfter; i++ {
		if err := b.do(func() error { return errPlatformDown }); !errors.Is(err, errPlatformDown) {
			t.Fatalf("failing call %d = %v", i, err)
		}
	}
	if !b.open() {
		t.Fatal("breaker did not open after consecutive failures")
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	b := fastBreaker()
	tripBreaker(t, b)

	called := false
	err := b.do(func() error { called = true; return nil })
	if !errors.Is(err, ErrPlatformUnavailable) {
		t.Fatalf("err = %v, want ErrPlatformUnavailable", err)
	}
	if called {
		t.Fatal("open breaker still ran the request")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	b := fastBreaker()
	// Stay one short of the trip threshold, recover, then fail once more.
	for i := 0; i < b.tripAfter-1; i++ {
		b.do(func() error { return errPlatformDown })
	}
	if err := b.do(func() error { return nil }); err != nil {
		t.Fatalf("recovering call: %v", err)
	}
	if err := b.do(func() error { return errPlatformDown }); !errors.Is(err, errPlatformDown) {
		t.Fatalf("err = %v", err)
	}
	if b.open() {
		t.Fatal("breaker opened although the failure streak was broken")
	}
}

func TestBreaker_ClosesAfterSuccessfulProbes(t *testing.T) {
	t.Parallel()

	b := fastBreaker()
	tripBreaker(t, b)
	time.Sleep(b.cooldown + 5*time.Millisecond)

	for i := 0; i < b.probeMax; i++ {
		if err := b.do(func() error { return nil }); err != nil {
			t.Fatalf("probe %d = %v", i, err)
		}
	}
	if b.open() {
		t.Fatal("breaker still open after successful probes")
	}
	if err := b.do(func() error { return nil }); err != nil {
		t.Fatalf("call after recovery: %v", err)
	}
}

func TestBreaker_ReopensOnFailedProbe(t *testing.T) {
	t.Parallel()

	b := fastBreaker()
	tripBreaker(t, b)
	time.Sleep(b.cooldown + 5*time.Millisecond)

	if err := b.do(func() error { return errPlatformDown }); !errors.Is(err, errPlatformDown) {
		t.Fatalf("probe = %v", err)
	}
	if !b.open() {
		t.Fatal("failed probe did not restart the cooldown")
	}
	if err := b.do(func() error { return nil }); !errors.Is(err, ErrPlatformUnavailable) {
		t.Fatalf("err = %v, want ErrPlatformUnavailable", err)
	}
}
