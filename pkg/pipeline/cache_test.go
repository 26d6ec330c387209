package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCache_EarlyRecognizedText(t *testing.T) {
	t.Parallel()

	c := NewCache(Config{})
	ex := NewExchange("sess-1")
	if err := c.Put(ex); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ex.SetRecognized("turn on the lights")

	got, err := c.TakeRecognizedText(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("TakeRecognizedText: %v", err)
	}
	if got != "turn on the lights" {
		t.Fatalf("recognized = %q", got)
	}
	// Answer and audio are still pending; the entry must survive the
	// recognized read.
	if c.Len() != 1 {
		t.Fatalf("entries = %d, want 1", c.Len())
	}
}

func TestCache_ConsumerBeforeProducer(t *testing.T) {
	t.Parallel()

	c := NewCache(Config{})

	var wg sync.WaitGroup
	wg.Add(1)
	var got string
	var takeErr error
	go func() {
		defer wg.Done()
		got, takeErr = c.TakeAnswer(context.Background(), "sess-2")
	}()

	time.Sleep(20 * time.Millisecond)
	ex := NewExchange("sess-2")
	if err := c.Put(ex); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ex.AppendAnswer("The living room light is now on.")
	ex.Complete()

	wg.Wait()
	if takeErr != nil {
		t.Fatalf("TakeAnswer: %v", takeErr)
	}
	if got != "The living room light is now on." {
		t.Fatalf("answer = %q", got)
	}
}

func TestCache_IndependentConsumers(t *testing.T) {
	t.Parallel()

	c := NewCache(Config{})
	ex := NewExchange("sess-3")
	if err := c.Put(ex); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ex.SetRecognized("what is the weather")
	ex.AppendAnswer("Sunny,")
	ex.AppendAnswer("22 degrees.")
	ex.AppendAudio([]byte{0x01, 0x02})
	ex.AppendAudio([]byte{0x03})
	ex.Complete()

	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 3)
	wg.Add(3)
	go func() {
		defer wg.Done()
		text, err := c.TakeRecognizedText(ctx, "sess-3")
		if err == nil && text != "what is the weather" {
			err = errors.New("wrong recognized text: " + text)
		}
		errs <- err
	}()
	go func() {
		defer wg.Done()
		answer, err := c.TakeAnswer(ctx, "sess-3")
		if err == nil && answer != "Sunny, 22 degrees." {
			err = errors.New("wrong answer: " + answer)
		}
		errs <- err
	}()
	go func() {
		defer wg.Done()
		chunks, err := c.TakeAudio(ctx, "sess-3")
		if err == nil && len(chunks) != 2 {
			err = errors.New("wrong chunk count")
		}
		errs <- err
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	// All three fields read: the entry is gone.
	if c.Len() != 0 {
		t.Fatalf("entries = %d, want 0", c.Len())
	}
}

func TestCache_WaitTimeout(t *testing.T) {
	t.Parallel()

	c := NewCache(Config{WaitTimeout: 30 * time.Millisecond})
	_, err := c.TakeAnswer(context.Background(), "never-arrives")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestCache_CallerDeadlineWins(t *testing.T) {
	t.Parallel()

	c := NewCache(Config{WaitTimeout: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.TakeAudio(ctx, "never-arrives")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("wait took %v, caller deadline ignored", elapsed)
	}
}

func TestCache_PutRefusesSecondExchange(t *testing.T) {
	t.Parallel()

	c := NewCache(Config{})
	first := NewExchange("sess-4")
	if err := c.Put(first); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// Re-putting the same exchange (recognized -> complete upgrade) is fine.
	if err := c.Put(first); err != nil {
		t.Fatalf("re-Put same exchange: %v", err)
	}
	if err := c.Put(NewExchange("sess-4")); err == nil {
		t.Fatal("Put of a second exchange for the same session succeeded")
	}
}

func TestCache_FailedExchangeSurfacesError(t *testing.T) {
	t.Parallel()

	c := NewCache(Config{})
	ex := NewExchange("sess-5")
	if err := c.Put(ex); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ex.Fail(ErrAbandoned)

	if _, err := c.TakeAnswer(context.Background(), "sess-5"); !errors.Is(err, ErrAbandoned) {
		t.Fatalf("err = %v, want ErrAbandoned", err)
	}
	if _, err := c.TakeRecognizedText(context.Background(), "sess-5"); !errors.Is(err, ErrAbandoned) {
		t.Fatalf("err = %v, want ErrAbandoned", err)
	}
}

func TestCache_RetentionEviction(t *testing.T) {
	t.Parallel()

	c := NewCache(Config{Retention: time.Nanosecond})
	ex := NewExchange("sess-6")
	if err := c.Put(ex); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Sweeps are rate limited, so force the next access past the interval.
	c.mu.Lock()
	c.lastSweep = time.Now().Add(-time.Minute)
	c.entries["sess-6"].created = time.Now().Add(-time.Minute)
	c.mu.Unlock()

	if c.Len() != 0 {
		t.Fatalf("entries = %d, want 0 after retention sweep", c.Len())
	}
	if !ex.Done() || !errors.Is(ex.Err(), ErrAbandoned) {
		t.Fatalf("evicted exchange not failed: done=%v err=%v", ex.Done(), ex.Err())
	}
}

func TestExchange_AnswerJoinsParts(t *testing.T) {
	t.Parallel()

	ex := NewExchange("s")
	ex.AppendAnswer("Hello")
	ex.AppendAnswer("there.")
	ex.Complete()
	if got := ex.Answer(); got != "Hello there." {
		t.Fatalf("answer = %q", got)
	}
}

func TestExchange_FrozenAfterComplete(t *testing.T) {
	t.Parallel()

	ex := NewExchange("s")
	ex.AppendAnswer("final")
	ex.AppendAudio([]byte{0x01})
	ex.Complete()

	ex.AppendAnswer("late")
	ex.AppendAudio([]byte{0x02})
	ex.SetRecognized("late")

	if got := ex.Answer(); got != "final" {
		t.Fatalf("answer mutated after complete: %q", got)
	}
	if got := ex.Audio(); len(got) != 1 {
		t.Fatalf("audio mutated after complete: %d chunks", len(got))
	}
	if got := ex.Recognized(); got != "" {
		t.Fatalf("recognized mutated after complete: %q", got)
	}
}

func TestExchange_CompleteUnblocksRecognizedWaiters(t *testing.T) {
	t.Parallel()

	ex := NewExchange("s")
	ex.Complete()
	select {
	case <-ex.recognizedReady:
	default:
		t.Fatal("recognizedReady still open after Complete")
	}
}
