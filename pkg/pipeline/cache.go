package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Defaults for consumer waits and entry retention.
const (
	// DefaultWaitTimeout bounds a single consumer wait. Configurable between
	// 5s and 120s at the integration level.
	DefaultWaitTimeout = 30 * time.Second

	// defaultRetention is the ceiling after which unread entries are evicted
	// regardless of remaining expected readers.
	defaultRetention = 120 * time.Second

	// sweepInterval is the minimum time between lazy eviction sweeps.
	sweepInterval = 10 * time.Second
)

// Which of the three consumers have read their field.
const (
	readRecognized = iota
	readAnswer
	readAudio
)

// Config configures a [Cache].
type Config struct {
	// WaitTimeout bounds each Take call when the caller's context carries no
	// earlier deadline. Defaults to 30s.
	WaitTimeout time.Duration

	// Retention is the entry TTL. Entries older than this are evicted even
	// if a consumer never arrived. Defaults to 120s.
	Retention time.Duration
}

// entry tracks one session's exchange plus which consumers have read it.
// A placeholder entry (ex == nil) is created when a consumer arrives before
// the exchange; arrived closes when the exchange is bound.
type entry struct {
	ex      *Exchange
	arrived chan struct{}
	created time.Time
	read    [3]bool
}

// Cache is the shared store reconciling one exchange into three
// independently awaited fields. It is mutated only by the protocol client's
// dispatch path (via [Cache.Put] and the Exchange setters); consumers only
// read, so no consumer-side locking is needed beyond the cache's own.
//
// Entries are evicted once all three fields have been read, or after the
// retention ceiling, whichever comes first. Eviction is lazy: a sweep runs on
// access at most every 10 seconds, matching the access-driven lifecycle (no
// background goroutine to leak).
type Cache struct {
	waitTimeout time.Duration
	retention   time.Duration

	mu        sync.Mutex
	entries   map[string]*entry
	lastSweep time.Time
}

// NewCache creates an empty cache.
func NewCache(cfg Config) *Cache {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	return &Cache{
		waitTimeout: cfg.WaitTimeout,
		retention:   cfg.Retention,
		entries:     make(map[string]*entry),
	}
}

// Put installs an exchange under its session identifier. Binding a different
// exchange to a session that already has one is refused: replacement is only
// the same exchange transitioning from recognized to complete, which needs no
// new Put. This protects consumers that have not read the pending result yet.
func (c *Cache) Put(ex *Exchange) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()

	e := c.entries[ex.SessionID()]
	if e == nil {
		e = &entry{arrived: make(chan struct{}), created: time.Now()}
		c.entries[ex.SessionID()] = e
	}
	if e.ex != nil {
		if e.ex == ex {
			return nil
		}
		return fmt.Errorf("pipeline: session %q already holds a pending exchange", ex.SessionID())
	}
	e.ex = ex
	close(e.arrived)
	return nil
}

// TakeRecognizedText blocks until recognized text is available for the
// session or the wait bound elapses. The recognized text arrives well before
// the rest of the exchange, so this typically returns while answer and audio
// are still being collected.
func (c *Cache) TakeRecognizedText(ctx context.Context, sessionID string) (string, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	ex, err := c.awaitExchange(ctx, sessionID)
	if err != nil {
		return "", err
	}

	select {
	case <-ex.recognizedReady:
	case <-ctx.Done():
		return "", waitErr(ctx)
	}
	if err := ex.Err(); err != nil {
		return "", err
	}

	text := ex.Recognized()
	c.markRead(sessionID, readRecognized)
	return text, nil
}

// TakeAnswer blocks until the exchange completes and returns the answer text.
func (c *Cache) TakeAnswer(ctx context.Context, sessionID string) (string, error) {
	ex, err := c.awaitComplete(ctx, sessionID)
	if err != nil {
		return "", err
	}
	answer := ex.Answer()
	c.markRead(sessionID, readAnswer)
	return answer, nil
}

// TakeAudio blocks until the exchange completes and returns the compressed
// audio chunks. Independent of TakeAnswer: two consumers may retrieve their
// fields concurrently without blocking each other.
func (c *Cache) TakeAudio(ctx context.Context, sessionID string) ([][]byte, error) {
	ex, err := c.awaitComplete(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	chunks := ex.Audio()
	c.markRead(sessionID, readAudio)
	return chunks, nil
}

// Len returns the number of live entries. Intended for tests and metrics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
	return len(c.entries)
}

// awaitComplete resolves the session's exchange and waits for it to freeze.
func (c *Cache) awaitComplete(ctx context.Context, sessionID string) (*Exchange, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	ex, err := c.awaitExchange(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	select {
	case <-ex.completeReady:
	case <-ctx.Done():
		return nil, waitErr(ctx)
	}
	if err := ex.Err(); err != nil {
		return nil, err
	}
	return ex, nil
}

// awaitExchange returns the session's exchange, waiting for it to be Put if
// the consumer arrived first.
func (c *Cache) awaitExchange(ctx context.Context, sessionID string) (*Exchange, error) {
	c.mu.Lock()
	c.sweepLocked()
	e := c.entries[sessionID]
	if e == nil {
		e = &entry{arrived: make(chan struct{}), created: time.Now()}
		c.entries[sessionID] = e
	}
	arrived := e.arrived
	ex := e.ex
	c.mu.Unlock()

	if ex != nil {
		return ex, nil
	}
	select {
	case <-arrived:
	case <-ctx.Done():
		return nil, waitErr(ctx)
	}

	c.mu.Lock()
	ex = e.ex
	c.mu.Unlock()
	return ex, nil
}

// markRead records that one consumer retrieved its field and evicts the entry
// once all three have.
func (c *Cache) markRead(sessionID string, which int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[sessionID]
	if e == nil {
		return
	}
	e.read[which] = true
	if e.read[readRecognized] && e.read[readAnswer] && e.read[readAudio] {
		delete(c.entries, sessionID)
	}
}

// sweepLocked evicts entries past the retention ceiling. Incomplete
// exchanges are failed so any stragglers stop waiting. Caller holds c.mu.
func (c *Cache) sweepLocked() {
	now := time.Now()
	if now.Sub(c.lastSweep) < sweepInterval {
		return
	}
	c.lastSweep = now

	for id, e := range c.entries {
		if now.Sub(e.created) <= c.retention {
			continue
		}
		if e.ex != nil && !e.ex.Done() {
			e.ex.Fail(ErrAbandoned)
		}
		delete(c.entries, id)
	}
}

// bound applies the cache wait timeout unless the caller's context already
// carries an earlier deadline.
func (c *Cache) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) <= c.waitTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.waitTimeout)
}

// waitErr maps a context expiry to the cache's timeout error.
func waitErr(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return ErrTimeout
	}
	return ctx.Err()
}
