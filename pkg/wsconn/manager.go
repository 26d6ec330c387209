// Package wsconn manages one persistent WebSocket connection to a remote
// endpoint: dialing, graceful and abrupt disconnects, and automatic
// reconnection with exponential backoff.
//
// The manager carries no protocol knowledge. Protocol layers hook into the
// connection lifecycle via [Config.OnConnected] (e.g. to perform a handshake
// after every successful dial) and consume inbound traffic from [Manager.Frames],
// a single long-lived channel that survives reconnects and closes only when
// the manager itself is closed.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Default dial and backoff parameters.
const (
	defaultDialTimeout    = 30 * time.Second
	defaultBackoffFloor   = 5 * time.Second
	defaultBackoffCeiling = 60 * time.Second
)

// maxFrameSize bounds inbound frames. Audio frames are a few KB; control
// messages smaller still.
const maxFrameSize = 1 << 20

var (
	// ErrNotConnected is returned by Send while the socket is down. Callers
	// should retry after the manager reconnects.
	ErrNotConnected = errors.New("wsconn: not connected")

	// ErrClosed is returned after Close; the manager cannot be reused.
	ErrClosed = errors.New("wsconn: manager closed")
)

// Config configures a [Manager].
type Config struct {
	// URL is the ws:// or wss:// endpoint to connect to.
	URL string

	// Header is sent with the upgrade request (authorization, device
	// identity). May be nil.
	Header http.Header

	// DialTimeout bounds a single connection attempt. Defaults to 30s.
	DialTimeout time.Duration

	// BackoffFloor is the first reconnect delay. Defaults to 5s.
	BackoffFloor time.Duration

	// BackoffCeiling caps the reconnect delay. Defaults to 60s.
	BackoffCeiling time.Duration

	// OnConnected runs after every successful dial, before inbound frames are
	// read. A non-nil error fails the attempt and the socket is closed again.
	// May be nil.
	OnConnected func(ctx context.Context) error

	// OnDisconnected runs after the socket drops, before any reconnection
	// attempt. May be nil.
	OnDisconnected func()
}

// Manager owns one persistent WebSocket connection.
//
// All methods are safe for concurrent use.
type Manager struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	frames chan Frame

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	backoff time.Duration
	subs    map[int]chan State
	nextSub int

	// wmu serialises writes; coder/websocket permits one concurrent writer.
	wmu sync.Mutex

	// readers tracks live readLoop goroutines. Close waits for them before
	// closing the frames channel so no send can race the close.
	readers sync.WaitGroup

	closeOnce sync.Once
}

// New creates a Manager for the given endpoint. No connection is made until
// [Manager.Connect] is called.
func New(cfg Config) *Manager {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.BackoffFloor <= 0 {
		cfg.BackoffFloor = defaultBackoffFloor
	}
	if cfg.BackoffCeiling < cfg.BackoffFloor {
		cfg.BackoffCeiling = defaultBackoffCeiling
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		frames:  make(chan Frame, 64),
		state:   StateDisconnected,
		backoff: cfg.BackoffFloor,
		subs:    make(map[int]chan State),
	}
}

// Connect establishes the connection and starts the read loop. It performs no
// protocol exchange beyond the configured OnConnected hook. On later drops the
// manager reconnects on its own; Connect is only called once.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.mu.Unlock()

	m.setState(StateConnecting)
	if err := m.dialOnce(ctx); err != nil {
		m.setState(StateDisconnected)
		return fmt.Errorf("wsconn: connect %s: %w", sanitizeURL(m.cfg.URL), err)
	}
	return nil
}

// Send transmits a single frame. It returns ErrNotConnected while the socket
// is down and ErrClosed after Close.
func (m *Manager) Send(ctx context.Context, f Frame) error {
	m.mu.Lock()
	conn := m.conn
	state := m.state
	m.mu.Unlock()

	if state == StateClosed {
		return ErrClosed
	}
	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}

	typ := websocket.MessageText
	if f.Kind == FrameBinary {
		typ = websocket.MessageBinary
	}

	m.wmu.Lock()
	defer m.wmu.Unlock()
	if err := conn.Write(ctx, typ, f.Data); err != nil {
		return fmt.Errorf("wsconn: send: %w", err)
	}
	return nil
}

// Frames returns the inbound frame stream. The channel stays open across
// reconnects and is closed only when the manager is closed. A lull in the
// stream therefore signals a dropped connection, not the end of iteration.
func (m *Manager) Frames() <-chan Frame {
	return m.frames
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// BackoffDelay returns the delay that would precede the next reconnection
// attempt.
func (m *Manager) BackoffDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backoff
}

// Subscribe registers a state-change listener. The returned cancel func must
// be called to release it. Notifications are dropped rather than block a slow
// subscriber.
func (m *Manager) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 8)

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Close stops reconnection, closes the socket and the frame stream. Safe to
// call multiple times.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.setState(StateClosed)
		m.cancel()

		m.mu.Lock()
		conn := m.conn
		m.conn = nil
		m.mu.Unlock()

		if conn != nil {
			err = conn.Close(websocket.StatusNormalClosure, "client shutdown")
		}
		// A readLoop parked on a full frames buffer unblocks via the
		// cancelled context; only close the channel once every reader has
		// exited.
		m.readers.Wait()
		close(m.frames)
	})
	return err
}

// dialOnce performs a single connection attempt, runs the OnConnected hook and
// starts the read loop. On success the backoff delay resets to its floor.
func (m *Manager) dialOnce(ctx context.Context) error {
	if hasAuthHeader(m.cfg.Header) && !strings.HasPrefix(m.cfg.URL, "wss://") {
		slog.Warn("sending auth token over unencrypted ws:// connection",
			"url", sanitizeURL(m.cfg.URL),
		)
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, m.cfg.URL, &websocket.DialOptions{
		HTTPHeader: m.cfg.Header,
	})
	if err != nil {
		return err
	}
	conn.SetReadLimit(maxFrameSize)

	m.mu.Lock()
	m.conn = conn
	m.backoff = m.cfg.BackoffFloor
	m.mu.Unlock()
	m.setState(StateConnected)

	slog.Debug("websocket connected", "url", sanitizeURL(m.cfg.URL))

	if m.cfg.OnConnected != nil {
		if err := m.cfg.OnConnected(ctx); err != nil {
			m.mu.Lock()
			m.conn = nil
			m.mu.Unlock()
			conn.Close(websocket.StatusProtocolError, "post-connect hook failed")
			return err
		}
	}

	// Register the reader before it starts, refusing if Close already ran:
	// Close waits on readers after flipping the state, so a reader admitted
	// here is always waited for.
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client shutdown")
		return ErrClosed
	}
	m.readers.Add(1)
	m.mu.Unlock()

	go m.readLoop(conn)
	return nil
}

// readLoop reads inbound messages until the connection drops, then hands off
// to the reconnect loop unless the manager is closed.
func (m *Manager) readLoop(conn *websocket.Conn) {
	defer m.readers.Done()
	for {
		typ, data, err := conn.Read(m.ctx)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			slog.Warn("websocket connection lost",
				"url", sanitizeURL(m.cfg.URL),
				"error", err,
			)
			m.handleDrop(conn)
			return
		}

		kind := FrameText
		if typ == websocket.MessageBinary {
			kind = FrameBinary
		}
		select {
		case m.frames <- Frame{Kind: kind, Data: data}:
		case <-m.ctx.Done():
			return
		}
	}
}

// handleDrop transitions to Reconnecting and starts the backoff loop.
func (m *Manager) handleDrop(conn *websocket.Conn) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	closed := m.state == StateClosed
	m.mu.Unlock()

	if m.cfg.OnDisconnected != nil {
		m.cfg.OnDisconnected()
	}
	if closed {
		return
	}

	m.setState(StateReconnecting)
	go m.reconnectLoop()
}

// reconnectLoop retries dialing with exponential backoff until it succeeds or
// the manager is closed. The delay doubles per failure up to the ceiling and
// is reset to the floor inside dialOnce on success.
func (m *Manager) reconnectLoop() {
	for {
		m.mu.Lock()
		delay := m.backoff
		m.mu.Unlock()

		slog.Info("reconnecting",
			"url", sanitizeURL(m.cfg.URL),
			"delay", delay,
		)

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(delay):
		}

		if err := m.dialOnce(m.ctx); err != nil {
			if m.ctx.Err() != nil {
				return
			}
			slog.Warn("reconnection attempt failed",
				"url", sanitizeURL(m.cfg.URL),
				"error", err,
			)
			m.mu.Lock()
			m.backoff = min(m.backoff*2, m.cfg.BackoffCeiling)
			m.mu.Unlock()
			continue
		}

		slog.Info("reconnected", "url", sanitizeURL(m.cfg.URL))
		return
	}
}

// setState updates the state and notifies subscribers without blocking.
func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == StateClosed && s != StateClosed {
		m.mu.Unlock()
		return
	}
	m.state = s
	subs := make([]chan State, 0, len(m.subs))
	for _, ch := range m.subs {
		subs = append(subs, ch)
	}
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- s:
		default:
		}
	}
}

// hasAuthHeader reports whether h carries a non-empty Authorization value.
func hasAuthHeader(h http.Header) bool {
	return h != nil && h.Get("Authorization") != ""
}

// sanitizeURL strips query parameters so credentials never reach the logs.
func sanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	return u.String()
}
