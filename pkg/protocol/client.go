package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/homespeak/homespeak/pkg/audio"
	"github.com/homespeak/homespeak/pkg/pipeline"
	"github.com/homespeak/homespeak/pkg/wsconn"
)

// Sentinel errors returned to callers.
var (
	// ErrSessionBusy is returned while a previous exchange is still in
	// flight. The protocol allows exactly one exchange at a time; callers
	// retry after the current one resolves instead of queueing.
	ErrSessionBusy = errors.New("protocol: an exchange is already in flight")

	// ErrHandshake is returned when the server never confirmed the hello
	// handshake on the current connection.
	ErrHandshake = errors.New("protocol: hello handshake not completed")
)

// Defaults.
const (
	DefaultHelloTimeout = 10 * time.Second
	defaultDrainWait    = 3 * time.Second
)

// Link is the transport surface the client needs. *wsconn.Manager
// satisfies it.
type Link interface {
	Send(ctx context.Context, f wsconn.Frame) error
	Frames() <-chan wsconn.Frame
	Subscribe() (<-chan wsconn.State, func())
}

// Config configures a protocol [Client].
type Config struct {
	// Language hint forwarded with text turns. Optional.
	Language string

	// HelloTimeout bounds the wait for the server's hello after each
	// connect. Defaults to 10s.
	HelloTimeout time.Duration

	// DrainWait bounds the wait for a stale turn's trailing tts/stop before
	// a new turn is started. Defaults to 3s.
	DrainWait time.Duration

	// OnExchangeStage is called with the elapsed time when an exchange
	// reaches a stage ("recognized", "complete"). Optional.
	OnExchangeStage func(stage string, elapsed time.Duration)

	// OnExchangeFailure is called when an exchange is failed before
	// completing, whether locally or by a dropped connection. Optional.
	OnExchangeFailure func()

	// OnFrame is called for every frame crossing the link, with sent=true
	// for outbound frames and kind "text" or "binary". Optional.
	OnFrame func(sent bool, kind string)
}

// handshake tracks one connection's hello round trip. done closes exactly
// once, after which err is stable.
type handshake struct {
	done chan struct{}
	once sync.Once
	err  error
}

func (h *handshake) resolve(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

// Client speaks the backend session protocol over a [Link]: hello handshake,
// listen turns, inbound stt/tts/audio dispatch into the pipeline cache, and
// the multiplexed tool envelope. At most one exchange is in flight.
type Client struct {
	link  Link
	cache *pipeline.Cache
	enc   *audio.Encoder
	cfg   Config
	log   *slog.Logger

	mu            sync.Mutex
	inflight      *pipeline.Exchange
	hs            *handshake
	serverSession string
	ttsActive     bool
	ttsIdle       chan struct{}

	mcpMu sync.Mutex
	onMCP func(payload json.RawMessage)
}

// New creates a client. enc may be nil when audio uplink is not needed;
// StreamAudio then reports the codec as unavailable.
func New(link Link, cache *pipeline.Cache, enc *audio.Encoder, cfg Config) *Client {
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = DefaultHelloTimeout
	}
	if cfg.DrainWait <= 0 {
		cfg.DrainWait = defaultDrainWait
	}
	return &Client{
		link:  link,
		cache: cache,
		enc:   enc,
		cfg:   cfg,
		log:   slog.With("component", "protocol"),
	}
}

// SetMCPHandler installs the receiver for multiplexed tool payloads. Payloads
// arriving before a handler is set are dropped with a warning.
func (c *Client) SetMCPHandler(fn func(payload json.RawMessage)) {
	c.mcpMu.Lock()
	c.onMCP = fn
	c.mcpMu.Unlock()
}

// Handshake sends the hello for the current connection and arms the reply
// timeout. Meant to run as the connection manager's OnConnected hook: it only
// writes, the reply is consumed by [Client.Run]. A missing or malformed reply
// fails pending sessions, not the connection.
func (c *Client) Handshake(ctx context.Context) error {
	hello := Hello{
		Type:      TypeHello,
		Version:   Version,
		Transport: "websocket",
		Features:  Features{MCP: true},
		AudioParams: AudioParams{
			Format:        "opus",
			SampleRate:    audio.InputSampleRate,
			Channels:      audio.Channels,
			FrameDuration: audio.FrameDuration,
		},
	}
	raw, err := json.Marshal(hello)
	if err != nil {
		return fmt.Errorf("protocol: encode hello: %w", err)
	}

	hs := &handshake{done: make(chan struct{})}
	c.mu.Lock()
	c.hs = hs
	c.mu.Unlock()

	if err := c.link.Send(ctx, wsconn.Frame{Kind: wsconn.FrameText, Data: raw}); err != nil {
		hs.resolve(ErrHandshake)
		return fmt.Errorf("protocol: send hello: %w", err)
	}
	c.frame(true, "text")

	timeout := c.cfg.HelloTimeout
	go func() {
		select {
		case <-hs.done:
		case <-time.After(timeout):
			c.log.Error("hello handshake timed out", "timeout", timeout)
			hs.resolve(ErrHandshake)
		}
	}()
	return nil
}

// ServerSession returns the session id announced by the server's last hello.
func (c *Client) ServerSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverSession
}

// Ready reports whether the current connection completed its handshake.
func (c *Client) Ready() bool {
	c.mu.Lock()
	hs := c.hs
	c.mu.Unlock()
	if hs == nil {
		return false
	}
	select {
	case <-hs.done:
		return hs.err == nil
	default:
		return false
	}
}

// SendText submits recognized text for one exchange and installs the
// exchange in the cache. Returns ErrSessionBusy while a previous exchange is
// unresolved.
func (c *Client) SendText(ctx context.Context, sessionID, text string) error {
	if err := c.awaitReady(ctx); err != nil {
		return err
	}
	if err := c.drainStaleTurn(ctx); err != nil {
		return err
	}

	ex, err := c.beginExchange(sessionID)
	if err != nil {
		return err
	}

	msg := Listen{
		Type:      TypeListen,
		SessionID: sessionID,
		State:     ListenDetect,
		Text:      text,
		Source:    "text",
		Language:  c.cfg.Language,
	}
	if err := c.sendJSON(ctx, msg); err != nil {
		c.abandonExchange(ex, err)
		return fmt.Errorf("protocol: send text turn: %w", err)
	}
	c.log.Debug("text turn submitted", "session_id", sessionID, "chars", len(text))
	return nil
}

// StreamAudio submits one spoken exchange: listen/start, the PCM stream
// re-chunked to fixed frames and Opus-encoded, then listen/stop. pcm carries
// 16 kHz mono s16le; the channel must be closed by the producer to end the
// turn. Same single-exchange discipline as SendText.
func (c *Client) StreamAudio(ctx context.Context, sessionID string, pcm <-chan []byte) error {
	if c.enc == nil {
		return fmt.Errorf("protocol: audio uplink: %w", audio.ErrCodecUnavailable)
	}
	if err := c.awaitReady(ctx); err != nil {
		return err
	}
	if err := c.drainStaleTurn(ctx); err != nil {
		return err
	}

	ex, err := c.beginExchange(sessionID)
	if err != nil {
		return err
	}

	start := Listen{Type: TypeListen, SessionID: sessionID, State: ListenStart, Mode: "manual", Language: c.cfg.Language}
	if err := c.sendJSON(ctx, start); err != nil {
		c.abandonExchange(ex, err)
		return fmt.Errorf("protocol: start audio turn: %w", err)
	}

	var framer audio.Framer
	send := func(frame []byte) error {
		packet, err := c.enc.Encode(frame)
		if err != nil {
			return err
		}
		if err := c.link.Send(ctx, wsconn.Frame{Kind: wsconn.FrameBinary, Data: packAudioFrame(packet)}); err != nil {
			return err
		}
		c.frame(true, "binary")
		return nil
	}

	var frames int
loop:
	for {
		select {
		case chunk, ok := <-pcm:
			if !ok {
				break loop
			}
			for _, frame := range framer.Push(chunk) {
				if err := send(frame); err != nil {
					c.abandonExchange(ex, err)
					return fmt.Errorf("protocol: stream audio: %w", err)
				}
				frames++
			}
		case <-ctx.Done():
			c.abandonExchange(ex, ctx.Err())
			return fmt.Errorf("protocol: stream audio: %w", ctx.Err())
		}
	}
	if tail := framer.Flush(); tail != nil {
		if err := send(tail); err != nil {
			c.abandonExchange(ex, err)
			return fmt.Errorf("protocol: stream audio tail: %w", err)
		}
		frames++
	}

	stop := Listen{Type: TypeListen, SessionID: sessionID, State: ListenStop}
	if err := c.sendJSON(ctx, stop); err != nil {
		c.abandonExchange(ex, err)
		return fmt.Errorf("protocol: stop audio turn: %w", err)
	}
	c.log.Debug("audio turn submitted", "session_id", sessionID, "frames", frames)
	return nil
}

// Abort asks the server to cancel in-flight synthesis. The in-flight
// exchange, if any, is failed locally so waiters return promptly.
func (c *Client) Abort(ctx context.Context, reason string) error {
	c.mu.Lock()
	ex := c.inflight
	c.inflight = nil
	session := c.serverSession
	c.mu.Unlock()
	if ex != nil && !ex.Done() {
		ex.Fail(pipeline.ErrAbandoned)
		c.exchangeFailed()
	}

	msg := Abort{Type: TypeAbort, SessionID: session, Reason: reason}
	if err := c.sendJSON(ctx, msg); err != nil {
		return fmt.Errorf("protocol: send abort: %w", err)
	}
	return nil
}

// SendMCP wraps one JSON-RPC payload in the multiplexed tool envelope and
// sends it on the session connection. Used as the tool gateway's outbound
// path for the multiplexed framing.
func (c *Client) SendMCP(ctx context.Context, payload json.RawMessage) error {
	msg := MCPEnvelope{Type: TypeMCP, SessionID: c.ServerSession(), Payload: payload}
	if err := c.sendJSON(ctx, msg); err != nil {
		return fmt.Errorf("protocol: send tool payload: %w", err)
	}
	return nil
}

// Run consumes inbound frames and connection state changes until the link
// closes or ctx is cancelled. It must run exactly once, started alongside
// the connection.
func (c *Client) Run(ctx context.Context) error {
	states, cancel := c.link.Subscribe()
	defer cancel()

	for {
		select {
		case f, ok := <-c.link.Frames():
			if !ok {
				c.failInflight(pipeline.ErrAbandoned)
				return nil
			}
			switch f.Kind {
			case wsconn.FrameBinary:
				c.handleBinary(f.Data)
			default:
				c.handleText(f.Data)
			}
		case s, ok := <-states:
			if ok && (s == wsconn.StateReconnecting || s == wsconn.StateDisconnected) {
				c.failInflight(pipeline.ErrAbandoned)
			}
		case <-ctx.Done():
			c.failInflight(ctx.Err())
			return ctx.Err()
		}
	}
}

// awaitReady blocks until the current handshake resolved, bounded by ctx.
func (c *Client) awaitReady(ctx context.Context) error {
	c.mu.Lock()
	hs := c.hs
	c.mu.Unlock()
	if hs == nil {
		return ErrHandshake
	}
	select {
	case <-hs.done:
		return hs.err
	case <-ctx.Done():
		return fmt.Errorf("protocol: waiting for handshake: %w", ctx.Err())
	}
}

// drainStaleTurn waits, bounded, for a trailing tts/stop left over from an
// abandoned exchange so its audio is not attributed to the new one.
func (c *Client) drainStaleTurn(ctx context.Context) error {
	c.mu.Lock()
	stale := c.ttsActive && (c.inflight == nil || c.inflight.Done())
	idle := c.ttsIdle
	c.mu.Unlock()
	if !stale {
		return nil
	}

	c.log.Debug("draining stale synthesis before new turn")
	select {
	case <-idle:
		return nil
	case <-time.After(c.cfg.DrainWait):
		c.log.Warn("stale synthesis did not finish, proceeding anyway")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// beginExchange enforces the single-exchange rule and installs the new
// exchange in the cache.
func (c *Client) beginExchange(sessionID string) (*pipeline.Exchange, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight != nil && !c.inflight.Done() {
		return nil, ErrSessionBusy
	}
	ex := pipeline.NewExchange(sessionID)
	if err := c.cache.Put(ex); err != nil {
		return nil, err
	}
	c.inflight = ex
	return ex, nil
}

// abandonExchange fails an exchange whose submission never reached the
// server and releases the in-flight slot.
func (c *Client) abandonExchange(ex *pipeline.Exchange, err error) {
	ex.Fail(err)
	c.exchangeFailed()
	c.mu.Lock()
	if c.inflight == ex {
		c.inflight = nil
	}
	c.mu.Unlock()
}

func (c *Client) failInflight(err error) {
	c.mu.Lock()
	ex := c.inflight
	c.inflight = nil
	c.mu.Unlock()
	if ex != nil && !ex.Done() {
		ex.Fail(err)
		c.exchangeFailed()
	}
}

func (c *Client) sendJSON(ctx context.Context, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := c.link.Send(ctx, wsconn.Frame{Kind: wsconn.FrameText, Data: raw}); err != nil {
		return err
	}
	c.frame(true, "text")
	return nil
}

// handleText routes one inbound JSON frame.
func (c *Client) handleText(data []byte) {
	c.frame(false, "text")
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Warn("dropping malformed text frame", "error", err)
		return
	}

	switch env.Type {
	case TypeHello:
		c.handleHello(env)
	case TypeSTT:
		c.handleSTT(env)
	case TypeTTS:
		c.handleTTS(env)
	case TypeMCP:
		c.handleMCP(env)
	case TypeListen:
		// Server echo of our own turn control. Nothing to do.
	default:
		c.log.Warn("dropping frame of unknown type", "type", env.Type)
	}
}

func (c *Client) handleHello(env Envelope) {
	c.mu.Lock()
	c.serverSession = env.SessionID
	hs := c.hs
	c.mu.Unlock()
	if hs == nil {
		c.log.Warn("server hello without pending handshake")
		return
	}
	if env.Transport != "" && env.Transport != "websocket" {
		c.log.Error("server hello with unsupported transport", "transport", env.Transport)
		hs.resolve(ErrHandshake)
		return
	}
	hs.resolve(nil)
	c.log.Info("handshake complete", "server_session", env.SessionID)
}

func (c *Client) handleSTT(env Envelope) {
	ex := c.current()
	if ex == nil {
		c.log.Warn("recognized text with no exchange in flight")
		return
	}
	ex.SetRecognized(env.Text)
	c.stage(ex, "recognized")
	c.log.Debug("recognized text", "session_id", ex.SessionID(), "chars", len(env.Text))
}

func (c *Client) handleTTS(env Envelope) {
	switch env.State {
	case TTSStart:
		c.mu.Lock()
		c.ttsActive = true
		c.ttsIdle = make(chan struct{})
		c.mu.Unlock()
	case TTSSentenceStart:
		if env.Text == "" || strings.HasPrefix(env.Text, ctrlMarker) {
			return
		}
		if ex := c.current(); ex != nil {
			ex.AppendAnswer(env.Text)
		}
	case TTSStop:
		c.mu.Lock()
		ex := c.inflight
		c.inflight = nil
		c.ttsActive = false
		idle := c.ttsIdle
		c.ttsIdle = nil
		c.mu.Unlock()
		if idle != nil {
			close(idle)
		}
		if ex != nil {
			ex.Complete()
			c.stage(ex, "complete")
			c.log.Debug("exchange complete", "session_id", ex.SessionID())
		}
	default:
		c.log.Warn("dropping synthesis frame with unknown state", "state", env.State)
	}
}

func (c *Client) handleMCP(env Envelope) {
	c.mcpMu.Lock()
	fn := c.onMCP
	c.mcpMu.Unlock()
	if fn == nil {
		c.log.Warn("dropping tool payload, no handler installed")
		return
	}
	fn(env.Payload)
}

func (c *Client) handleBinary(data []byte) {
	c.frame(false, "binary")
	payload, err := unpackAudioFrame(data)
	if err != nil {
		c.log.Warn("dropping binary frame", "error", err)
		return
	}
	ex := c.current()
	if ex == nil {
		// Trailing audio from an abandoned turn. Expected during drain.
		return
	}
	ex.AppendAudio(payload)
}

// current returns the live in-flight exchange, or nil.
func (c *Client) current() *pipeline.Exchange {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight == nil || c.inflight.Done() {
		return nil
	}
	return c.inflight
}

func (c *Client) stage(ex *pipeline.Exchange, stage string) {
	if c.cfg.OnExchangeStage != nil {
		c.cfg.OnExchangeStage(stage, time.Since(ex.CreatedAt()))
	}
}

func (c *Client) exchangeFailed() {
	if c.cfg.OnExchangeFailure != nil {
		c.cfg.OnExchangeFailure()
	}
}

func (c *Client) frame(sent bool, kind string) {
	if c.cfg.OnFrame != nil {
		c.cfg.OnFrame(sent, kind)
	}
}
