// Package app wires all Homespeak subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the dispatch loops and the admin HTTP server,
// and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithMetrics,
// WithHostAPI). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/homespeak/homespeak/internal/config"
	"github.com/homespeak/homespeak/internal/health"
	"github.com/homespeak/homespeak/internal/hostapi"
	"github.com/homespeak/homespeak/internal/mcpgw"
	"github.com/homespeak/homespeak/internal/observe"
	"github.com/homespeak/homespeak/pkg/audio"
	"github.com/homespeak/homespeak/pkg/bridge"
	"github.com/homespeak/homespeak/pkg/pipeline"
	"github.com/homespeak/homespeak/pkg/protocol"
	"github.com/homespeak/homespeak/pkg/wsconn"
)

// shutdownGrace bounds the admin server drain during shutdown.
const shutdownGrace = 5 * time.Second

// App owns all subsystem lifetimes: the backend link, the protocol client,
// the result cache, the tool gateway, and the admin HTTP server.
type App struct {
	cfg     *config.Config
	version string

	link    *wsconn.Manager
	mcpLink *wsconn.Manager // nil unless mcp.endpoint_url is configured

	client  *protocol.Client
	cache   *pipeline.Cache
	bridge  *bridge.Bridge
	gateway *mcpgw.Gateway
	channel *mcpgw.ChannelTransport
	hostAPI *hostapi.Client

	metrics *observe.Metrics
	health  *health.Handler

	mu        sync.Mutex
	adminAddr string

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics injects a metrics instance instead of using the package-level
// default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithHostAPI injects a host platform client instead of creating one from
// config.
func WithHostAPI(c *hostapi.Client) Option {
	return func(a *App) { a.hostAPI = c }
}

// New creates an App by wiring all subsystems together. No connection is made
// until Run is called.
func New(cfg *config.Config, version string, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		version: version,
	}
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.cache = pipeline.NewCache(pipeline.Config{
		WaitTimeout: cfg.Backend.ResponseTimeout.Std(),
	})

	enc, err := audio.NewEncoder()
	if err != nil {
		slog.Warn("opus encoder unavailable, voice input disabled", "error", err)
		enc = nil
	}

	a.link = wsconn.New(wsconn.Config{
		URL:            cfg.Backend.URL,
		Header:         cfg.Backend.Header(),
		BackoffFloor:   cfg.Backend.Reconnect.Floor.Std(),
		BackoffCeiling: cfg.Backend.Reconnect.Ceiling.Std(),
		OnConnected: func(ctx context.Context) error {
			// a.client is assigned below, before any connect happens.
			return a.client.Handshake(ctx)
		},
	})
	a.closers = append(a.closers, a.link.Close)

	a.client = protocol.New(a.link, a.cache, enc, protocol.Config{
		Language: cfg.Backend.Language,
		OnExchangeStage: func(stage string, elapsed time.Duration) {
			a.metrics.RecordExchangeStage(context.Background(), stage, elapsed)
		},
		OnExchangeFailure: func() {
			a.metrics.ExchangeFailures.Add(context.Background(), 1)
		},
		OnFrame: func(sent bool, kind string) {
			a.metrics.RecordFrame(context.Background(), sent, kind)
		},
	})

	transcoder := &audio.Transcoder{FFmpegPath: cfg.Audio.FFmpegPath}
	if !transcoder.Available() {
		slog.Warn("ffmpeg not found, synthesized audio degrades to silence",
			"path", cfg.Audio.FFmpegPath,
		)
	}
	a.bridge = bridge.New(a.client, a.cache, transcoder,
		bridge.WithCodecFailureHook(func() {
			a.metrics.CodecFailures.Add(context.Background(), 1)
		}),
	)

	if err := a.initGateway(); err != nil {
		return nil, fmt.Errorf("app: init gateway: %w", err)
	}

	a.initHealth()

	return a, nil
}

// initGateway builds the tool gateway, registers host platform tools when a
// host is configured, and prepares both tool-traffic framings.
func (a *App) initGateway() error {
	a.gateway = mcpgw.New(a.version)

	if a.hostAPI == nil && a.cfg.Host.BaseURL != "" {
		api, err := hostapi.NewClient(hostapi.Config{
			BaseURL: a.cfg.Host.BaseURL,
			Token:   a.cfg.Host.Token,
		})
		if err != nil {
			return err
		}
		a.hostAPI = api
	}

	if a.hostAPI != nil {
		tools := hostapi.NewTools(a.hostAPI, func(name string, elapsed time.Duration, isError bool) {
			a.metrics.RecordToolCall(context.Background(), name, elapsed, isError)
		})
		tools.Register(a.gateway.Server())
	}

	// Multiplexed framing over the main link is always available.
	a.channel = mcpgw.NewChannelTransport(a.client.SendMCP)
	a.client.SetMCPHandler(a.channel.Deliver)

	// Dedicated framing over its own socket, when configured.
	if a.cfg.MCP.EndpointURL != "" {
		hdr := a.cfg.Backend.Header()
		hdr.Set("Authorization", "Bearer "+a.cfg.MCP.Token)
		a.mcpLink = wsconn.New(wsconn.Config{
			URL:            a.cfg.MCP.EndpointURL,
			Header:         hdr,
			BackoffFloor:   a.cfg.Backend.Reconnect.Floor.Std(),
			BackoffCeiling: a.cfg.Backend.Reconnect.Ceiling.Std(),
		})
		a.closers = append(a.closers, a.mcpLink.Close)
	}

	return nil
}

// initHealth assembles the readiness checkers for the admin endpoints.
func (a *App) initHealth() {
	checkers := []health.Checker{
		health.LinkChecker("backend", func() bool {
			return a.link.State() == wsconn.StateConnected && a.client.Ready()
		}),
	}
	if a.hostAPI != nil {
		checkers = append(checkers, health.Checker{Name: "host", Check: a.hostAPI.Ping})
	}
	a.health = health.New(checkers...)
}

// Bridge returns the consumer facade for submitting turns and awaiting
// results.
func (a *App) Bridge() *bridge.Bridge {
	return a.bridge
}

// AdminAddr returns the bound address of the admin HTTP server. Empty until
// Run has started the listener.
func (a *App) AdminAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.adminAddr
}

// Run connects the backend link(s) and blocks until ctx is cancelled or a
// subsystem fails. It drives the protocol dispatch loop, the tool gateway
// session(s), link state metrics, and the admin HTTP server.
func (a *App) Run(ctx context.Context) error {
	if err := a.connectWithRetry(ctx, a.link, "backend"); err != nil {
		return fmt.Errorf("app: connect backend: %w", err)
	}
	if a.mcpLink != nil {
		if err := a.connectWithRetry(ctx, a.mcpLink, "mcp"); err != nil {
			return fmt.Errorf("app: connect mcp endpoint: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.client.Run(ctx) })
	g.Go(func() error { return a.gateway.Serve(ctx, a.channel) })
	if a.mcpLink != nil {
		g.Go(func() error {
			return a.gateway.Serve(ctx, mcpgw.NewEndpointTransport(a.mcpLink))
		})
	}
	g.Go(func() error { return a.watchLink(ctx) })
	g.Go(func() error { return a.serveAdmin(ctx) })

	slog.Info("app running",
		"backend", a.cfg.Backend.URL,
		"tools", a.hostAPI != nil,
		"dedicated_mcp", a.mcpLink != nil,
	)
	return g.Wait()
}

// connectWithRetry dials until the first connect succeeds, doubling the delay
// between attempts up to the configured ceiling. Later drops are handled by
// the manager's own reconnect loop.
func (a *App) connectWithRetry(ctx context.Context, m *wsconn.Manager, name string) error {
	delay := a.cfg.Backend.Reconnect.Floor.Std()
	ceiling := a.cfg.Backend.Reconnect.Ceiling.Std()

	for {
		err := m.Connect(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		a.metrics.RecordReconnect(ctx, false)
		slog.Warn("connect failed", "link", name, "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, ceiling)
	}
}

// watchLink mirrors backend link state transitions into metrics.
func (a *App) watchLink(ctx context.Context) error {
	ch, cancel := a.link.Subscribe()
	defer cancel()

	connected := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s, ok := <-ch:
			if !ok {
				return nil
			}
			switch s {
			case wsconn.StateConnected:
				if !connected {
					connected = true
					a.metrics.LinkConnected.Add(ctx, 1)
					a.metrics.RecordReconnect(ctx, true)
				}
			case wsconn.StateReconnecting, wsconn.StateDisconnected, wsconn.StateClosed:
				if connected {
					connected = false
					a.metrics.LinkConnected.Add(ctx, -1)
				}
			}
		}
	}
}

// Handler returns the admin HTTP handler: health endpoints and the Prometheus
// scrape endpoint, wrapped in the tracing middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(a.metrics)(mux)
}

// serveAdmin runs the admin HTTP server until ctx is cancelled. When no
// listen address is configured the goroutine just waits for cancellation.
func (a *App) serveAdmin(ctx context.Context) error {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: admin listen %s: %w", addr, err)
	}

	a.mu.Lock()
	a.adminAddr = ln.Addr().String()
	a.mu.Unlock()

	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("admin server shutdown error", "error", err)
		}
	}()

	slog.Info("admin server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	if tc := a.cfg.Server.TLS; tc != nil {
		err = srv.ServeTLS(ln, tc.CertFile, tc.KeyFile)
	} else {
		err = srv.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return ctx.Err()
	}
	return err
}

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "error", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
