// Command homespeak bridges a voice AI backend to a home automation platform:
// it keeps a persistent WebSocket session to the backend, exposes the
// platform's services as tools over MCP, and serves conversation results to
// local consumers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/homespeak/homespeak/internal/app"
	"github.com/homespeak/homespeak/internal/config"
	"github.com/homespeak/homespeak/internal/observe"
)

// version is stamped by the release build; "dev" otherwise.
var version = "dev"

// shutdownTimeout bounds the graceful teardown after the run loop exits.
const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("homespeak", version)
		return 0
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level variable is shared with the config watcher so log_level edits
	// apply without a restart.
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// ── Load configuration + start the watcher ────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		if old.Server.LogLevel != new.Server.LogLevel {
			level.Set(new.Server.LogLevel.Slog())
			slog.Info("log level changed", "level", new.Server.LogLevel)
		}
		// Everything else needs a restart to take effect.
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "homespeak: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "homespeak: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()

	cfg := watcher.Current()
	level.Set(cfg.Server.LogLevel.Slog())

	slog.Info("homespeak starting",
		"version", version,
		"config", *configPath,
		"backend", cfg.Backend.URL,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "error", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "error", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(cfg, version)
	if err != nil {
		slog.Error("failed to initialise application", "error", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "error", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}
