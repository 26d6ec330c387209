package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/homespeak/homespeak/internal/config"
	"github.com/homespeak/homespeak/internal/observe"
)

// testConfig returns a minimal valid config pointing at url. Host tools and
// the dedicated MCP endpoint stay disabled.
func testConfig(t *testing.T, url string) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Backend.URL = url
	cfg.Backend.Token = "test-token"
	cfg.Backend.DeviceID = "aa:bb:cc:dd:ee:ff"
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	// Short retries so failing tests do not hang on backoff.
	cfg.Backend.Reconnect.Floor = config.Duration(50 * time.Millisecond)
	cfg.Backend.Reconnect.Ceiling = config.Duration(200 * time.Millisecond)
	return cfg
}

// testMetrics returns an isolated metrics instance so tests never share the
// global meter provider.
func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// fakeBackend is an httptest server that accepts WebSocket upgrades and
// answers the hello handshake on each connection.
func fakeBackend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ != websocket.MessageText {
				continue
			}
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg["type"] == "hello" {
				reply, _ := json.Marshal(map[string]any{
					"type":       "hello",
					"transport":  "websocket",
					"session_id": "backend-session-1",
				})
				if err := conn.Write(ctx, websocket.MessageText, reply); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestNew_WiresSubsystems(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "ws://127.0.0.1:1/xiaozhi/v1/")
	a, err := New(cfg, "test", WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if a.Bridge() == nil {
		t.Error("Bridge() returned nil")
	}
	if a.hostAPI != nil {
		t.Error("host API created without host config")
	}
	if a.mcpLink != nil {
		t.Error("dedicated MCP link created without endpoint config")
	}
	if a.channel == nil {
		t.Error("multiplexed tool transport not created")
	}
}

func TestNew_CreatesHostToolsWhenConfigured(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "ws://127.0.0.1:1/xiaozhi/v1/")
	cfg.Host.BaseURL = "http://127.0.0.1:8123"
	cfg.Host.Token = "host-token"

	a, err := New(cfg, "test", WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.hostAPI == nil {
		t.Error("host API not created from config")
	}
}

func TestNew_DedicatedEndpointLink(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "ws://127.0.0.1:1/xiaozhi/v1/")
	cfg.MCP.EndpointURL = "ws://127.0.0.1:1/mcp/"
	cfg.MCP.Token = "mcp-token"

	a, err := New(cfg, "test", WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.mcpLink == nil {
		t.Error("dedicated MCP link not created from endpoint config")
	}
}

func TestHandler_HealthAndMetricsRoutes(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "ws://127.0.0.1:1/xiaozhi/v1/")
	a, err := New(cfg, "test", WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/healthz", http.StatusOK},
		// Not connected, so readiness must fail.
		{"/readyz", http.StatusServiceUnavailable},
		{"/metrics", http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tc.path)
			if err != nil {
				t.Fatalf("GET %s: %v", tc.path, err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.wantStatus {
				t.Errorf("GET %s = %d, want %d", tc.path, resp.StatusCode, tc.wantStatus)
			}
		})
	}
}

func TestRun_ConnectsAndBecomesReady(t *testing.T) {
	t.Parallel()

	backend := fakeBackend(t)
	cfg := testConfig(t, wsURL(backend.URL))

	a, err := New(cfg, "test", WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	// Wait for the admin listener, then for readiness.
	deadline := time.Now().Add(5 * time.Second)
	var ready bool
	for time.Now().Before(deadline) {
		addr := a.AdminAddr()
		if addr == "" {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		resp, err := http.Get("http://" + addr + "/readyz")
		if err == nil {
			ok := resp.StatusCode == http.StatusOK
			resp.Body.Close()
			if ok {
				ready = true
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !ready {
		t.Fatal("app never became ready")
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestRun_RetriesInitialConnectUntilCancelled(t *testing.T) {
	t.Parallel()

	// Point at a closed server so every attempt fails; Run should keep
	// retrying until the context expires instead of returning the dial error.
	backend := fakeBackend(t)
	url := wsURL(backend.URL)
	backend.Close()

	cfg := testConfig(t, url)
	a, err := New(cfg, "test", WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = a.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context error from retry loop", err)
	}
}
