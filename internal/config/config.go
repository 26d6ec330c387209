// Package config provides the configuration schema and loader for the
// Homespeak bridge.
package config

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l to its slog level. Unknown levels map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Duration wraps time.Duration for YAML scalars like "30s" or "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration, typically loaded from a YAML file with
// [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Backend BackendConfig `yaml:"backend"`
	MCP     MCPConfig     `yaml:"mcp"`
	Host    HostConfig    `yaml:"host"`
	Audio   AudioConfig   `yaml:"audio"`
}

// ServerConfig holds the admin HTTP endpoint (metrics, health) and logging
// settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the admin mux listens on (e.g., ":8087").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the admin mux. When nil, plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// BackendConfig describes the voice backend link.
type BackendConfig struct {
	// URL is the backend WebSocket endpoint (ws:// or wss://).
	URL string `yaml:"url"`

	// Token is the bearer token sent on connect. Optional.
	Token string `yaml:"token"`

	// DeviceID identifies this installation to the backend. Sent as the
	// Device-Id header. Optional.
	DeviceID string `yaml:"device_id"`

	// ClientID is a per-installation client identifier, sent as the
	// Client-Id header. Optional.
	ClientID string `yaml:"client_id"`

	// ProtocolVersion is the wire protocol version. Only 3 is supported.
	ProtocolVersion int `yaml:"protocol_version"`

	// Language hint forwarded with text turns, e.g. "en" or "zh". Optional.
	Language string `yaml:"language"`

	// ResponseTimeout bounds each consumer wait for an exchange result.
	// Range 5s to 2m, default 30s.
	ResponseTimeout Duration `yaml:"response_timeout"`

	// Reconnect tunes the backoff between reconnect attempts.
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// Header builds the HTTP headers sent with the WebSocket dial.
func (b BackendConfig) Header() http.Header {
	h := http.Header{}
	if b.Token != "" {
		h.Set("Authorization", "Bearer "+b.Token)
	}
	if b.DeviceID != "" {
		h.Set("Device-Id", b.DeviceID)
	}
	if b.ClientID != "" {
		h.Set("Client-Id", b.ClientID)
	}
	if b.ProtocolVersion > 0 {
		h.Set("Protocol-Version", strconv.Itoa(b.ProtocolVersion))
	}
	return h
}

// ReconnectConfig holds the exponential backoff bounds.
type ReconnectConfig struct {
	// Floor is the initial retry delay. Default 5s.
	Floor Duration `yaml:"floor"`

	// Ceiling caps the retry delay. Default 60s.
	Ceiling Duration `yaml:"ceiling"`
}

// MCPConfig selects the tool gateway framing.
type MCPConfig struct {
	// EndpointURL, when set, carries tool traffic over a dedicated
	// WebSocket connection instead of multiplexing it on the session link.
	EndpointURL string `yaml:"endpoint_url"`

	// Token is the bearer token for the dedicated endpoint. Defaults to the
	// backend token.
	Token string `yaml:"token"`
}

// HostConfig describes the host automation platform API. When BaseURL is
// empty the tool gateway runs with no tools registered.
type HostConfig struct {
	// BaseURL is the platform API root, e.g. "http://homeassistant.local:8123".
	BaseURL string `yaml:"base_url"`

	// Token is the long-lived platform access token.
	Token string `yaml:"token"`
}

// AudioConfig tunes the codec bridge.
type AudioConfig struct {
	// FFmpegPath overrides the ffmpeg binary used for answer-audio decoding.
	// Empty means look up "ffmpeg" in PATH.
	FFmpegPath string `yaml:"ffmpeg_path"`
}
