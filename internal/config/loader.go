package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [Validate].
const (
	DefaultProtocolVersion = 3
	DefaultResponseTimeout = 30 * time.Second
	DefaultBackoffFloor    = 5 * time.Second
	DefaultBackoffCeiling  = 60 * time.Second

	minResponseTimeout = 5 * time.Second
	maxResponseTimeout = 120 * time.Second
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values and fills in
// defaults. It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Backend link
	if cfg.Backend.URL == "" {
		errs = append(errs, errors.New("backend.url is required"))
	} else if err := validateWSURL("backend.url", cfg.Backend.URL); err != nil {
		errs = append(errs, err)
	} else if cfg.Backend.Token != "" && strings.HasPrefix(cfg.Backend.URL, "ws://") {
		slog.Warn("backend token will be sent over unencrypted ws://; use wss:// in production")
	}

	if cfg.Backend.ProtocolVersion == 0 {
		cfg.Backend.ProtocolVersion = DefaultProtocolVersion
	}
	if cfg.Backend.ProtocolVersion != DefaultProtocolVersion {
		errs = append(errs, fmt.Errorf("backend.protocol_version %d is unsupported; only %d is implemented", cfg.Backend.ProtocolVersion, DefaultProtocolVersion))
	}

	if cfg.Backend.ResponseTimeout == 0 {
		cfg.Backend.ResponseTimeout = Duration(DefaultResponseTimeout)
	}
	if rt := cfg.Backend.ResponseTimeout.Std(); rt < minResponseTimeout || rt > maxResponseTimeout {
		errs = append(errs, fmt.Errorf("backend.response_timeout %s is out of range [%s, %s]", rt, minResponseTimeout, maxResponseTimeout))
	}

	if cfg.Backend.Reconnect.Floor == 0 {
		cfg.Backend.Reconnect.Floor = Duration(DefaultBackoffFloor)
	}
	if cfg.Backend.Reconnect.Ceiling == 0 {
		cfg.Backend.Reconnect.Ceiling = Duration(DefaultBackoffCeiling)
	}
	if cfg.Backend.Reconnect.Floor.Std() <= 0 {
		errs = append(errs, fmt.Errorf("backend.reconnect.floor %s must be positive", cfg.Backend.Reconnect.Floor.Std()))
	}
	if cfg.Backend.Reconnect.Ceiling.Std() < cfg.Backend.Reconnect.Floor.Std() {
		errs = append(errs, fmt.Errorf("backend.reconnect.ceiling %s is below the floor %s", cfg.Backend.Reconnect.Ceiling.Std(), cfg.Backend.Reconnect.Floor.Std()))
	}

	// Tool gateway
	if cfg.MCP.EndpointURL != "" {
		if err := validateWSURL("mcp.endpoint_url", cfg.MCP.EndpointURL); err != nil {
			errs = append(errs, err)
		}
		if cfg.MCP.Token == "" {
			cfg.MCP.Token = cfg.Backend.Token
		}
	}

	// Host platform
	if cfg.Host.BaseURL != "" {
		u, err := url.Parse(cfg.Host.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("host.base_url %q must be an http(s) URL", cfg.Host.BaseURL))
		}
		if cfg.Host.Token == "" {
			errs = append(errs, errors.New("host.token is required when host.base_url is set"))
		}
	} else {
		slog.Warn("host.base_url is empty; the tool gateway will expose no platform tools")
	}

	return errors.Join(errs...)
}

func validateWSURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s %q is not a valid URL", field, raw)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%s %q must use the ws:// or wss:// scheme", field, raw)
	}
	return nil
}
