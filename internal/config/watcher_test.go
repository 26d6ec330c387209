package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "backend:\n  url: wss://b/\nserver:\n  log_level: info\n")

	type change struct{ old, new LogLevel }
	changes := make(chan change, 1)
	w, err := NewWatcher(path, func(old, new *Config) {
		changes <- change{old.Server.LogLevel, new.Server.LogLevel}
	}, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if w.Current().Server.LogLevel != LogInfo {
		t.Fatalf("initial log_level = %q", w.Current().Server.LogLevel)
	}

	// Ensure a different mtime even on coarse filesystem clocks.
	time.Sleep(20 * time.Millisecond)
	writeConfig(t, path, "backend:\n  url: wss://b/\nserver:\n  log_level: debug\n")
	now := time.Now()
	os.Chtimes(path, now, now)

	select {
	case c := <-changes:
		if c.old != LogInfo || c.new != LogDebug {
			t.Fatalf("change = %+v", c)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("change never observed")
	}
	if w.Current().Server.LogLevel != LogDebug {
		t.Fatalf("current log_level = %q", w.Current().Server.LogLevel)
	}
}

func TestWatcher_KeepsOldConfigOnInvalidEdit(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "backend:\n  url: wss://b/\n")

	w, err := NewWatcher(path, func(old, new *Config) {
		t.Error("onChange called for invalid config")
	}, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	time.Sleep(20 * time.Millisecond)
	writeConfig(t, path, "backend:\n  url: http://not-websocket/\n")
	now := time.Now()
	os.Chtimes(path, now, now)

	time.Sleep(100 * time.Millisecond)
	if w.Current().Backend.URL != "wss://b/" {
		t.Fatalf("current url = %q, old config not kept", w.Current().Backend.URL)
	}
}

func TestWatcher_InitialLoadFailure(t *testing.T) {
	t.Parallel()

	if _, err := NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("missing file accepted")
	}
}
