package app_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sophialabs/simulacra/internal/app"
)

func TestDefaultConfig_HasSensibleValues(t *testing.T) {
	cfg := app.DefaultConfig()

	if cfg.RootDir == "" {
		t.Error("RootDir should not be empty")
	}
	if cfg.Port == 0 {
		t.Error("Port should not be zero")
	}
	if cfg.LogLevel == "" {
		t.Error("LogLevel should not be empty")
	}
	if cfg.RateLimiterTTL == 0 {
		t.Error("RateLimiterTTL should not be zero")
	}
	if cfg.WatcherDebounce == 0 {
		t.Error("WatcherDebounce should not be zero")
	}
	if cfg.ReadTimeout == 0 || cfg.WriteTimeout == 0 || cfg.IdleTimeout == 0 {
		t.Error("HTTP timeouts should not be zero")
	}
	if cfg.ShutdownTimeout == 0 {
		t.Error("ShutdownTimeout should not be zero")
	}
	if err := cfg.Runtime.Validate(); err != nil {
		t.Errorf("default runtime config should be valid: %v", err)
	}
}

func TestLoadFile_OverlaysKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "simulacra.yaml")
	content := `port: 9090
log_format: json
shutdown_timeout: 3s
runtime:
  unmatched_status: 501
  log_capacity: 50
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg := app.DefaultConfig()
	if err := app.LoadFile(path, &cfg); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Port != 9090 || cfg.LogFormat != "json" {
		t.Errorf("expected file values, got port %d format %q", cfg.Port, cfg.LogFormat)
	}
	if cfg.ShutdownTimeout != 3*time.Second {
		t.Errorf("expected 3s, got %v", cfg.ShutdownTimeout)
	}
	if cfg.Runtime.UnmatchedStatus != 501 || cfg.Runtime.LogCapacity != 50 {
		t.Errorf("unexpected runtime %+v", cfg.Runtime)
	}
	if cfg.Runtime.FaultStatus != 503 {
		t.Errorf("keys missing from the file must keep defaults, got fault status %d", cfg.Runtime.FaultStatus)
	}
	if cfg.RootDir != app.DefaultConfig().RootDir {
		t.Errorf("RootDir should keep its default, got %q", cfg.RootDir)
	}
}

func TestLoadFile_Errors(t *testing.T) {
	cfg := app.DefaultConfig()
	if err := app.LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), &cfg); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("port: [1"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if err := app.LoadFile(path, &cfg); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"SIMULACRA_PORT":             "7000",
		"SIMULACRA_ROOT":             "/srv/endpoints",
		"SIMULACRA_LOG_LEVEL":        "debug",
		"SIMULACRA_WATCHER_DEBOUNCE": "0s",
		"SIMULACRA_LOG_CAPACITY":     "25",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := app.DefaultConfig()
	if err := app.ApplyEnv(&cfg, lookup); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}

	if cfg.Port != 7000 || cfg.RootDir != "/srv/endpoints" || cfg.LogLevel != "debug" {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.WatcherDebounce != 0 {
		t.Errorf("expected watcher disabled, got %v", cfg.WatcherDebounce)
	}
	if cfg.Runtime.LogCapacity != 25 {
		t.Errorf("expected log capacity 25, got %d", cfg.Runtime.LogCapacity)
	}
}

func TestApplyEnv_ReportsEveryMalformedValue(t *testing.T) {
	env := map[string]string{
		"SIMULACRA_PORT":             "eighty",
		"SIMULACRA_SHUTDOWN_TIMEOUT": "soon",
	}
	cfg := app.DefaultConfig()
	err := app.ApplyEnv(&cfg, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, name := range []string{"SIMULACRA_PORT", "SIMULACRA_SHUTDOWN_TIMEOUT"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("expected %s in %v", name, err)
		}
	}
	if cfg.Port != app.DefaultConfig().Port {
		t.Errorf("malformed port must not be applied, got %d", cfg.Port)
	}
}

func TestNew_InvalidRootDir(t *testing.T) {
	cfg := app.DefaultConfig()
	cfg.RootDir = "/nonexistent/path/that/does/not/exist"

	_, err := app.New(context.Background(), cfg)
	if err == nil {
		t.Error("expected error for invalid root directory")
	}
}

func TestNew_WithDefaultEngine(t *testing.T) {
	dir := t.TempDir()
	writeTestEndpoint(t, dir)

	cfg := app.DefaultConfig()
	cfg.RootDir = dir
	cfg.DefaultEngine = "expr"

	a, err := app.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if a == nil {
		t.Fatal("expected non-nil App")
	}
}

func TestNew_WithAllLogLevels(t *testing.T) {
	levels := []string{"debug", "info", "warn", "error", "unknown"}

	for _, level := range levels {
		t.Run(level, func(t *testing.T) {
			dir := t.TempDir()
			writeTestEndpoint(t, dir)

			cfg := app.DefaultConfig()
			cfg.RootDir = dir
			cfg.LogLevel = level

			a, err := app.New(context.Background(), cfg)
			if err != nil {
				t.Fatalf("New failed for log level %q: %v", level, err)
			}
			if a == nil {
				t.Fatalf("expected non-nil App for log level %q", level)
			}
		})
	}
}
