package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sophialabs/simulacra/internal/domain/runtimeconfig"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "SIMULACRA_"

// Config holds all configurable parameters for the application.
type Config struct {
	RootDir   string `yaml:"root"`
	Port      int    `yaml:"port"`
	StateDB   string `yaml:"state_db"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	RateLimiterTTL  time.Duration `yaml:"rate_limiter_ttl"`
	WatcherDebounce time.Duration `yaml:"watcher_debounce"` // 0 disables hot reload

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	DefaultEngine string `yaml:"default_engine"` // "" = placeholder, "expr", "jinja2"

	// Runtime seeds the configuration store. A runtime config persisted
	// through the admin API takes precedence on startup.
	Runtime runtimeconfig.RuntimeConfig `yaml:"runtime"`
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		RootDir:   "./endpoints",
		Port:      8080,
		LogLevel:  "info",
		LogFormat: "text",

		RateLimiterTTL:  10 * time.Minute,
		WatcherDebounce: 500 * time.Millisecond,

		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,

		Runtime: runtimeconfig.Default(),
	}
}

// LoadFile overlays the YAML file at path onto cfg. Keys missing from the
// file keep their current values.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays SIMULACRA_* variables onto cfg. lookup is os.LookupEnv
// outside tests. Every malformed variable is reported.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("ROOT", &cfg.RootDir)
	num("PORT", &cfg.Port)
	str("STATE_DB", &cfg.StateDB)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)
	str("DEFAULT_ENGINE", &cfg.DefaultEngine)
	dur("RATE_LIMITER_TTL", &cfg.RateLimiterTTL)
	dur("WATCHER_DEBOUNCE", &cfg.WatcherDebounce)
	dur("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)
	num("LOG_CAPACITY", &cfg.Runtime.LogCapacity)
	num("UNMATCHED_STATUS", &cfg.Runtime.UnmatchedStatus)
	num("ACTOR_MAX_ATTEMPTS", &cfg.Runtime.ActorMaxAttempts)

	return errors.Join(errs...)
}
