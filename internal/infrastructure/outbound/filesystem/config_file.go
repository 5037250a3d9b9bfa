package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/sophialabs/simulacra/internal/domain/runtimeconfig"
)

var _ runtimeconfig.Repository = (*ConfigFile)(nil)

// ConfigFile persists the runtime configuration as YAML. Options missing
// from the file keep their defaults.
type ConfigFile struct {
	path string
}

// NewConfigFile stores the configuration in rootDir/runtime-config.yaml.
func NewConfigFile(rootDir string) *ConfigFile {
	return &ConfigFile{path: filepath.Join(rootDir, ConfigFileName)}
}

// Path returns the file location.
func (f *ConfigFile) Path() string { return f.path }

func (f *ConfigFile) Load(_ context.Context) (runtimeconfig.RuntimeConfig, bool, error) {
	cfg := runtimeconfig.Default()
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, false, nil
	}
	if err != nil {
		return cfg, false, fmt.Errorf("failed to read runtime config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, false, fmt.Errorf("failed to parse runtime config %s: %w", f.path, err)
	}
	return cfg, true, nil
}

func (f *ConfigFile) Save(_ context.Context, cfg runtimeconfig.RuntimeConfig) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal runtime config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return atomicWriteFile(f.path, out)
}
