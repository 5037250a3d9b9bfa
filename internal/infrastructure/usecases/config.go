package usecases

import (
	"context"
	"fmt"
	"sync"

	"github.com/sophialabs/simulacra/internal/domain/runtimeconfig"
	"github.com/sophialabs/simulacra/internal/infrastructure/ports"
)

// ConfigUseCase reads and changes the runtime configuration and keeps the
// persisted copy in step with the store.
type ConfigUseCase struct {
	mu     sync.Mutex
	store  *runtimeconfig.Store
	repo   runtimeconfig.Repository
	logger ports.Logger
}

// NewConfigUseCase creates a new use case. repo may be nil, in which case
// changes live only in memory.
func NewConfigUseCase(store *runtimeconfig.Store, repo runtimeconfig.Repository, logger ports.Logger) *ConfigUseCase {
	return &ConfigUseCase{store: store, repo: repo, logger: logger}
}

// Get returns the current configuration.
func (uc *ConfigUseCase) Get() runtimeconfig.RuntimeConfig {
	return uc.store.Get()
}

// Load publishes the persisted configuration, if any.
func (uc *ConfigUseCase) Load(ctx context.Context) error {
	if uc.repo == nil {
		return nil
	}
	uc.mu.Lock()
	defer uc.mu.Unlock()

	cfg, ok, err := uc.repo.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load runtime config: %w", err)
	}
	if !ok {
		return nil
	}
	if _, err := uc.store.Replace(cfg); err != nil {
		return fmt.Errorf("persisted runtime config is invalid: %w", err)
	}
	uc.logger.Info("runtime config loaded")
	return nil
}

// Update applies a partial change.
func (uc *ConfigUseCase) Update(ctx context.Context, p runtimeconfig.Patch) (runtimeconfig.RuntimeConfig, error) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	prev := uc.store.Get()
	next, err := uc.store.Update(p)
	if err != nil {
		return prev, err
	}
	return uc.persist(ctx, prev, next)
}

// Replace swaps in a whole configuration.
func (uc *ConfigUseCase) Replace(ctx context.Context, cfg runtimeconfig.RuntimeConfig) (runtimeconfig.RuntimeConfig, error) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	prev := uc.store.Get()
	next, err := uc.store.Replace(cfg)
	if err != nil {
		return prev, err
	}
	return uc.persist(ctx, prev, next)
}

func (uc *ConfigUseCase) persist(ctx context.Context, prev, next runtimeconfig.RuntimeConfig) (runtimeconfig.RuntimeConfig, error) {
	if uc.repo != nil {
		if err := uc.repo.Save(ctx, next); err != nil {
			if _, rerr := uc.store.Replace(prev); rerr != nil {
				uc.logger.Error("failed to roll back runtime config", "error", rerr)
			}
			return prev, fmt.Errorf("failed to persist runtime config: %w", err)
		}
	}
	uc.logger.Info("runtime config updated",
		"log_capacity", next.LogCapacity,
		"fault_probability", next.FaultProbability,
		"latency_min_ms", next.LatencyMinMs,
		"latency_max_ms", next.LatencyMaxMs,
	)
	return next, nil
}
