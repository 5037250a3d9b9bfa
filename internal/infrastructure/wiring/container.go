package wiring

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sophialabs/simulacra/internal/domain/actor"
	"github.com/sophialabs/simulacra/internal/domain/endpoint"
	"github.com/sophialabs/simulacra/internal/domain/fault"
	"github.com/sophialabs/simulacra/internal/domain/match"
	"github.com/sophialabs/simulacra/internal/domain/registry"
	"github.com/sophialabs/simulacra/internal/domain/runtimeconfig"
	"github.com/sophialabs/simulacra/internal/domain/stats"
	"github.com/sophialabs/simulacra/internal/domain/trace"
	inboundhttp "github.com/sophialabs/simulacra/internal/infrastructure/inbound/http"
	"github.com/sophialabs/simulacra/internal/infrastructure/outbound/callback"
	"github.com/sophialabs/simulacra/internal/infrastructure/outbound/clock"
	"github.com/sophialabs/simulacra/internal/infrastructure/outbound/filesystem"
	"github.com/sophialabs/simulacra/internal/infrastructure/outbound/ratelimit"
	"github.com/sophialabs/simulacra/internal/infrastructure/outbound/sqlite"
	"github.com/sophialabs/simulacra/internal/infrastructure/outbound/template"
	"github.com/sophialabs/simulacra/internal/infrastructure/ports"
	"github.com/sophialabs/simulacra/internal/infrastructure/services"
	"github.com/sophialabs/simulacra/internal/infrastructure/usecases"
)

// Params holds the subset of configuration needed to construct infrastructure components.
type Params struct {
	RootDir        string
	StateDB        string // "" = endpoints and runtime config live in RootDir as YAML
	Runtime        runtimeconfig.RuntimeConfig
	RateLimiterTTL time.Duration
	DefaultEngine  string // "" = placeholder, "expr", "jinja2"
	Logger         ports.Logger
	Clock          ports.Clock  // nil = wall clock
	CallbackClient *http.Client // nil = http.Client with no timeout; attempts are bounded by the engine
}

// Container owns the construction and lifecycle of all infrastructure components.
type Container struct {
	logger      ports.Logger
	rootDir     string
	server      *inboundhttp.Server
	endpoints   *usecases.EndpointsUseCase
	config      *usecases.ConfigUseCase
	engine      *actor.Engine
	log         *trace.Log
	stats       *stats.Aggregator
	rateLimiter *ratelimit.BucketStore
	db          *sqlite.Store // nil with the YAML repository
	closeOnce   sync.Once
}

// New constructs all infrastructure components. Fallible operations (state
// store, template registry, compiler) run before goroutine-starting ones
// (rate limiter store) to avoid goroutine leaks on early failure.
func New(ctx context.Context, p Params) (*Container, error) {
	if p.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if _, err := os.Stat(p.RootDir); err != nil {
		return nil, fmt.Errorf("failed to access root directory: %w", err)
	}
	rootDir, err := filepath.Abs(p.RootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root directory: %w", err)
	}

	store, err := runtimeconfig.NewStore(p.Runtime)
	if err != nil {
		return nil, fmt.Errorf("invalid runtime configuration: %w", err)
	}

	templates, err := template.NewRegistry(p.DefaultEngine)
	if err != nil {
		return nil, fmt.Errorf("failed to create template registry: %w", err)
	}
	compiler, err := services.NewCompiler(rootDir, templates)
	if err != nil {
		return nil, fmt.Errorf("failed to create compiler: %w", err)
	}

	c := &Container{logger: p.Logger, rootDir: rootDir}

	var (
		endpointRepo endpoint.Repository
		configRepo   runtimeconfig.Repository
	)
	if p.StateDB != "" {
		db, err := sqlite.Open(ctx, p.StateDB)
		if err != nil {
			return nil, fmt.Errorf("failed to open state database: %w", err)
		}
		c.db = db
		endpointRepo, configRepo = db.Endpoints(), db.Config()
	} else {
		repo, err := filesystem.NewYAMLRepository(rootDir)
		if err != nil {
			return nil, fmt.Errorf("failed to create repository: %w", err)
		}
		endpointRepo, configRepo = repo, filesystem.NewConfigFile(repo.Root())
	}

	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}

	initial := store.Get()
	c.stats = stats.NewAggregator(clk.Now)
	c.log = trace.NewLog(initial.LogCapacity, c.stats)
	injector := fault.NewInjector(initial.FaultSeed)

	c.engine = actor.NewEngine(actor.Config{
		Effector: callback.NewHTTPEffector(p.CallbackClient, p.Logger),
		Recorder: c.log,
		Random:   injector,
		Logger:   p.Logger,
		Settings: func() actor.Settings { return actorSettings(store.Get()) },
		Now:      clk.Now,
	})

	store.OnChange(func(prev, next runtimeconfig.RuntimeConfig) {
		if next.LogCapacity != prev.LogCapacity {
			c.log.Resize(next.LogCapacity)
		}
		if next.FaultSeed != prev.FaultSeed {
			injector.Reseed(next.FaultSeed)
		}
	})

	// Start background goroutine only after all fallible ops succeed.
	c.rateLimiter = ratelimit.NewBucketStore(p.RateLimiterTTL, clk)

	reg := registry.New(compiler)
	c.endpoints = usecases.NewEndpointsUseCase(endpointRepo, reg, c.engine, c.rateLimiter, p.Logger)
	c.config = usecases.NewConfigUseCase(store, configRepo, p.Logger)
	dispatch := usecases.NewDispatchUseCase(reg, match.NewEvaluator(), store, injector, c.engine,
		c.rateLimiter, clk, p.Logger, c.log)

	c.server = inboundhttp.NewServer(inboundhttp.Services{
		Dispatch:  dispatch,
		Endpoints: c.endpoints,
		Config:    c.config,
		Log:       c.log,
		Stats:     c.stats,
		Actors:    c.engine,
		Logger:    p.Logger,
		RootDir:   rootDir,
	})
	return c, nil
}

func actorSettings(cfg runtimeconfig.RuntimeConfig) actor.Settings {
	return actor.Settings{
		MaxAttempts:    cfg.ActorMaxAttempts,
		BackoffInitial: cfg.BackoffInitial(),
		BackoffMax:     cfg.BackoffMax(),
		AttemptTimeout: cfg.AttemptTimeout(),
		QueueCapacity:  cfg.ActorQueueCapacity,
	}
}

// Load restores the persisted runtime configuration, then loads every
// endpoint into the registry.
func (c *Container) Load(ctx context.Context) error {
	if err := c.config.Load(ctx); err != nil {
		return fmt.Errorf("failed to load runtime config: %w", err)
	}
	if err := c.endpoints.Load(ctx); err != nil {
		return fmt.Errorf("failed to load endpoints: %w", err)
	}
	return nil
}

// NewWatcher returns a watcher that reloads endpoints when the YAML tree
// changes. It returns nil when endpoints live in the state database.
func (c *Container) NewWatcher(debounce time.Duration) (*filesystem.Watcher, error) {
	if c.db != nil {
		return nil, nil
	}
	return filesystem.NewWatcher(c.rootDir, debounce, c.logger, func() {
		if err := c.endpoints.Load(context.Background()); err != nil {
			c.logger.Error("hot reload failed, keeping previous endpoints", "error", err)
		}
	})
}

// Close releases resources held by the container. It is idempotent.
func (c *Container) Close() {
	c.closeOnce.Do(func() {
		c.rateLimiter.Stop()
		if c.db != nil {
			if err := c.db.Close(); err != nil {
				c.logger.Warn("failed to close state database", "error", err)
			}
		}
	})
}

// Logger returns the logger passed at construction time.
func (c *Container) Logger() ports.Logger {
	return c.logger
}

// Server returns the HTTP server.
func (c *Container) Server() *inboundhttp.Server {
	return c.server
}

// Engine returns the actor engine. Its Run loop is started by the caller.
func (c *Container) Engine() *actor.Engine {
	return c.engine
}

// Endpoints returns the endpoint management use case.
func (c *Container) Endpoints() *usecases.EndpointsUseCase {
	return c.endpoints
}

// Config returns the runtime configuration use case.
func (c *Container) Config() *usecases.ConfigUseCase {
	return c.config
}

// TrafficLog returns the traffic log.
func (c *Container) TrafficLog() *trace.Log {
	return c.log
}

// Stats returns the statistics aggregator.
func (c *Container) Stats() *stats.Aggregator {
	return c.stats
}

// RateLimiterStore returns the token bucket store for rate limiting.
func (c *Container) RateLimiterStore() *ratelimit.BucketStore {
	return c.rateLimiter
}
