package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/sophialabs/simulacra/internal/infrastructure/outbound/filesystem"
	"github.com/sophialabs/simulacra/internal/infrastructure/outbound/logging"
	"github.com/sophialabs/simulacra/internal/infrastructure/wiring"
)

// App is the thin lifecycle manager that delegates dependency construction to wiring.Container.
type App struct {
	cfg        Config
	container  *wiring.Container
	httpServer *http.Server
}

// New constructs the application by creating a logger, wiring infrastructure
// components via the container, and setting up the HTTP server.
func New(ctx context.Context, cfg Config) (*App, error) {
	logger := logging.New(logging.NewSlog(logging.Options{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Format: logging.ParseFormat(cfg.LogFormat),
	}))

	container, err := wiring.New(ctx, wiring.Params{
		RootDir:        cfg.RootDir,
		StateDB:        cfg.StateDB,
		Runtime:        cfg.Runtime,
		RateLimiterTTL: cfg.RateLimiterTTL,
		DefaultEngine:  cfg.DefaultEngine,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to wire infrastructure: %w", err)
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      container.Server(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return &App{
		cfg:        cfg,
		container:  container,
		httpServer: httpServer,
	}, nil
}

// Run executes the full application lifecycle: load endpoints, start the
// actor engine and watcher, serve HTTP, and shut down gracefully on
// SIGINT/SIGTERM or context cancellation.
func (a *App) Run(ctx context.Context) error {
	defer a.container.Close()
	logger := a.container.Logger()

	if err := a.container.Load(ctx); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engineCtx, stopEngine := context.WithCancel(context.Background())
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := a.container.Engine().Run(engineCtx); err != nil {
			logger.Error("actor engine stopped", "error", err)
		}
	}()
	defer func() {
		stopEngine()
		<-engineDone
	}()

	if watcher := a.setupWatcher(); watcher != nil {
		defer watcher.Stop()
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting simulacra", "addr", a.httpServer.Addr, "root", a.cfg.RootDir, "state_db", a.cfg.StateDB)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	logger.Info("server stopped", "pending_tasks", a.container.Engine().Pending())
	return nil
}

func (a *App) setupWatcher() *filesystem.Watcher {
	logger := a.container.Logger()
	if a.cfg.WatcherDebounce <= 0 {
		return nil
	}

	watcher, err := a.container.NewWatcher(a.cfg.WatcherDebounce)
	if err != nil {
		logger.Warn("file watcher not available", "error", err)
		return nil
	}
	if watcher == nil {
		return nil
	}

	watcher.Start()
	logger.Info("file watcher started", "root", a.cfg.RootDir)
	return watcher
}
