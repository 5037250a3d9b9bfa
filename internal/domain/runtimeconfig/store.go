package runtimeconfig

import (
	"context"
	"sync"
	"sync/atomic"
)

// Repository persists the runtime configuration across restarts.
type Repository interface {
	// Load returns the stored configuration; ok is false when none was saved.
	Load(ctx context.Context) (cfg RuntimeConfig, ok bool, err error)
	Save(ctx context.Context, cfg RuntimeConfig) error
}

// Listener is called after a new configuration has been published.
type Listener func(prev, next RuntimeConfig)

// Store is the single process-wide holder of the runtime configuration.
// Get is lock-free; updates serialize on a mutex and swap a new snapshot.
type Store struct {
	mu        sync.Mutex
	current   atomic.Pointer[RuntimeConfig]
	listeners []Listener
}

// NewStore validates initial and publishes it.
func NewStore(initial RuntimeConfig) (*Store, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	s := &Store{}
	s.current.Store(&initial)
	return s, nil
}

// Get returns the current configuration by value.
func (s *Store) Get() RuntimeConfig {
	return *s.current.Load()
}

// OnChange registers a listener. Listeners run in registration order while
// the update lock is held, so they observe changes in order.
func (s *Store) OnChange(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Update applies p to the current configuration. Nothing changes if any
// resulting option is invalid.
func (s *Store) Update(p Patch) (RuntimeConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swapLocked(p.Apply(*s.current.Load()))
}

// Replace swaps in cfg after validation.
func (s *Store) Replace(cfg RuntimeConfig) (RuntimeConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swapLocked(cfg)
}

func (s *Store) swapLocked(next RuntimeConfig) (RuntimeConfig, error) {
	prev := *s.current.Load()
	if err := next.Validate(); err != nil {
		return prev, err
	}
	s.current.Store(&next)
	for _, l := range s.listeners {
		l(prev, next)
	}
	return next, nil
}
