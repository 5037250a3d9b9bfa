package usecases

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/sophialabs/simulacra/internal/domain/actor"
	"github.com/sophialabs/simulacra/internal/domain/endpoint"
	"github.com/sophialabs/simulacra/internal/domain/registry"
	"github.com/sophialabs/simulacra/internal/domain/validation"
	"github.com/sophialabs/simulacra/internal/infrastructure/outbound/ratelimit"
	"github.com/sophialabs/simulacra/internal/infrastructure/ports"
)

// Canceller cancels the pending async tasks of an endpoint.
type Canceller interface {
	CancelEndpoint(endpointID, reason string) int
}

// EndpointsUseCase owns every mutation of the endpoint set. A mutation first
// changes the registry, which validates and compiles, then persists; the
// registry is rolled back when persisting fails.
type EndpointsUseCase struct {
	mu          sync.Mutex
	repo        endpoint.Repository
	registry    *registry.Registry
	actors      Canceller
	rateLimiter ports.RateLimiter
	logger      ports.Logger
	newID       func() string
}

// NewEndpointsUseCase creates a new use case.
func NewEndpointsUseCase(
	repo endpoint.Repository,
	reg *registry.Registry,
	actors Canceller,
	rateLimiter ports.RateLimiter,
	logger ports.Logger,
) *EndpointsUseCase {
	return &EndpointsUseCase{
		repo:        repo,
		registry:    reg,
		actors:      actors,
		rateLimiter: rateLimiter,
		logger:      logger,
		newID:       uuid.NewString,
	}
}

// List returns every endpoint in registry order.
func (uc *EndpointsUseCase) List() []*registry.Entry {
	return uc.registry.Snapshot().All()
}

// Get returns one endpoint.
func (uc *EndpointsUseCase) Get(id string) (*registry.Entry, error) {
	return uc.registry.Get(id)
}

// ResetSequences rewinds the response and dataset cycles of the endpoint
// with id, or of every endpoint when id is empty. It returns how many
// endpoints were reset.
func (uc *EndpointsUseCase) ResetSequences(id string) (int, error) {
	if id != "" {
		e, err := uc.registry.Get(id)
		if err != nil {
			return 0, err
		}
		e.Compiled.ResetSequences()
		return 1, nil
	}
	all := uc.registry.Snapshot().All()
	for _, e := range all {
		e.Compiled.ResetSequences()
	}
	uc.logger.Info("sequences reset", "endpoints", len(all))
	return len(all), nil
}

// Load replaces the registry with the repository contents. On failure the
// registry keeps its previous contents. Endpoints that disappeared or are now
// disabled lose their pending async tasks.
func (uc *EndpointsUseCase) Load(ctx context.Context) error {
	uc.mu.Lock()
	defer uc.mu.Unlock()

	defs, err := uc.repo.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load endpoints: %w", err)
	}
	uc.logger.Info("loaded endpoints from repository", "count", len(defs))

	before := uc.registry.Snapshot()
	if err := uc.registry.ReplaceAll(defs); err != nil {
		return err
	}
	after := uc.registry.Snapshot()

	for _, old := range before.All() {
		id := old.Endpoint.ID
		cur, ok := after.Get(id)
		switch {
		case !ok:
			uc.retire(id, actor.ReasonEndpointRemoved)
		case cur.Endpoint.Disabled:
			uc.retire(id, actor.ReasonEndpointDisabled)
		}
	}
	uc.logger.Info("endpoint registry rebuilt", "endpoints", after.Len(), "version", after.Version)
	return nil
}

// Create registers a new endpoint. A missing id is generated.
func (uc *EndpointsUseCase) Create(ctx context.Context, e *endpoint.Endpoint) (*registry.Entry, error) {
	uc.mu.Lock()
	defer uc.mu.Unlock()

	if e.ID == "" {
		e.ID = uc.newID()
	}
	if _, ok := uc.registry.Snapshot().Get(e.ID); ok {
		c := validation.NewCollector("endpoint")
		c.Addf("id", "endpoint %q already exists", e.ID)
		return nil, c.Err()
	}
	e.SourceFile, e.SourceIndex = "", -1

	if _, err := uc.registry.Upsert(e); err != nil {
		return nil, err
	}
	if err := uc.repo.Save(ctx, e); err != nil {
		_, _ = uc.registry.Remove(e.ID)
		return nil, fmt.Errorf("failed to persist endpoint %q: %w", e.ID, err)
	}
	uc.logger.Info("endpoint created", "id", e.ID)
	return uc.registry.Get(e.ID)
}

// Update replaces the definition of an existing endpoint, keeping its
// insertion order and storage location.
func (uc *EndpointsUseCase) Update(ctx context.Context, id string, e *endpoint.Endpoint) (*registry.Entry, error) {
	uc.mu.Lock()
	defer uc.mu.Unlock()

	if e.ID != "" && e.ID != id {
		c := validation.NewCollector("endpoint")
		c.Addf("id", "does not match %q", id)
		return nil, c.Err()
	}
	current, err := uc.registry.Get(id)
	if err != nil {
		return nil, err
	}
	e.ID = id
	e.SourceFile, e.SourceIndex = current.Endpoint.SourceFile, current.Endpoint.SourceIndex

	return uc.replace(ctx, e, "endpoint updated")
}

// SetEnabled enables or disables an endpoint. Disabling cancels its pending
// async tasks.
func (uc *EndpointsUseCase) SetEnabled(ctx context.Context, id string, enabled bool) (*registry.Entry, error) {
	uc.mu.Lock()
	defer uc.mu.Unlock()

	current, err := uc.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if current.Endpoint.Disabled == !enabled {
		return current, nil
	}
	e := current.Endpoint.Clone()
	e.Disabled = !enabled

	msg := "endpoint enabled"
	if !enabled {
		msg = "endpoint disabled"
	}
	return uc.replace(ctx, e, msg)
}

func (uc *EndpointsUseCase) replace(ctx context.Context, e *endpoint.Endpoint, msg string) (*registry.Entry, error) {
	prev, err := uc.registry.Upsert(e)
	if err != nil {
		return nil, err
	}
	if err := uc.repo.Save(ctx, e); err != nil {
		if prev != nil {
			uc.registry.Restore(prev)
		}
		return nil, fmt.Errorf("failed to persist endpoint %q: %w", e.ID, err)
	}

	uc.rateLimiter.Forget(ratelimit.Key(e.ID, ""))
	if e.Disabled {
		uc.retire(e.ID, actor.ReasonEndpointDisabled)
	}
	uc.logger.Info(msg, "id", e.ID)
	return uc.registry.Get(e.ID)
}

// Remove deletes an endpoint and cancels its pending async tasks.
func (uc *EndpointsUseCase) Remove(ctx context.Context, id string) error {
	uc.mu.Lock()
	defer uc.mu.Unlock()

	prev, err := uc.registry.Remove(id)
	if err != nil {
		return err
	}
	if err := uc.repo.Delete(ctx, prev.Endpoint); err != nil {
		uc.registry.Restore(prev)
		return fmt.Errorf("failed to delete endpoint %q: %w", id, err)
	}
	uc.retire(id, actor.ReasonEndpointRemoved)
	uc.logger.Info("endpoint removed", "id", id)
	return nil
}

func (uc *EndpointsUseCase) retire(id, reason string) {
	uc.rateLimiter.Forget(ratelimit.Key(id, ""))
	if n := uc.actors.CancelEndpoint(id, reason); n > 0 {
		uc.logger.Info("cancelled pending actor tasks", "endpoint", id, "count", n, "reason", reason)
	}
}
