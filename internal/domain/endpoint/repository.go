package endpoint

import (
	"context"
	"errors"
)

// ErrNotFound indicates an endpoint was not found.
var ErrNotFound = errors.New("endpoint not found")

// Repository is the port for loading and persisting endpoint definitions.
type Repository interface {
	// LoadAll loads every stored endpoint.
	LoadAll(ctx context.Context) ([]*Endpoint, error)

	// Save creates or replaces an endpoint. Implementations may update
	// SourceFile/SourceIndex on e to record where it was written.
	Save(ctx context.Context, e *Endpoint) error

	// Delete removes a stored endpoint.
	// Returns ErrNotFound if the repository does not hold it.
	Delete(ctx context.Context, e *Endpoint) error
}
