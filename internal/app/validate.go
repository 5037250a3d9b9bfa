package app

import (
	"context"
	"fmt"

	"github.com/sophialabs/simulacra/internal/domain/registry"
	"github.com/sophialabs/simulacra/internal/infrastructure/outbound/filesystem"
	"github.com/sophialabs/simulacra/internal/infrastructure/outbound/template"
	"github.com/sophialabs/simulacra/internal/infrastructure/services"
)

// ValidateDir loads and compiles every endpoint file under dir without
// serving them. It returns the number of endpoints on success; on failure
// the error lists every problem found.
func ValidateDir(ctx context.Context, dir, defaultEngine string) (int, error) {
	repo, err := filesystem.NewYAMLRepository(dir)
	if err != nil {
		return 0, err
	}
	defs, err := repo.LoadAll(ctx)
	if err != nil {
		return 0, err
	}

	templates, err := template.NewRegistry(defaultEngine)
	if err != nil {
		return 0, err
	}
	compiler, err := services.NewCompiler(repo.Root(), templates)
	if err != nil {
		return 0, fmt.Errorf("failed to create compiler: %w", err)
	}
	if err := registry.New(compiler).ReplaceAll(defs); err != nil {
		return 0, err
	}
	return len(defs), nil
}
