package template

import (
	"fmt"
	"slices"
	"strings"

	"github.com/sophialabs/simulacra/internal/domain/match"
)

// Engine names accepted in an endpoint's response.engine field.
const (
	EnginePlaceholder = "placeholder"
	EngineExpr        = "expr"
	EngineJinja2      = "jinja2"
)

// EngineCompiler compiles a template source string into a BodyRenderer.
type EngineCompiler interface {
	Compile(name, source string) (match.BodyRenderer, error)
}

// Registry maps engine names to their compilers. The empty engine name
// resolves to the registry default.
type Registry struct {
	engines       map[string]EngineCompiler
	defaultEngine string
}

// NewRegistry creates a registry with the built-in engines. defaultEngine
// is used for templates that do not name one; empty selects placeholder.
func NewRegistry(defaultEngine string) (*Registry, error) {
	r := &Registry{
		engines: map[string]EngineCompiler{
			EnginePlaceholder: &PlaceholderCompiler{},
			EngineExpr:        &ExprCompiler{},
			EngineJinja2:      &Jinja2Compiler{},
		},
		defaultEngine: EnginePlaceholder,
	}
	if defaultEngine != "" {
		if _, ok := r.engines[defaultEngine]; !ok {
			return nil, r.unknown(defaultEngine)
		}
		r.defaultEngine = defaultEngine
	}
	return r, nil
}

// Default returns the engine used when a template names none.
func (r *Registry) Default() string { return r.defaultEngine }

// Names lists the registered engines in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.engines))
	for n := range r.engines {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Known reports whether engine resolves to a registered compiler.
func (r *Registry) Known(engine string) bool {
	if engine == "" {
		return true
	}
	_, ok := r.engines[engine]
	return ok
}

// Compile resolves the engine by name and compiles the source.
func (r *Registry) Compile(engine, name, source string) (match.BodyRenderer, error) {
	if engine == "" {
		engine = r.defaultEngine
	}
	ec, ok := r.engines[engine]
	if !ok {
		return nil, r.unknown(engine)
	}
	return ec.Compile(name, source)
}

func (r *Registry) unknown(engine string) error {
	return fmt.Errorf("unknown template engine: %q (supported: %s)", engine, strings.Join(r.Names(), ", "))
}
