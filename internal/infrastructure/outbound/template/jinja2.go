package template

import (
	"fmt"

	"github.com/flosch/pongo2/v6"

	"github.com/sophialabs/simulacra/internal/domain/match"
)

// Jinja2Compiler compiles templates with pongo2 (Django/Jinja2 syntax).
type Jinja2Compiler struct{}

// Compile parses the source as a pongo2 template.
func (c *Jinja2Compiler) Compile(name, source string) (match.BodyRenderer, error) {
	tpl, err := pongo2.FromString(source)
	if err != nil {
		return nil, fmt.Errorf("failed to compile jinja2 template %q: %w", name, err)
	}
	return &jinja2Renderer{tpl: tpl}, nil
}

type jinja2Renderer struct {
	tpl *pongo2.Template
}

func (r *jinja2Renderer) Render(ctx match.RenderContext) ([]byte, error) {
	out, err := r.tpl.ExecuteBytes(pongo2.Context(helpers(ctx)))
	if err != nil {
		return nil, fmt.Errorf("jinja2 template render failed: %w", err)
	}
	return out, nil
}
