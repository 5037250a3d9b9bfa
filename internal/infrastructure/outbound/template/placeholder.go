package template

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sophialabs/simulacra/internal/domain/match"
)

var placeholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// PlaceholderCompiler substitutes {name} with the matching path capture, or
// else the dataset field of that name. Names matching neither are left
// verbatim, so JSON bodies pass through.
type PlaceholderCompiler struct{}

// Compile splits the source once into literal and placeholder parts.
func (c *PlaceholderCompiler) Compile(_, source string) (match.BodyRenderer, error) {
	locs := placeholderRe.FindAllStringSubmatchIndex(source, -1)
	if len(locs) == 0 {
		return &staticRenderer{body: []byte(source)}, nil
	}

	r := &placeholderRenderer{}
	last := 0
	for _, loc := range locs {
		r.parts = append(r.parts, placeholderPart{literal: source[last:loc[0]]})
		r.parts = append(r.parts, placeholderPart{
			name: source[loc[2]:loc[3]],
			raw:  source[loc[0]:loc[1]],
		})
		last = loc[1]
	}
	r.parts = append(r.parts, placeholderPart{literal: source[last:]})
	return r, nil
}

type placeholderPart struct {
	literal string
	name    string
	raw     string
}

type placeholderRenderer struct {
	parts []placeholderPart
}

func (r *placeholderRenderer) Render(ctx match.RenderContext) ([]byte, error) {
	var buf strings.Builder
	for _, p := range r.parts {
		if p.name == "" {
			buf.WriteString(p.literal)
			continue
		}
		if v, ok := ctx.PathParams[p.name]; ok {
			buf.WriteString(v)
		} else if v, ok := ctx.Data[p.name]; ok {
			fmt.Fprint(&buf, v)
		} else {
			buf.WriteString(p.raw)
		}
	}
	return []byte(buf.String()), nil
}

// staticRenderer returns a fixed body.
type staticRenderer struct {
	body []byte
}

func (r *staticRenderer) Render(match.RenderContext) ([]byte, error) {
	return r.body, nil
}
