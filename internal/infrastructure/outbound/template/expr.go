package template

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/sophialabs/simulacra/internal/domain/match"
)

// ExprCompiler compiles templates in the Expr language. Expressions are
// written inside ${ } and everything else is copied through.
type ExprCompiler struct{}

// Compile type-checks every ${ } expression against the helper set.
func (c *ExprCompiler) Compile(name, source string) (match.BodyRenderer, error) {
	segments, err := splitExpr(source)
	if err != nil {
		return nil, fmt.Errorf("failed to parse expr template %q: %w", name, err)
	}

	dynamic := false
	for _, seg := range segments {
		if seg.program != nil {
			dynamic = true
			break
		}
	}
	if !dynamic {
		return &staticRenderer{body: []byte(source)}, nil
	}
	return &exprRenderer{segments: segments}, nil
}

type exprSegment struct {
	literal string
	program *vm.Program
}

func splitExpr(source string) ([]exprSegment, error) {
	env := expr.Env(helpers(match.RenderContext{}))
	var segments []exprSegment
	pos := 0

	for {
		open := strings.Index(source[pos:], "${")
		if open < 0 {
			if pos < len(source) {
				segments = append(segments, exprSegment{literal: source[pos:]})
			}
			return segments, nil
		}
		open += pos
		if open > pos {
			segments = append(segments, exprSegment{literal: source[pos:open]})
		}

		body := source[open+2:]
		end := closingBrace(body)
		if end < 0 {
			return nil, fmt.Errorf("unclosed ${ at offset %d", open)
		}
		code := body[:end]
		program, err := expr.Compile(code, env)
		if err != nil {
			return nil, fmt.Errorf("failed to compile expression %q: %w", code, err)
		}
		segments = append(segments, exprSegment{program: program})
		pos = open + 2 + end + 1
	}
}

// closingBrace returns the index of the } that closes an expression,
// skipping nested braces and quoted strings.
func closingBrace(s string) int {
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if quote != 0 {
			switch ch {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			quote = ch
		case '{':
			depth++
		case '}':
			if depth == 0 {
				return i
			}
			depth--
		}
	}
	return -1
}

type exprRenderer struct {
	segments []exprSegment
}

func (r *exprRenderer) Render(ctx match.RenderContext) ([]byte, error) {
	env := helpers(ctx)
	var buf strings.Builder
	for _, seg := range r.segments {
		if seg.program == nil {
			buf.WriteString(seg.literal)
			continue
		}
		out, err := expr.Run(seg.program, env)
		if err != nil {
			return nil, fmt.Errorf("expression evaluation failed: %w", err)
		}
		fmt.Fprint(&buf, out)
	}
	return []byte(buf.String()), nil
}
