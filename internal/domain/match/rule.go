package match

import (
	"cmp"
	"regexp"
	"strings"

	"github.com/sophialabs/simulacra/internal/domain/endpoint"
	"github.com/sophialabs/simulacra/internal/domain/validation"
)

var placeholderName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Rule is a compiled path rule. Kind is one of the closed set exact, prefix
// and pattern; Match switches on it.
type Rule struct {
	Kind  endpoint.RuleKind
	Value string

	re       *regexp.Regexp
	names    []string
	literals int
	shape    string
}

// CompileRule validates and compiles a path rule.
//
// Patterns use {name} placeholders, each matching one non-empty path segment
// fragment (no "/"). Everything else in a pattern is literal.
func CompileRule(pr endpoint.PathRule) (*Rule, error) {
	c := validation.NewCollector("path rule")
	if !strings.HasPrefix(pr.Value, "/") {
		c.Addf("value", "must start with /")
		return nil, c.Err()
	}

	r := &Rule{Kind: pr.Kind, Value: pr.Value}
	switch pr.Kind {
	case endpoint.RuleExact, endpoint.RulePrefix:
		if strings.ContainsAny(pr.Value, "{}") {
			c.Addf("value", "placeholders are only allowed in pattern rules")
		}
		r.literals = len(pr.Value)
		r.shape = pr.Value
	case endpoint.RulePattern:
		if err := r.compilePattern(); err != nil {
			c.Merge("", err)
		}
	default:
		c.Addf("kind", "unknown rule kind %q", pr.Kind)
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Rule) compilePattern() error {
	c := validation.NewCollector("path rule")
	var (
		expr  strings.Builder
		shape strings.Builder
		seen  = map[string]bool{}
	)
	expr.WriteString("^")

	rest := r.Value
	for rest != "" {
		open := strings.IndexByte(rest, '{')
		closeIdx := strings.IndexByte(rest, '}')
		if open < 0 {
			if closeIdx >= 0 {
				c.Addf("value", "unbalanced '}' in %q", r.Value)
				break
			}
			r.addLiteral(&expr, &shape, rest)
			break
		}
		if closeIdx >= 0 && closeIdx < open {
			c.Addf("value", "unbalanced '}' in %q", r.Value)
			break
		}
		r.addLiteral(&expr, &shape, rest[:open])
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			c.Addf("value", "unterminated placeholder in %q", r.Value)
			break
		}
		name := rest[open+1 : open+end]
		switch {
		case !placeholderName.MatchString(name):
			c.Addf("value", "invalid placeholder name %q", name)
		case seen[name]:
			c.Addf("value", "duplicate placeholder %q", name)
		}
		seen[name] = true
		r.names = append(r.names, name)
		expr.WriteString("(?P<" + name + ">[^/]+)")
		shape.WriteString("{}")
		rest = rest[open+end+1:]
		if strings.HasPrefix(rest, "{") {
			c.Addf("value", "adjacent placeholders are ambiguous in %q", r.Value)
			break
		}
	}
	if err := c.Err(); err != nil {
		return err
	}

	expr.WriteString("$")
	re, err := regexp.Compile(expr.String())
	if err != nil {
		c.Addf("value", "compile pattern: %v", err)
		return c.Err()
	}
	r.re = re
	r.shape = shape.String()
	return nil
}

func (r *Rule) addLiteral(expr, shape *strings.Builder, lit string) {
	expr.WriteString(regexp.QuoteMeta(lit))
	shape.WriteString(lit)
	r.literals += len(lit)
}

// Match tests path against the rule and returns the placeholder captures.
// A prefix rule matches on segment boundaries: "/static" matches "/static"
// and "/static/app.js" but not "/staticfoo".
func (r *Rule) Match(path string) (map[string]string, bool) {
	switch r.Kind {
	case endpoint.RuleExact:
		return nil, path == r.Value
	case endpoint.RulePrefix:
		if strings.HasSuffix(r.Value, "/") {
			return nil, strings.HasPrefix(path, r.Value) || path == strings.TrimSuffix(r.Value, "/")
		}
		return nil, path == r.Value || strings.HasPrefix(path, r.Value+"/")
	case endpoint.RulePattern:
		m := r.re.FindStringSubmatch(path)
		if m == nil {
			return nil, false
		}
		captures := make(map[string]string, len(r.names))
		for i, name := range r.re.SubexpNames() {
			if name != "" {
				captures[name] = m[i]
			}
		}
		return captures, true
	}
	return nil, false
}

// Placeholders returns the placeholder names in declaration order.
func (r *Rule) Placeholders() []string {
	return r.names
}

// Shape is the canonical form of the rule with placeholder names erased.
// Two rules of the same kind and shape accept exactly the same paths.
func (r *Rule) Shape() string {
	return r.shape
}

func kindRank(k endpoint.RuleKind) int {
	switch k {
	case endpoint.RuleExact:
		return 3
	case endpoint.RulePattern:
		return 2
	case endpoint.RulePrefix:
		return 1
	}
	return 0
}

// CompareSpecificity orders rules from least to most specific: exact beats
// pattern beats prefix; within a kind more literal characters win, and for
// patterns fewer placeholders win.
func CompareSpecificity(a, b *Rule) int {
	if c := cmp.Compare(kindRank(a.Kind), kindRank(b.Kind)); c != 0 {
		return c
	}
	if c := cmp.Compare(a.literals, b.literals); c != 0 {
		return c
	}
	return cmp.Compare(len(b.names), len(a.names))
}
