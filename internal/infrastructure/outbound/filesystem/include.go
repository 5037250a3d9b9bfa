package filesystem

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

const includeTag = "!include"

// includeExpander replaces `!include <path>` nodes with the referenced file.
// YAML files are spliced in as nodes; anything else becomes a string scalar,
// which is how large response bodies are kept out of endpoint files.
//
// Paths are relative to the including file, or to the root when prefixed
// with "@root/". Includes may not leave the root or form a cycle.
type includeExpander struct {
	root     string
	included map[string]bool // absolute paths spliced into some file
}

func (x *includeExpander) expand(node *yaml.Node, file string) error {
	abs, err := filepath.Abs(file)
	if err != nil {
		return err
	}
	return x.walk(node, []string{abs})
}

func (x *includeExpander) walk(node *yaml.Node, chain []string) error {
	if node == nil {
		return nil
	}
	if node.Tag == includeTag {
		return x.splice(node, chain)
	}
	for _, child := range node.Content {
		if err := x.walk(child, chain); err != nil {
			return err
		}
	}
	return nil
}

func (x *includeExpander) splice(node *yaml.Node, chain []string) error {
	ref := strings.TrimSpace(node.Value)
	if ref == "" {
		return fmt.Errorf("%s needs a file path (line %d)", includeTag, node.Line)
	}

	target, err := x.resolve(ref, filepath.Dir(chain[len(chain)-1]))
	if err != nil {
		return fmt.Errorf("%s %q: %w", includeTag, ref, err)
	}
	if slices.Contains(chain, target) {
		return fmt.Errorf("%s %q: include cycle", includeTag, ref)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		return fmt.Errorf("%s %q: %w", includeTag, ref, err)
	}
	if x.included != nil {
		x.included[target] = true
	}

	switch strings.ToLower(filepath.Ext(target)) {
	case ".yaml", ".yml":
		var doc yaml.Node
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("%s %q: failed to parse YAML: %w", includeTag, ref, err)
		}
		if err := x.walk(&doc, append(chain, target)); err != nil {
			return err
		}
		if len(doc.Content) == 0 {
			*node = yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: ""}
			return nil
		}
		*node = *doc.Content[0]
	default:
		*node = yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: string(data)}
	}
	return nil
}

func (x *includeExpander) resolve(ref, dir string) (string, error) {
	var p string
	switch {
	case strings.HasPrefix(ref, "@root/"):
		p = filepath.Join(x.root, strings.TrimPrefix(ref, "@root/"))
	case filepath.IsAbs(ref):
		return "", fmt.Errorf("absolute paths are not allowed")
	default:
		p = filepath.Join(dir, ref)
	}

	real := p
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		real = resolved
	}
	root := x.root
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	if !strings.HasPrefix(real, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes root directory")
	}
	return p, nil
}
