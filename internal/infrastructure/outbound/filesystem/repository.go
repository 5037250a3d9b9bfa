package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/sophialabs/simulacra/internal/domain/endpoint"
)

// ConfigFileName is the runtime configuration file kept at the repository
// root. It is never read as an endpoint file.
const ConfigFileName = "runtime-config.yaml"

const tempPrefix = ".simulacra-"

var _ endpoint.Repository = (*YAMLRepository)(nil)

// YAMLRepository loads endpoints from YAML files in a directory tree. A file
// holds a single endpoint document or a sequence of them. Endpoints created
// through the admin API are written to endpoints/<id>.yaml.
type YAMLRepository struct {
	rootDir string
}

// NewYAMLRepository creates a repository rooted at rootDir.
func NewYAMLRepository(rootDir string) (*YAMLRepository, error) {
	absRoot, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root directory: %w", err)
	}
	return &YAMLRepository{rootDir: absRoot}, nil
}

// Root returns the absolute root directory.
func (r *YAMLRepository) Root() string { return r.rootDir }

// LoadAll reads every **/*.yaml and **/*.yml file under the root, in path
// order, and returns the endpoints they declare. Files pulled in by another
// file through !include are fragments, not endpoint files.
func (r *YAMLRepository) LoadAll(_ context.Context) ([]*endpoint.Endpoint, error) {
	files, err := r.endpointFiles()
	if err != nil {
		return nil, err
	}

	x := &includeExpander{root: r.rootDir, included: map[string]bool{}}
	type loaded struct {
		path      string
		endpoints []*endpoint.Endpoint
		err       error
	}
	results := make([]loaded, 0, len(files))
	for _, path := range files {
		eps, err := r.loadFile(path, x)
		results = append(results, loaded{path: path, endpoints: eps, err: err})
	}

	var endpoints []*endpoint.Endpoint
	for _, res := range results {
		if x.included[res.path] {
			continue
		}
		if res.err != nil {
			rel, _ := filepath.Rel(r.rootDir, res.path)
			return nil, fmt.Errorf("failed to load %s: %w", rel, res.err)
		}
		endpoints = append(endpoints, res.endpoints...)
	}
	return endpoints, nil
}

func (r *YAMLRepository) endpointFiles() ([]string, error) {
	if _, err := os.Stat(r.rootDir); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	matches, err := doublestar.FilepathGlob(filepath.Join(r.rootDir, "**", "*.{yaml,yml}"))
	if err != nil {
		return nil, fmt.Errorf("failed to scan endpoints directory: %w", err)
	}
	files := matches[:0]
	for _, m := range matches {
		if m == filepath.Join(r.rootDir, ConfigFileName) || strings.HasPrefix(filepath.Base(m), tempPrefix) {
			continue
		}
		files = append(files, m)
	}
	sort.Strings(files)
	return files, nil
}

func (r *YAMLRepository) loadFile(path string, x *includeExpander) ([]*endpoint.Endpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return nil, nil
	}
	if err := x.expand(&doc, path); err != nil {
		return nil, err
	}

	content := doc.Content[0]
	switch content.Kind {
	case yaml.SequenceNode:
		out := make([]*endpoint.Endpoint, 0, len(content.Content))
		for i, item := range content.Content {
			e, err := decodeEndpoint(item)
			if err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
			e.SourceFile = path
			e.SourceIndex = i
			out = append(out, e)
		}
		return out, nil
	case yaml.MappingNode:
		e, err := decodeEndpoint(content)
		if err != nil {
			return nil, err
		}
		e.SourceFile = path
		e.SourceIndex = -1
		return []*endpoint.Endpoint{e}, nil
	default:
		return nil, fmt.Errorf("expected an endpoint mapping or a sequence of them")
	}
}

func decodeEndpoint(node *yaml.Node) (*endpoint.Endpoint, error) {
	var e endpoint.Endpoint
	if err := node.Decode(&e); err != nil {
		return nil, fmt.Errorf("failed to decode endpoint: %w", err)
	}
	return &e, nil
}

// Save writes e back to the file it was loaded from. Endpoints without a
// source file go to endpoints/<id>.yaml. Inside a sequence file the entry is
// located by id.
func (r *YAMLRepository) Save(_ context.Context, e *endpoint.Endpoint) error {
	var node yaml.Node
	if err := node.Encode(e); err != nil {
		return fmt.Errorf("failed to encode endpoint %q: %w", e.ID, err)
	}

	target, inSequence, err := r.location(e)
	if err != nil {
		return err
	}
	if !inSequence {
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create endpoints directory: %w", err)
		}
		out, err := yaml.Marshal(&node)
		if err != nil {
			return fmt.Errorf("failed to marshal endpoint %q: %w", e.ID, err)
		}
		return atomicWriteFile(target, out)
	}

	return r.editSequence(target, e, func(seq *yaml.Node, i int) {
		seq.Content[i] = &node
	})
}

// Delete removes e from its file. Single-endpoint files are deleted; a
// sequence file that becomes empty is deleted too. Deleting an endpoint that
// was never persisted is not an error.
func (r *YAMLRepository) Delete(_ context.Context, e *endpoint.Endpoint) error {
	target, inSequence, err := r.location(e)
	if err != nil {
		return err
	}
	if !inSequence {
		if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to delete endpoint file: %w", err)
		}
		return nil
	}
	return r.editSequence(target, e, func(seq *yaml.Node, i int) {
		seq.Content = append(seq.Content[:i], seq.Content[i+1:]...)
	})
}

func (r *YAMLRepository) location(e *endpoint.Endpoint) (path string, inSequence bool, err error) {
	path = e.SourceFile
	if path == "" {
		path = filepath.Join(r.rootDir, "endpoints", e.ID+".yaml")
	}
	if err := r.validatePathWithinRoot(path); err != nil {
		return "", false, err
	}
	return path, e.SourceFile != "" && e.SourceIndex >= 0, nil
}

func (r *YAMLRepository) editSequence(path string, e *endpoint.Endpoint, edit func(seq *yaml.Node, i int)) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.SequenceNode {
		return fmt.Errorf("%s is not a YAML sequence", path)
	}
	seq := doc.Content[0]

	i := indexByID(seq, e.ID)
	if i < 0 {
		return fmt.Errorf("%w: %s in %s", endpoint.ErrNotFound, e.ID, path)
	}
	edit(seq, i)

	if len(seq.Content) == 0 {
		return os.Remove(path)
	}
	out, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}
	return atomicWriteFile(path, out)
}

// indexByID finds the sequence entry whose id key equals id.
func indexByID(seq *yaml.Node, id string) int {
	for i, item := range seq.Content {
		if item.Kind != yaml.MappingNode {
			continue
		}
		for k := 0; k+1 < len(item.Content); k += 2 {
			if item.Content[k].Value == "id" && item.Content[k+1].Value == id {
				return i
			}
		}
	}
	return -1
}

// validatePathWithinRoot ensures a path resolves within the root directory.
func (r *YAMLRepository) validatePathWithinRoot(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	dir := filepath.Dir(abs)
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		dir = resolved
	}
	root := r.rootDir
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	if dir != root && !strings.HasPrefix(dir, root+string(filepath.Separator)) {
		return fmt.Errorf("path traversal denied: %s is outside root %s", path, r.rootDir)
	}
	return nil
}

// atomicWriteFile writes content to a temp file then renames it to the target path.
func atomicWriteFile(target string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), tempPrefix+"*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
