package registry

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/sophialabs/simulacra/internal/domain/endpoint"
	"github.com/sophialabs/simulacra/internal/domain/match"
	"github.com/sophialabs/simulacra/internal/domain/validation"
)

// Compiler turns an endpoint definition into its evaluable form.
type Compiler interface {
	Compile(e *endpoint.Endpoint) (*match.CompiledEndpoint, error)
}

// Entry pairs a stored definition with its compiled form.
type Entry struct {
	Endpoint *endpoint.Endpoint
	Compiled *match.CompiledEndpoint
}

// Registry owns the set of endpoints. Readers take immutable snapshots;
// writers serialize on a mutex and publish a new snapshot.
type Registry struct {
	compiler Compiler

	mu      sync.Mutex
	nextSeq uint64
	current atomic.Pointer[Snapshot]
}

// New creates an empty registry.
func New(compiler Compiler) *Registry {
	r := &Registry{compiler: compiler}
	r.current.Store(buildSnapshot(nil, 0))
	return r
}

// Snapshot returns the current immutable view.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Get returns the entry for id.
func (r *Registry) Get(id string) (*Entry, error) {
	if e, ok := r.Snapshot().byID[id]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("%w: %s", endpoint.ErrNotFound, id)
}

// Upsert validates, compiles and stores e. An existing endpoint with the same
// ID keeps its insertion order. It returns the replaced entry, if any.
func (r *Registry) Upsert(e *endpoint.Endpoint) (*Entry, error) {
	entry, err := r.compile(e)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.current.Load()
	prev := snap.byID[e.ID]
	if prev != nil {
		entry.Compiled.Seq = prev.Compiled.Seq
	} else {
		r.nextSeq++
		entry.Compiled.Seq = r.nextSeq
	}

	if err := checkConflict(snap.entries, entry); err != nil {
		return nil, err
	}

	entries := make([]*Entry, 0, len(snap.entries)+1)
	for _, ex := range snap.entries {
		if ex.Endpoint.ID != e.ID {
			entries = append(entries, ex)
		}
	}
	entries = append(entries, entry)
	r.current.Store(buildSnapshot(entries, snap.Version+1))
	return prev, nil
}

// Restore puts a previously removed or replaced entry back unchanged,
// including its insertion order. Used to roll back failed mutations.
func (r *Registry) Restore(entry *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.current.Load()
	entries := make([]*Entry, 0, len(snap.entries)+1)
	for _, ex := range snap.entries {
		if ex.Endpoint.ID != entry.Endpoint.ID {
			entries = append(entries, ex)
		}
	}
	entries = append(entries, entry)
	r.current.Store(buildSnapshot(entries, snap.Version+1))
}

// Remove deletes the endpoint with id and returns its entry.
func (r *Registry) Remove(id string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.current.Load()
	prev, ok := snap.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", endpoint.ErrNotFound, id)
	}
	entries := make([]*Entry, 0, len(snap.entries))
	for _, ex := range snap.entries {
		if ex.Endpoint.ID != id {
			entries = append(entries, ex)
		}
	}
	r.current.Store(buildSnapshot(entries, snap.Version+1))
	return prev, nil
}

// ReplaceAll swaps the whole set. Nothing changes unless every endpoint
// compiles and no two conflict; the error lists every problem found.
// Order of defs is used as insertion order.
func (r *Registry) ReplaceAll(defs []*endpoint.Endpoint) error {
	c := validation.NewCollector("endpoints")
	entries := make([]*Entry, 0, len(defs))
	seen := make(map[string]bool, len(defs))

	for i, e := range defs {
		label := e.ID
		if label == "" {
			label = fmt.Sprintf("[%d]", i)
		}
		if seen[e.ID] {
			c.Addf(label, "duplicate endpoint id")
			continue
		}
		seen[e.ID] = true

		entry, err := r.compile(e)
		if err != nil {
			c.Merge(label, err)
			continue
		}
		entry.Compiled.Seq = uint64(i + 1)
		if err := checkConflict(entries, entry); err != nil {
			c.Merge(label, err)
			continue
		}
		entries = append(entries, entry)
	}
	if err := c.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSeq = uint64(len(defs))
	r.current.Store(buildSnapshot(entries, r.current.Load().Version+1))
	return nil
}

func (r *Registry) compile(e *endpoint.Endpoint) (*Entry, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	def := e.Clone()
	ce, err := r.compiler.Compile(def)
	if err != nil {
		return nil, err
	}
	return &Entry{Endpoint: def, Compiled: ce}, nil
}

// checkConflict rejects a second endpoint with the same method, rule kind,
// rule shape, matchers and priority, since the two could never be told apart.
func checkConflict(entries []*Entry, candidate *Entry) error {
	ce := candidate.Compiled
	for _, ex := range entries {
		o := ex.Compiled
		if o.ID == ce.ID {
			continue
		}
		if o.Method == ce.Method && o.Rule.Kind == ce.Rule.Kind &&
			o.Rule.Shape() == ce.Rule.Shape() && o.Priority == ce.Priority &&
			o.Fingerprint == ce.Fingerprint {
			c := validation.NewCollector("endpoint")
			c.Addf("path", "identical %s rule %q with the same matchers and priority %d already declared by endpoint %q",
				ce.Rule.Kind, ce.Rule.Value, ce.Priority, o.ID)
			return c.Err()
		}
	}
	return nil
}

// compareOrder sorts by specificity desc, then priority desc, then insertion
// order asc.
func compareOrder(a, b *match.CompiledEndpoint) int {
	if c := match.CompareSpecificity(b.Rule, a.Rule); c != 0 {
		return c
	}
	if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
		return c
	}
	return cmp.Compare(a.Seq, b.Seq)
}

func sortEntries(entries []*Entry) {
	slices.SortFunc(entries, func(a, b *Entry) int {
		return compareOrder(a.Compiled, b.Compiled)
	})
}
