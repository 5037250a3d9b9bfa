package registry

import (
	"slices"
	"strings"

	"github.com/sophialabs/simulacra/internal/domain/endpoint"
	"github.com/sophialabs/simulacra/internal/domain/match"
)

// Snapshot is an immutable view of the registry. Callers must not modify
// the returned entries.
type Snapshot struct {
	Version uint64

	entries  []*Entry // registry order
	byID     map[string]*Entry
	groups   map[string][]*match.CompiledEndpoint
	wildcard []*match.CompiledEndpoint
}

func buildSnapshot(entries []*Entry, version uint64) *Snapshot {
	sortEntries(entries)

	s := &Snapshot{
		Version: version,
		entries: entries,
		byID:    make(map[string]*Entry, len(entries)),
		groups:  make(map[string][]*match.CompiledEndpoint),
	}

	for _, e := range entries {
		s.byID[e.Endpoint.ID] = e
		if e.Compiled.Disabled {
			continue
		}
		if e.Compiled.Method == endpoint.AnyMethod {
			s.wildcard = append(s.wildcard, e.Compiled)
			continue
		}
		s.groups[e.Compiled.Method] = append(s.groups[e.Compiled.Method], e.Compiled)
	}

	if len(s.wildcard) > 0 {
		for method, group := range s.groups {
			merged := make([]*match.CompiledEndpoint, 0, len(group)+len(s.wildcard))
			merged = append(merged, group...)
			merged = append(merged, s.wildcard...)
			slices.SortStableFunc(merged, compareOrder)
			s.groups[method] = merged
		}
	}
	return s
}

// Candidates returns the enabled endpoints that may serve method, in
// evaluation order.
func (s *Snapshot) Candidates(method string) []*match.CompiledEndpoint {
	if g, ok := s.groups[strings.ToUpper(method)]; ok {
		return g
	}
	return s.wildcard
}

// Get looks up an entry by endpoint ID.
func (s *Snapshot) Get(id string) (*Entry, bool) {
	e, ok := s.byID[id]
	return e, ok
}

// All returns every entry, disabled ones included, in registry order.
func (s *Snapshot) All() []*Entry {
	return s.entries
}

// Len returns the number of registered endpoints.
func (s *Snapshot) Len() int {
	return len(s.entries)
}
