package usecases_test

import (
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/sophialabs/simulacra/internal/domain/actor"
	"github.com/sophialabs/simulacra/internal/domain/endpoint"
	"github.com/sophialabs/simulacra/internal/domain/match"
	"github.com/sophialabs/simulacra/internal/domain/registry"
	"github.com/sophialabs/simulacra/internal/infrastructure/outbound/template"
	"github.com/sophialabs/simulacra/internal/infrastructure/services"
	"github.com/sophialabs/simulacra/internal/testutil"
)

// brokenTag marks endpoints whose response renderer always fails.
const brokenTag = "broken-renderer"

type testCompiler struct {
	inner *services.Compiler
}

func (c testCompiler) Compile(e *endpoint.Endpoint) (*match.CompiledEndpoint, error) {
	ce, err := c.inner.Compile(e)
	if err != nil {
		return nil, err
	}
	if slices.Contains(e.Tags, brokenTag) {
		ce.Response.Renderer = &testutil.StubBodyRenderer{Err: errRender}
	}
	return ce, nil
}

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	templates, err := template.NewRegistry("")
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	c, err := services.NewCompiler(t.TempDir(), templates)
	if err != nil {
		t.Fatalf("NewCompiler failed: %v", err)
	}
	return registry.New(testCompiler{inner: c})
}

type recordingScheduler struct {
	mu       sync.Mutex
	requests []actor.Request
}

func (s *recordingScheduler) Schedule(req actor.Request) (actor.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return actor.Task{ID: "task", EndpointID: req.EndpointID, FireAt: time.Now().Add(req.DelayMin)}, nil
}

func (s *recordingScheduler) Requests() []actor.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

type cancelRecorder struct {
	mu        sync.Mutex
	cancelled map[string]string
}

func (c *cancelRecorder) CancelEndpoint(id, reason string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled == nil {
		c.cancelled = make(map[string]string)
	}
	c.cancelled[id] = reason
	return 1
}

func (c *cancelRecorder) reason(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled[id]
}
