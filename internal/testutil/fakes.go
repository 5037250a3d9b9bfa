package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sophialabs/simulacra/internal/domain/actor"
	"github.com/sophialabs/simulacra/internal/domain/endpoint"
	"github.com/sophialabs/simulacra/internal/domain/match"
	"github.com/sophialabs/simulacra/internal/infrastructure/ports"
)

var _ ports.Logger = (*NoopLogger)(nil)

// NoopLogger discards all log output.
type NoopLogger struct{}

func (l *NoopLogger) Info(string, ...any)  {}
func (l *NoopLogger) Warn(string, ...any)  {}
func (l *NoopLogger) Error(string, ...any) {}
func (l *NoopLogger) Debug(string, ...any) {}

var _ ports.Logger = (*RecordingLogger)(nil)

// RecordingLogger keeps every message with its level prefix ("WARN actor task failed").
type RecordingLogger struct {
	mu       sync.Mutex
	Messages []string
}

func (l *RecordingLogger) add(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Messages = append(l.Messages, level+" "+msg)
}

func (l *RecordingLogger) Info(msg string, _ ...any)  { l.add("INFO", msg) }
func (l *RecordingLogger) Warn(msg string, _ ...any)  { l.add("WARN", msg) }
func (l *RecordingLogger) Error(msg string, _ ...any) { l.add("ERROR", msg) }
func (l *RecordingLogger) Debug(msg string, _ ...any) { l.add("DEBUG", msg) }

// Lines returns a copy of the recorded messages.
func (l *RecordingLogger) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.Messages...)
}

var _ ports.Clock = (*FixedClock)(nil)

// FixedClock returns a fixed time and never sleeps.
type FixedClock struct {
	T time.Time
}

func (c *FixedClock) Now() time.Time { return c.T }
func (c *FixedClock) SleepContext(context.Context, time.Duration) error {
	return nil
}

var _ ports.Clock = (*ManualClock)(nil)

// ManualClock only moves when Advance is called. SleepContext records the
// requested duration, advances the clock by it and returns immediately.
type ManualClock struct {
	mu     sync.Mutex
	t      time.Time
	Sleeps []time.Duration
}

// NewManualClock starts a manual clock at t.
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{t: t}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *ManualClock) SleepContext(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Sleeps = append(c.Sleeps, d)
	if d > 0 {
		c.t = c.t.Add(d)
	}
	return nil
}

// Slept returns a copy of the recorded sleep durations.
func (c *ManualClock) Slept() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.Sleeps...)
}

var _ ports.RateLimiter = (*StubRateLimiter)(nil)

// StubRateLimiter returns a configurable Allow result and records Forget calls.
type StubRateLimiter struct {
	AllowAll  bool
	mu        sync.Mutex
	Forgotten []string
}

func (r *StubRateLimiter) Allow(context.Context, string, float64, int) bool {
	return r.AllowAll
}

func (r *StubRateLimiter) Forget(prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Forgotten = append(r.Forgotten, prefix)
}

var _ match.BodyRenderer = (*StubBodyRenderer)(nil)

// StubBodyRenderer returns a configurable render result.
type StubBodyRenderer struct {
	Result []byte
	Err    error
}

func (r *StubBodyRenderer) Render(match.RenderContext) ([]byte, error) {
	return r.Result, r.Err
}

var _ actor.Effector = (*RecordingEffector)(nil)

// RecordingEffector records every call and fails the first Failures of them.
type RecordingEffector struct {
	Failures int
	mu       sync.Mutex
	Calls    []actor.Call
}

func (e *RecordingEffector) Fire(_ context.Context, call actor.Call) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Calls = append(e.Calls, call)
	if len(e.Calls) <= e.Failures {
		return fmt.Errorf("scripted failure %d", len(e.Calls))
	}
	return nil
}

// Recorded returns a copy of the calls seen so far.
func (e *RecordingEffector) Recorded() []actor.Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]actor.Call(nil), e.Calls...)
}

var _ endpoint.Repository = (*MemoryRepository)(nil)

// MemoryRepository keeps endpoints in insertion order. SaveErr and DeleteErr
// are returned instead of performing the operation when set.
type MemoryRepository struct {
	mu        sync.Mutex
	Endpoints []*endpoint.Endpoint
	SaveErr   error
	DeleteErr error
	LoadErr   error
}

func (r *MemoryRepository) LoadAll(context.Context) ([]*endpoint.Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.LoadErr != nil {
		return nil, r.LoadErr
	}
	out := make([]*endpoint.Endpoint, len(r.Endpoints))
	for i, e := range r.Endpoints {
		out[i] = e.Clone()
	}
	return out, nil
}

func (r *MemoryRepository) Save(_ context.Context, e *endpoint.Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SaveErr != nil {
		return r.SaveErr
	}
	for i, ex := range r.Endpoints {
		if ex.ID == e.ID {
			r.Endpoints[i] = e.Clone()
			return nil
		}
	}
	r.Endpoints = append(r.Endpoints, e.Clone())
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, e *endpoint.Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.DeleteErr != nil {
		return r.DeleteErr
	}
	for i, ex := range r.Endpoints {
		if ex.ID == e.ID {
			r.Endpoints = append(r.Endpoints[:i], r.Endpoints[i+1:]...)
			return nil
		}
	}
	return endpoint.ErrNotFound
}

// IDs returns the stored endpoint ids in order.
func (r *MemoryRepository) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, len(r.Endpoints))
	for i, e := range r.Endpoints {
		ids[i] = e.ID
	}
	return ids
}
