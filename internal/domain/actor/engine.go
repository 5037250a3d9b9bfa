package actor

import (
	"cmp"
	"container/heap"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/sophialabs/simulacra/internal/domain/trace"
)

// DefaultHistoryLimit bounds how many terminal tasks are kept for inspection.
const DefaultHistoryLimit = 1000

// Reasons recorded on cancelled tasks.
const (
	ReasonEvicted          = "evicted"
	ReasonEndpointRemoved  = "endpoint_removed"
	ReasonEndpointDisabled = "endpoint_disabled"
	ReasonShutdown         = "shutdown"
)

// Effector performs one attempt of a task. Returning an error wrapped with
// Permanent stops retries; any other error is retried while budget remains.
type Effector interface {
	Fire(ctx context.Context, call Call) error
}

// Recorder receives one traffic entry per firing outcome.
type Recorder interface {
	Append(e trace.Entry) trace.Entry
}

// Random draws fire delays.
type Random interface {
	Between(lo, hi time.Duration) time.Duration
}

// Logger is the subset of the application logger the engine uses.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}

// Settings are read on every scheduling and retry decision so runtime
// configuration changes apply to tasks already queued.
type Settings struct {
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	AttemptTimeout time.Duration
	QueueCapacity  int
}

// Config wires an Engine.
type Config struct {
	Effector     Effector
	Recorder     Recorder
	Random       Random
	Logger       Logger
	Settings     func() Settings
	HistoryLimit int
	Now          func() time.Time
	NewID        func() string
}

// Engine runs scheduled tasks on its own goroutine. Each firing runs in a
// separate goroutine bounded by the attempt timeout.
type Engine struct {
	effector Effector
	recorder Recorder
	random   Random
	logger   Logger
	settings func() Settings
	now      func() time.Time
	newID    func() string
	limit    int

	mu       sync.Mutex
	queue    taskQueue
	tasks    map[string]*Task
	retired  []string
	seq      uint64
	running  bool
	inflight sync.WaitGroup

	wake chan struct{}
}

// NewEngine creates an engine. Run must be called to start firing tasks.
func NewEngine(cfg Config) *Engine {
	e := &Engine{
		effector: cfg.Effector,
		recorder: cfg.Recorder,
		random:   cfg.Random,
		logger:   cfg.Logger,
		settings: cfg.Settings,
		now:      cfg.Now,
		newID:    cfg.NewID,
		limit:    cfg.HistoryLimit,
		tasks:    make(map[string]*Task),
		wake:     make(chan struct{}, 1),
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if e.limit <= 0 {
		e.limit = DefaultHistoryLimit
	}
	if e.logger == nil {
		e.logger = nopLogger{}
	}
	return e
}

// Schedule queues a new task. When the queue is full the oldest pending task
// is evicted to make room.
func (e *Engine) Schedule(req Request) (Task, error) {
	if req.Target == "" {
		return Task{}, errors.New("schedule: target is required")
	}
	s := e.settings()
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.MaxAttempts
	}
	delay := req.DelayMin
	if e.random != nil {
		delay = e.random.Between(req.DelayMin, req.DelayMax)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	t := &Task{
		ID:          e.newID(),
		EndpointID:  req.EndpointID,
		Target:      req.Target,
		Method:      req.Method,
		Headers:     req.Headers,
		Body:        string(req.Body),
		MaxAttempts: maxAttempts,
		FireAt:      now.Add(delay),
		CreatedAt:   now,
		index:       -1,
	}
	t.transition(StateScheduled, now, "")
	e.tasks[t.ID] = t
	e.enqueueLocked(t, s.QueueCapacity)

	e.logger.Debug("actor task scheduled", "task", t.ID, "endpoint", t.EndpointID, "fire_at", t.FireAt)
	return t.snapshot(), nil
}

func (e *Engine) enqueueLocked(t *Task, capacity int) {
	if capacity > 0 {
		for e.queue.Len() >= capacity {
			victim := e.queue.oldest()
			heap.Remove(&e.queue, victim.index)
			e.cancelLocked(victim, ReasonEvicted)
		}
	}
	e.seq++
	t.seq = e.seq
	heap.Push(&e.queue, t)
	e.signal()
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run fires due tasks until ctx is cancelled, then waits for in-flight
// attempts and cancels everything still queued.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("actor engine already running")
	}
	e.running = true
	e.mu.Unlock()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait := e.dispatchDue(ctx)
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			e.inflight.Wait()
			e.drain()
			return nil
		case <-e.wake:
		case <-timer.C:
		}
	}
}

// dispatchDue starts every task whose fire time has passed and returns how
// long to sleep until the next one.
func (e *Engine) dispatchDue(ctx context.Context) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	for e.queue.Len() > 0 && !e.queue[0].FireAt.After(now) {
		t := heap.Pop(&e.queue).(*Task)
		e.startLocked(ctx, t, now)
	}
	if e.queue.Len() == 0 {
		return time.Hour
	}
	return max(e.queue[0].FireAt.Sub(now), 0)
}

func (e *Engine) startLocked(ctx context.Context, t *Task, now time.Time) {
	t.Attempt++
	t.transition(StateFiring, now, "")
	call := Call{
		TaskID:     t.ID,
		EndpointID: t.EndpointID,
		Attempt:    t.Attempt,
		Target:     t.Target,
		Method:     t.Method,
		Headers:    t.Headers,
		Body:       []byte(t.Body),
	}
	timeout := e.settings().AttemptTimeout

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		started := e.now()
		err := e.attempt(ctx, call, timeout)
		e.finish(ctx, t.ID, call.Attempt, err, e.now().Sub(started))
	}()
}

func (e *Engine) attempt(ctx context.Context, call Call, timeout time.Duration) error {
	if timeout <= 0 {
		return e.effector.Fire(ctx, call)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := e.effector.Fire(actx, call)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("attempt timed out after %s: %w", timeout, err)
	}
	return err
}

func (e *Engine) finish(ctx context.Context, id string, attempt int, err error, took time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[id]
	if !ok || t.State != StateFiring || t.Attempt != attempt {
		return
	}
	now := e.now()
	ms := float64(took) / float64(time.Millisecond)

	if err == nil {
		t.LastError = ""
		t.transition(StateCompleted, now, "")
		e.record(t, trace.OutcomeActorCompleted, "", ms, nil)
		e.retireLocked(t)
		e.logger.Info("actor task completed", "task", t.ID, "endpoint", t.EndpointID, "attempt", t.Attempt)
		return
	}

	t.LastError = err.Error()
	if ctx.Err() != nil {
		t.transition(StateCancelled, now, t.LastError)
		t.Reason = ReasonShutdown
		e.record(t, trace.OutcomeActorCancelled, ReasonShutdown, ms, nil)
		e.retireLocked(t)
		return
	}

	t.transition(StateFailed, now, t.LastError)
	if IsPermanent(err) || t.Attempt >= t.MaxAttempts {
		reason := "retry budget exhausted"
		if IsPermanent(err) {
			reason = "permanent failure"
		}
		t.Reason = reason
		e.record(t, trace.OutcomeActorFailed, reason, ms, nil)
		e.retireLocked(t)
		e.logger.Warn("actor task failed", "task", t.ID, "endpoint", t.EndpointID,
			"attempts", t.Attempt, "reason", reason, "error", t.LastError)
		return
	}

	if t.revoked != "" {
		e.cancelLocked(t, t.revoked)
		return
	}

	s := e.settings()
	t.FireAt = now.Add(backoffDelay(s.BackoffInitial, s.BackoffMax, t.Attempt))
	t.transition(StateScheduled, now, "")
	next := t.FireAt
	e.record(t, trace.OutcomeActorRetrying, "", ms, &next)
	e.enqueueLocked(t, s.QueueCapacity)
	e.logger.Debug("actor task retrying", "task", t.ID, "attempt", t.Attempt, "next_fire_at", next, "error", t.LastError)
}

// backoffDelay returns the wait before retry number failures (1-based):
// initial doubled per failure, capped at limit.
func backoffDelay(initial, limit time.Duration, failures int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         limit,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	d := initial
	for range failures {
		d = b.NextBackOff()
	}
	return d
}

func (e *Engine) cancelLocked(t *Task, reason string) {
	now := e.now()
	t.Reason = reason
	t.transition(StateCancelled, now, "")
	e.record(t, trace.OutcomeActorCancelled, reason, 0, nil)
	e.retireLocked(t)
	e.logger.Info("actor task cancelled", "task", t.ID, "endpoint", t.EndpointID, "reason", reason)
}

// CancelEndpoint cancels every not-yet-fired task of the endpoint and
// returns how many were cancelled. A task already firing finishes its
// attempt; if that attempt fails it is cancelled instead of retried.
func (e *Engine) CancelEndpoint(endpointID, reason string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	var victims []*Task
	for _, t := range e.tasks {
		if t.EndpointID != endpointID {
			continue
		}
		switch t.State {
		case StateScheduled:
			victims = append(victims, t)
		case StateFiring:
			t.revoked = reason
		}
	}
	slices.SortFunc(victims, func(a, b *Task) int { return cmp.Compare(a.seq, b.seq) })
	for _, t := range victims {
		heap.Remove(&e.queue, t.index)
		e.cancelLocked(t, reason)
	}
	return len(victims)
}

func (e *Engine) drain() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.queue.Len() > 0 {
		t := heap.Pop(&e.queue).(*Task)
		e.cancelLocked(t, ReasonShutdown)
	}
	e.running = false
}

func (e *Engine) retireLocked(t *Task) {
	e.retired = append(e.retired, t.ID)
	for len(e.retired) > e.limit {
		delete(e.tasks, e.retired[0])
		e.retired = e.retired[1:]
	}
}

func (e *Engine) record(t *Task, kind trace.OutcomeKind, reason string, ms float64, next *time.Time) {
	if e.recorder == nil {
		return
	}
	e.recorder.Append(trace.Entry{
		Timestamp:  e.now(),
		Kind:       trace.KindActor,
		Outcome:    trace.Outcome{Kind: kind, EndpointID: t.EndpointID, Reason: reason},
		DurationMs: ms,
		Actor: &trace.ActorEvent{
			TaskID:      t.ID,
			Attempt:     t.Attempt,
			MaxAttempts: t.MaxAttempts,
			State:       string(t.State),
			Error:       t.LastError,
			Target:      t.Target,
			NextFireAt:  next,
		},
	})
}

// Filter selects tasks in List. Zero values match everything.
type Filter struct {
	State      State
	EndpointID string
}

// List returns copies of the known tasks, newest first.
func (e *Engine) List(f Filter) []Task {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		if f.State != "" && t.State != f.State {
			continue
		}
		if f.EndpointID != "" && t.EndpointID != f.EndpointID {
			continue
		}
		out = append(out, t.snapshot())
	}
	slices.SortFunc(out, func(a, b Task) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.seq, a.seq)
	})
	return out
}

// Get returns a copy of one task.
func (e *Engine) Get(id string) (Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t.snapshot(), nil
}

// Pending returns the number of queued tasks.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Len()
}
