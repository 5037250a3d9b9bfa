package actor

import (
	"errors"
	"maps"
	"slices"
	"time"
)

// ErrTaskNotFound indicates an unknown or already forgotten task.
var ErrTaskNotFound = errors.New("actor task not found")

// State is a task lifecycle state.
type State string

const (
	StateScheduled State = "scheduled"
	StateFiring    State = "firing"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions can happen from s. A task
// with retry budget left moves from failed straight back to scheduled, so a
// task observed as failed is terminal.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Request describes an effect to schedule. MaxAttempts of 0 uses the
// engine default.
type Request struct {
	EndpointID  string
	Target      string
	Method      string
	Headers     map[string]string
	Body        []byte
	DelayMin    time.Duration
	DelayMax    time.Duration
	MaxAttempts int
}

// Transition is one entry in a task's state history.
type Transition struct {
	State   State     `json:"state"`
	At      time.Time `json:"at"`
	Attempt int       `json:"attempt"`
	Error   string    `json:"error,omitempty"`
}

// Task is a scheduled side effect. Tasks returned by the engine are copies.
type Task struct {
	ID          string            `json:"id"`
	EndpointID  string            `json:"endpoint_id"`
	Target      string            `json:"target"`
	Method      string            `json:"method"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        string            `json:"body,omitempty"`
	State       State             `json:"state"`
	Attempt     int               `json:"attempt"`
	MaxAttempts int               `json:"max_attempts"`
	FireAt      time.Time         `json:"fire_at"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	LastError   string            `json:"last_error,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	History     []Transition      `json:"history"`

	seq     uint64
	index   int    // position in the queue, -1 when not queued
	revoked string // cancel reason recorded while the task was firing
}

func (t *Task) transition(s State, at time.Time, errMsg string) {
	t.State = s
	t.UpdatedAt = at
	t.History = append(t.History, Transition{State: s, At: at, Attempt: t.Attempt, Error: errMsg})
}

func (t *Task) snapshot() Task {
	c := *t
	c.Headers = maps.Clone(t.Headers)
	c.History = slices.Clone(t.History)
	return c
}

// Call is what an Effector receives for one attempt.
type Call struct {
	TaskID     string
	EndpointID string
	Attempt    int
	Target     string
	Method     string
	Headers    map[string]string
	Body       []byte
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
