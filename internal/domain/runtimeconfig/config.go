package runtimeconfig

import (
	"time"

	"github.com/sophialabs/simulacra/internal/domain/validation"
)

// Bounds shared by validation and documentation.
const (
	MaxLatencyMs        = 60_000
	MaxLogCapacity      = 1_000_000
	MaxActorAttempts    = 100
	MaxBackoffMs        = 3_600_000
	MaxAttemptTimeoutMs = 600_000
	MaxQueueCapacity    = 1_000_000
)

// RuntimeConfig holds the settings that may change while serving.
// Values are copied; a RuntimeConfig obtained from a Store never changes.
type RuntimeConfig struct {
	LatencyMinMs          int     `json:"latency_min_ms" yaml:"latency_min_ms"`
	LatencyMaxMs          int     `json:"latency_max_ms" yaml:"latency_max_ms"`
	FaultProbability      float64 `json:"fault_probability" yaml:"fault_probability"`
	FaultStatus           int     `json:"fault_status" yaml:"fault_status"`
	FaultSeed             int64   `json:"fault_seed" yaml:"fault_seed"`
	LogCapacity           int     `json:"log_capacity" yaml:"log_capacity"`
	ActorMaxAttempts      int     `json:"actor_max_attempts" yaml:"actor_max_attempts"`
	ActorBackoffInitialMs int     `json:"actor_backoff_initial_ms" yaml:"actor_backoff_initial_ms"`
	ActorBackoffMaxMs     int     `json:"actor_backoff_max_ms" yaml:"actor_backoff_max_ms"`
	ActorAttemptTimeoutMs int     `json:"actor_attempt_timeout_ms" yaml:"actor_attempt_timeout_ms"`
	ActorQueueCapacity    int     `json:"actor_queue_capacity" yaml:"actor_queue_capacity"`
	UnmatchedStatus       int     `json:"unmatched_status" yaml:"unmatched_status"`
}

// Default returns the documented defaults.
func Default() RuntimeConfig {
	return RuntimeConfig{
		FaultStatus:           503,
		LogCapacity:           1000,
		ActorMaxAttempts:      3,
		ActorBackoffInitialMs: 100,
		ActorBackoffMaxMs:     5000,
		ActorAttemptTimeoutMs: 5000,
		ActorQueueCapacity:    10_000,
		UnmatchedStatus:       404,
	}
}

// Validate reports every option outside its bounds.
func (c RuntimeConfig) Validate() error {
	v := validation.NewCollector("runtime config")

	if c.LatencyMinMs < 0 || c.LatencyMinMs > MaxLatencyMs {
		v.Addf("latency_min_ms", "must be within [0, %d]", MaxLatencyMs)
	}
	if c.LatencyMaxMs < c.LatencyMinMs || c.LatencyMaxMs > MaxLatencyMs {
		v.Addf("latency_max_ms", "must be within [latency_min_ms, %d]", MaxLatencyMs)
	}
	if c.FaultProbability < 0 || c.FaultProbability > 1 {
		v.Addf("fault_probability", "must be within [0, 1]")
	}
	if c.FaultStatus < 400 || c.FaultStatus > 599 {
		v.Addf("fault_status", "must be within [400, 599]")
	}
	if c.LogCapacity < 1 || c.LogCapacity > MaxLogCapacity {
		v.Addf("log_capacity", "must be within [1, %d]", MaxLogCapacity)
	}
	if c.ActorMaxAttempts < 1 || c.ActorMaxAttempts > MaxActorAttempts {
		v.Addf("actor_max_attempts", "must be within [1, %d]", MaxActorAttempts)
	}
	if c.ActorBackoffMaxMs < 1 || c.ActorBackoffMaxMs > MaxBackoffMs {
		v.Addf("actor_backoff_max_ms", "must be within [1, %d]", MaxBackoffMs)
	}
	if c.ActorBackoffInitialMs < 1 || c.ActorBackoffInitialMs > c.ActorBackoffMaxMs {
		v.Addf("actor_backoff_initial_ms", "must be within [1, actor_backoff_max_ms]")
	}
	if c.ActorAttemptTimeoutMs < 1 || c.ActorAttemptTimeoutMs > MaxAttemptTimeoutMs {
		v.Addf("actor_attempt_timeout_ms", "must be within [1, %d]", MaxAttemptTimeoutMs)
	}
	if c.ActorQueueCapacity < 1 || c.ActorQueueCapacity > MaxQueueCapacity {
		v.Addf("actor_queue_capacity", "must be within [1, %d]", MaxQueueCapacity)
	}
	if c.UnmatchedStatus < 400 || c.UnmatchedStatus > 599 {
		v.Addf("unmatched_status", "must be within [400, 599]")
	}

	return v.Err()
}

// LatencyRange returns the injected latency bounds.
func (c RuntimeConfig) LatencyRange() (time.Duration, time.Duration) {
	return ms(c.LatencyMinMs), ms(c.LatencyMaxMs)
}

// BackoffInitial is the delay before the first retry.
func (c RuntimeConfig) BackoffInitial() time.Duration { return ms(c.ActorBackoffInitialMs) }

// BackoffMax caps the retry delay.
func (c RuntimeConfig) BackoffMax() time.Duration { return ms(c.ActorBackoffMaxMs) }

// AttemptTimeout bounds a single actor firing.
func (c RuntimeConfig) AttemptTimeout() time.Duration { return ms(c.ActorAttemptTimeoutMs) }

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	LatencyMinMs          *int     `json:"latency_min_ms,omitempty" yaml:"latency_min_ms,omitempty"`
	LatencyMaxMs          *int     `json:"latency_max_ms,omitempty" yaml:"latency_max_ms,omitempty"`
	FaultProbability      *float64 `json:"fault_probability,omitempty" yaml:"fault_probability,omitempty"`
	FaultStatus           *int     `json:"fault_status,omitempty" yaml:"fault_status,omitempty"`
	FaultSeed             *int64   `json:"fault_seed,omitempty" yaml:"fault_seed,omitempty"`
	LogCapacity           *int     `json:"log_capacity,omitempty" yaml:"log_capacity,omitempty"`
	ActorMaxAttempts      *int     `json:"actor_max_attempts,omitempty" yaml:"actor_max_attempts,omitempty"`
	ActorBackoffInitialMs *int     `json:"actor_backoff_initial_ms,omitempty" yaml:"actor_backoff_initial_ms,omitempty"`
	ActorBackoffMaxMs     *int     `json:"actor_backoff_max_ms,omitempty" yaml:"actor_backoff_max_ms,omitempty"`
	ActorAttemptTimeoutMs *int     `json:"actor_attempt_timeout_ms,omitempty" yaml:"actor_attempt_timeout_ms,omitempty"`
	ActorQueueCapacity    *int     `json:"actor_queue_capacity,omitempty" yaml:"actor_queue_capacity,omitempty"`
	UnmatchedStatus       *int     `json:"unmatched_status,omitempty" yaml:"unmatched_status,omitempty"`
}

// Apply returns c with the patch's set fields overwritten.
func (p Patch) Apply(c RuntimeConfig) RuntimeConfig {
	set(&c.LatencyMinMs, p.LatencyMinMs)
	set(&c.LatencyMaxMs, p.LatencyMaxMs)
	set(&c.FaultProbability, p.FaultProbability)
	set(&c.FaultStatus, p.FaultStatus)
	set(&c.FaultSeed, p.FaultSeed)
	set(&c.LogCapacity, p.LogCapacity)
	set(&c.ActorMaxAttempts, p.ActorMaxAttempts)
	set(&c.ActorBackoffInitialMs, p.ActorBackoffInitialMs)
	set(&c.ActorBackoffMaxMs, p.ActorBackoffMaxMs)
	set(&c.ActorAttemptTimeoutMs, p.ActorAttemptTimeoutMs)
	set(&c.ActorQueueCapacity, p.ActorQueueCapacity)
	set(&c.UnmatchedStatus, p.UnmatchedStatus)
	return c
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
