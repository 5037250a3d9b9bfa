package runtimeconfig_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sophialabs/simulacra/internal/domain/runtimeconfig"
	"github.com/sophialabs/simulacra/internal/domain/validation"
)

func ptr[T any](v T) *T { return &v }

func TestDefault_IsValid(t *testing.T) {
	cfg := runtimeconfig.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1000, cfg.LogCapacity)
	assert.Equal(t, 404, cfg.UnmatchedStatus)
	assert.Equal(t, 100*time.Millisecond, cfg.BackoffInitial())
	assert.Equal(t, 5*time.Second, cfg.AttemptTimeout())
}

func TestStore_GetIsStable(t *testing.T) {
	s, err := runtimeconfig.NewStore(runtimeconfig.Default())
	require.NoError(t, err)
	assert.Equal(t, s.Get(), s.Get())
}

func TestStore_UpdateAppliesPatch(t *testing.T) {
	s, err := runtimeconfig.NewStore(runtimeconfig.Default())
	require.NoError(t, err)

	got, err := s.Update(runtimeconfig.Patch{
		LatencyMinMs: ptr(10),
		LatencyMaxMs: ptr(20),
		LogCapacity:  ptr(50),
	})
	require.NoError(t, err)
	assert.Equal(t, 50, got.LogCapacity)
	assert.Equal(t, got, s.Get())

	lo, hi := s.Get().LatencyRange()
	assert.Equal(t, 10*time.Millisecond, lo)
	assert.Equal(t, 20*time.Millisecond, hi)
	assert.Equal(t, 503, s.Get().FaultStatus, "unset fields keep their value")
}

func TestStore_UpdateReportsEveryViolation(t *testing.T) {
	s, err := runtimeconfig.NewStore(runtimeconfig.Default())
	require.NoError(t, err)
	before := s.Get()

	_, err = s.Update(runtimeconfig.Patch{
		LatencyMinMs:          ptr(500),
		LatencyMaxMs:          ptr(100),
		FaultProbability:      ptr(1.5),
		FaultStatus:           ptr(200),
		LogCapacity:           ptr(0),
		ActorMaxAttempts:      ptr(1000),
		ActorBackoffInitialMs: ptr(10_000),
		ActorAttemptTimeoutMs: ptr(0),
		ActorQueueCapacity:    ptr(-1),
		UnmatchedStatus:       ptr(302),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, validation.ErrInvalid))

	fields := map[string]bool{}
	for _, v := range validation.Violations(err) {
		fields[v.Field] = true
	}
	for _, f := range []string{
		"latency_max_ms", "fault_probability", "fault_status", "log_capacity",
		"actor_max_attempts", "actor_backoff_initial_ms", "actor_attempt_timeout_ms",
		"actor_queue_capacity", "unmatched_status",
	} {
		assert.True(t, fields[f], "expected violation for %s", f)
	}
	assert.Equal(t, before, s.Get(), "rejected update must not change the store")
}

func TestStore_ListenersRunAfterSwap(t *testing.T) {
	s, err := runtimeconfig.NewStore(runtimeconfig.Default())
	require.NoError(t, err)

	var calls []int
	s.OnChange(func(prev, next runtimeconfig.RuntimeConfig) {
		assert.Equal(t, next, s.Get())
		calls = append(calls, next.LogCapacity)
	})

	_, err = s.Update(runtimeconfig.Patch{LogCapacity: ptr(7)})
	require.NoError(t, err)
	_, err = s.Update(runtimeconfig.Patch{LogCapacity: ptr(-7)})
	require.Error(t, err)

	replaced := runtimeconfig.Default()
	replaced.LogCapacity = 9
	_, err = s.Replace(replaced)
	require.NoError(t, err)

	assert.Equal(t, []int{7, 9}, calls)
}

func TestNewStore_RejectsInvalidInitial(t *testing.T) {
	cfg := runtimeconfig.Default()
	cfg.LogCapacity = 0
	_, err := runtimeconfig.NewStore(cfg)
	assert.Error(t, err)
}

func TestStore_ConcurrentGetAndUpdate(t *testing.T) {
	s, err := runtimeconfig.NewStore(runtimeconfig.Default())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = s.Update(runtimeconfig.Patch{LogCapacity: ptr(i + 1)})
		}()
		go func() {
			defer wg.Done()
			cfg := s.Get()
			assert.NoError(t, cfg.Validate())
		}()
	}
	wg.Wait()
}
