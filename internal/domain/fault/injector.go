package fault

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Injector draws fault and latency decisions from a seeded PRNG. With a
// fixed non-zero seed the sequence of decisions is reproducible.
type Injector struct {
	mu   sync.Mutex
	seed int64
	rng  *rand.Rand
}

// NewInjector creates an injector. A zero seed is replaced by the current
// time.
func NewInjector(seed int64) *Injector {
	i := &Injector{}
	i.reseedLocked(seed)
	return i
}

// Reseed restarts the decision sequence when seed differs from the one in
// use. Passing the current seed is a no-op.
func (i *Injector) Reseed(seed int64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if seed != 0 && seed == i.seed {
		return
	}
	i.reseedLocked(seed)
}

func (i *Injector) reseedLocked(seed int64) {
	i.seed = seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	i.rng = rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
}

// ShouldFault reports whether a request should fail, with probability p.
func (i *Injector) ShouldFault(p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.rng.Float64() < p
}

// Between returns a uniform duration in [lo, hi]. It returns lo when the
// range is empty.
func (i *Injector) Between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return lo + time.Duration(i.rng.Int64N(int64(hi-lo)+1))
}
