package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sophialabs/simulacra/internal/infrastructure/ports"
)

var _ ports.RateLimiter = (*BucketStore)(nil)

// Key builds the limiter key for an endpoint. discriminator is empty for
// endpoint-wide limits, or the client IP / header value being limited.
func Key(endpointID, discriminator string) string {
	return endpointID + "\x00" + discriminator
}

type bucket struct {
	limiter  *rate.Limiter
	rate     float64
	burst    int
	lastUsed time.Time
}

// BucketStore keeps one token bucket per key and drops buckets that have
// been idle longer than the TTL.
type BucketStore struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	ttl      time.Duration
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// NewBucketStore creates a store and starts its eviction goroutine.
// Call Stop to terminate it.
func NewBucketStore(ttl time.Duration, clock ports.Clock) *BucketStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	s := &BucketStore{
		buckets: make(map[string]*bucket),
		ttl:     ttl,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	if clock != nil {
		s.now = clock.Now
	}
	go s.evictLoop()
	return s
}

// Stop terminates the background eviction goroutine. Safe to call twice.
func (s *BucketStore) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *BucketStore) evictLoop() {
	ticker := time.NewTicker(s.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Evict()
		case <-s.stop:
			return
		}
	}
}

// Allow takes a token from the bucket for key. A bucket whose rate or burst
// changed since it was created is retuned in place.
func (s *BucketStore) Allow(_ context.Context, key string, r float64, burst int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	b, ok := s.buckets[key]
	switch {
	case !ok:
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(r), burst), rate: r, burst: burst}
		s.buckets[key] = b
	case b.rate != r || b.burst != burst:
		b.limiter.SetLimitAt(now, rate.Limit(r))
		b.limiter.SetBurstAt(now, burst)
		b.rate, b.burst = r, burst
	}
	b.lastUsed = now
	return b.limiter.AllowN(now, 1)
}

// Forget drops every bucket whose key starts with prefix.
func (s *BucketStore) Forget(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.buckets {
		if strings.HasPrefix(key, prefix) {
			delete(s.buckets, key)
		}
	}
}

// Evict removes buckets idle for longer than the TTL and returns how many
// were dropped.
func (s *BucketStore) Evict() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.ttl)
	n := 0
	for key, b := range s.buckets {
		if b.lastUsed.Before(cutoff) {
			delete(s.buckets, key)
			n++
		}
	}
	return n
}

// Len returns the number of live buckets.
func (s *BucketStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}
