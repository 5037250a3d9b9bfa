package stats

import (
	"encoding/json"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/sophialabs/simulacra/internal/domain/match"
	"github.com/sophialabs/simulacra/internal/domain/trace"
)

// BucketBoundsMs are the upper bounds of the latency histogram buckets.
// A final +Inf bucket catches everything above the last bound.
var BucketBoundsMs = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// Histogram is a fixed-bucket latency histogram. Counts are per bucket,
// not cumulative.
type Histogram struct {
	Counts []uint64
	Count  uint64
	SumMs  float64
}

func newHistogram() Histogram {
	return Histogram{Counts: make([]uint64, len(BucketBoundsMs)+1)}
}

func (h *Histogram) observe(ms float64) {
	i := 0
	for i < len(BucketBoundsMs) && ms > BucketBoundsMs[i] {
		i++
	}
	h.Counts[i]++
	h.Count++
	h.SumMs += ms
}

func (h Histogram) clone() Histogram {
	h.Counts = append([]uint64(nil), h.Counts...)
	return h
}

// Bucket is one histogram bucket in exported form.
type Bucket struct {
	Le    string `json:"le"`
	Count uint64 `json:"count"`
}

// Buckets returns the histogram with labelled bounds.
func (h Histogram) Buckets() []Bucket {
	out := make([]Bucket, len(h.Counts))
	for i, c := range h.Counts {
		le := "+Inf"
		if i < len(BucketBoundsMs) {
			le = strconv.FormatFloat(BucketBoundsMs[i], 'f', -1, 64)
		}
		out[i] = Bucket{Le: le, Count: c}
	}
	return out
}

func (h Histogram) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Count   uint64   `json:"count"`
		SumMs   float64  `json:"sum_ms"`
		MeanMs  float64  `json:"mean_ms"`
		Buckets []Bucket `json:"buckets"`
	}{h.Count, h.SumMs, h.MeanMs(), h.Buckets()})
}

// MeanMs returns the average observed latency.
func (h Histogram) MeanMs() float64 {
	if h.Count == 0 {
		return 0
	}
	return h.SumMs / float64(h.Count)
}

// Totals counts entries across all endpoints.
type Totals struct {
	Entries        uint64 `json:"entries"`
	Requests       uint64 `json:"requests"`
	Matched        uint64 `json:"matched"`
	Unmatched      uint64 `json:"unmatched"`
	RateLimited    uint64 `json:"rate_limited"`
	Faults         uint64 `json:"faults"`
	Errors         uint64 `json:"errors"`
	ActorCompleted uint64 `json:"actor_completed"`
	ActorRetried   uint64 `json:"actor_retried"`
	ActorFailed    uint64 `json:"actor_failed"`
	ActorCancelled uint64 `json:"actor_cancelled"`
}

// EndpointStats holds counters for one endpoint. Unmatched counts requests
// whose path matched this endpoint but whose other matchers failed.
type EndpointStats struct {
	EndpointID     string         `json:"endpoint_id"`
	Matched        uint64         `json:"matched"`
	Unmatched      uint64         `json:"unmatched"`
	RateLimited    uint64         `json:"rate_limited"`
	Faults         uint64         `json:"faults"`
	Errors         uint64         `json:"errors"`
	ActorCompleted uint64         `json:"actor_completed"`
	ActorRetried   uint64         `json:"actor_retried"`
	ActorFailed    uint64         `json:"actor_failed"`
	ActorCancelled uint64         `json:"actor_cancelled"`
	Statuses       map[int]uint64 `json:"statuses"`
	Latency        Histogram      `json:"latency"`
	LastSeen       time.Time      `json:"last_seen"`
}

// Snapshot is a point-in-time copy of the aggregated statistics.
type Snapshot struct {
	Since     time.Time                 `json:"since"`
	LastSeq   uint64                    `json:"last_seq"`
	Totals    Totals                    `json:"totals"`
	Statuses  map[int]uint64            `json:"statuses"`
	Reasons   map[string]uint64         `json:"unmatched_reasons"`
	Latency   Histogram                 `json:"latency"`
	Endpoints map[string]*EndpointStats `json:"endpoints"`
}

// Aggregator derives statistics from traffic entries. It implements
// trace.Sink and is updated synchronously on every append.
type Aggregator struct {
	mu  sync.Mutex
	now func() time.Time
	s   Snapshot
}

var _ trace.Sink = (*Aggregator)(nil)

// NewAggregator creates an empty aggregator. now defaults to time.Now.
func NewAggregator(now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	a := &Aggregator{now: now}
	a.s = a.empty()
	return a
}

func (a *Aggregator) empty() Snapshot {
	return Snapshot{
		Since:     a.now(),
		Statuses:  make(map[int]uint64),
		Reasons:   make(map[string]uint64),
		Latency:   newHistogram(),
		Endpoints: make(map[string]*EndpointStats),
	}
}

// Observe folds one entry into the counters.
func (a *Aggregator) Observe(e trace.Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observeLocked(e)
}

func (a *Aggregator) observeLocked(e trace.Entry) {
	s := &a.s
	s.Totals.Entries++
	s.LastSeq = max(s.LastSeq, e.Seq)

	switch e.Kind {
	case trace.KindActor:
		a.observeActor(e)
		return
	case trace.KindRequest:
	default:
		return
	}

	s.Totals.Requests++
	status := e.Status()
	if status != 0 {
		s.Statuses[status]++
	}
	s.Latency.observe(e.DurationMs)

	if e.Outcome.Kind == trace.OutcomeUnmatched {
		s.Totals.Unmatched++
		s.Reasons[e.Outcome.Reason]++
		if e.Outcome.Reason == string(match.ReasonMatcherMismatch) {
			for _, c := range e.Candidates {
				if c.PathMatched {
					a.endpoint(c.EndpointID, e.Timestamp).Unmatched++
				}
			}
		}
		return
	}

	if e.Outcome.EndpointID == "" {
		// Rejected before matching.
		if e.Outcome.Kind == trace.OutcomeError {
			s.Totals.Errors++
		}
		return
	}

	ep := a.endpoint(e.Outcome.EndpointID, e.Timestamp)
	if status != 0 {
		ep.Statuses[status]++
	}
	ep.Latency.observe(e.DurationMs)

	switch e.Outcome.Kind {
	case trace.OutcomeMatched:
		s.Totals.Matched++
		ep.Matched++
	case trace.OutcomeRateLimited:
		s.Totals.RateLimited++
		ep.RateLimited++
	case trace.OutcomeFault:
		s.Totals.Faults++
		ep.Faults++
	case trace.OutcomeError:
		s.Totals.Errors++
		ep.Errors++
	}
}

func (a *Aggregator) observeActor(e trace.Entry) {
	s := &a.s
	ep := a.endpoint(e.Outcome.EndpointID, e.Timestamp)
	switch e.Outcome.Kind {
	case trace.OutcomeActorCompleted:
		s.Totals.ActorCompleted++
		ep.ActorCompleted++
	case trace.OutcomeActorRetrying:
		s.Totals.ActorRetried++
		ep.ActorRetried++
	case trace.OutcomeActorFailed:
		s.Totals.ActorFailed++
		ep.ActorFailed++
	case trace.OutcomeActorCancelled:
		s.Totals.ActorCancelled++
		ep.ActorCancelled++
	}
}

func (a *Aggregator) endpoint(id string, seen time.Time) *EndpointStats {
	ep, ok := a.s.Endpoints[id]
	if !ok {
		ep = &EndpointStats{
			EndpointID: id,
			Statuses:   make(map[int]uint64),
			Latency:    newHistogram(),
		}
		a.s.Endpoints[id] = ep
	}
	if seen.After(ep.LastSeen) {
		ep.LastSeen = seen
	}
	return ep
}

// Snapshot returns a deep copy of the current statistics.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := a.s
	out.Statuses = maps.Clone(a.s.Statuses)
	out.Reasons = maps.Clone(a.s.Reasons)
	out.Latency = a.s.Latency.clone()
	out.Endpoints = make(map[string]*EndpointStats, len(a.s.Endpoints))
	for id, ep := range a.s.Endpoints {
		c := *ep
		c.Statuses = maps.Clone(ep.Statuses)
		c.Latency = ep.Latency.clone()
		out.Endpoints[id] = &c
	}
	return out
}

// Reset zeroes every counter. The traffic log is not touched.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.s = a.empty()
}

// Rebuild recomputes the statistics from entries, typically a log snapshot.
func (a *Aggregator) Rebuild(entries []trace.Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.s = a.empty()
	for _, e := range entries {
		a.observeLocked(e)
	}
}
