package trace

import (
	"strings"
	"sync"
	"time"
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 1000

// Sink observes every appended entry. Sinks run inside the append critical
// section and must not call back into the Log.
type Sink interface {
	Observe(e Entry)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Entry)

func (f SinkFunc) Observe(e Entry) { f(e) }

// Log is a concurrent-safe bounded ring of traffic entries. Each append
// receives the next sequence number; the oldest entry is evicted on overflow.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	head    int // index of the oldest entry
	count   int
	lastSeq uint64
	evicted uint64
	sinks   []Sink
	subs    map[int]*subscriber
	nextSub int
}

type subscriber struct {
	ch      chan Entry
	dropped uint64
}

// NewLog creates a log holding up to capacity entries.
func NewLog(capacity int, sinks ...Sink) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		entries: make([]Entry, capacity),
		sinks:   sinks,
		subs:    make(map[int]*subscriber),
	}
}

// AddSink registers a synchronous observer.
func (l *Log) AddSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, s)
}

// Append assigns the next sequence number to e, stores it, notifies sinks and
// subscribers, and returns the stored entry.
func (l *Log) Append(e Entry) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastSeq++
	e.Seq = l.lastSeq
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	size := len(l.entries)
	if l.count == size {
		l.entries[l.head] = e
		l.head = (l.head + 1) % size
		l.evicted++
	} else {
		l.entries[(l.head+l.count)%size] = e
		l.count++
	}

	for _, s := range l.sinks {
		s.Observe(e)
	}
	for _, sub := range l.subs {
		select {
		case sub.ch <- e:
		default:
			sub.dropped++
		}
	}
	return e
}

// Filter restricts a query. Zero values match everything.
type Filter struct {
	Kind       Kind
	Outcomes   []OutcomeKind
	EndpointID string
	Method     string
	PathPrefix string
	Search     string // substring of the path or endpoint id
	Status     int
	AfterSeq   uint64
	Since      time.Time
	Until      time.Time
}

// Match reports whether e satisfies the filter.
func (f Filter) Match(e Entry) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if len(f.Outcomes) > 0 && !containsOutcome(f.Outcomes, e.Outcome.Kind) {
		return false
	}
	if f.EndpointID != "" && e.Outcome.EndpointID != f.EndpointID {
		return false
	}
	if f.AfterSeq > 0 && e.Seq <= f.AfterSeq {
		return false
	}
	if f.Status != 0 && e.Status() != f.Status {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if f.Method != "" || f.PathPrefix != "" {
		if e.Request == nil {
			return false
		}
		if f.Method != "" && !strings.EqualFold(e.Request.Method, f.Method) {
			return false
		}
		if f.PathPrefix != "" && !strings.HasPrefix(e.Request.Path, f.PathPrefix) {
			return false
		}
	}
	if f.Search != "" {
		path := ""
		if e.Request != nil {
			path = e.Request.Path
		}
		if !strings.Contains(path, f.Search) && !strings.Contains(e.Outcome.EndpointID, f.Search) {
			return false
		}
	}
	return true
}

func containsOutcome(list []OutcomeKind, k OutcomeKind) bool {
	for _, o := range list {
		if o == k {
			return true
		}
	}
	return false
}

// Page selects a window of the filtered results. With Tail set, Offset counts
// back from the newest entry; results are always in sequence order.
type Page struct {
	Offset int
	Limit  int // <= 0 means no limit
	Tail   bool
}

// QueryResult is a point-in-time page of the log.
type QueryResult struct {
	Entries  []Entry `json:"entries"`
	Total    int     `json:"total"`
	LastSeq  uint64  `json:"last_seq"`
	Capacity int     `json:"capacity"`
	Evicted  uint64  `json:"evicted"`
}

// Query copies the entries matching f and returns the requested page.
func (l *Log) Query(f Filter, p Page) QueryResult {
	l.mu.Lock()
	all := l.snapshotLocked()
	res := QueryResult{
		LastSeq:  l.lastSeq,
		Capacity: len(l.entries),
		Evicted:  l.evicted,
	}
	l.mu.Unlock()

	matched := all[:0]
	for _, e := range all {
		if f.Match(e) {
			matched = append(matched, e)
		}
	}
	res.Total = len(matched)

	start, end := pageBounds(len(matched), p)
	res.Entries = matched[start:end:end]
	return res
}

func pageBounds(n int, p Page) (int, int) {
	offset := max(p.Offset, 0)
	limit := p.Limit
	if limit <= 0 || limit > n {
		limit = n
	}
	if p.Tail {
		end := max(n-offset, 0)
		return max(end-limit, 0), end
	}
	start := min(offset, n)
	return start, min(start+limit, n)
}

// Snapshot returns every retained entry in sequence order.
func (l *Log) Snapshot() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *Log) snapshotLocked() []Entry {
	out := make([]Entry, l.count)
	size := len(l.entries)
	for i := range l.count {
		out[i] = l.entries[(l.head+i)%size]
	}
	return out
}

// Replay passes the retained entries to fn while appends are held off, so
// fn sees exactly the entries sinks have observed so far. fn must not call
// back into the Log.
func (l *Log) Replay(fn func(entries []Entry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(l.snapshotLocked())
}

// Resize changes the capacity, keeping the newest entries.
func (l *Log) Resize(capacity int) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if capacity == len(l.entries) {
		return
	}
	kept := l.snapshotLocked()
	if len(kept) > capacity {
		l.evicted += uint64(len(kept) - capacity)
		kept = kept[len(kept)-capacity:]
	}
	l.entries = make([]Entry, capacity)
	copy(l.entries, kept)
	l.head = 0
	l.count = len(kept)
}

// Clear drops every retained entry. Sequence numbering continues.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.entries)
	l.head = 0
	l.count = 0
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Capacity returns the maximum number of retained entries.
func (l *Log) Capacity() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Subscription streams entries appended after Subscribe was called.
type Subscription struct {
	C   <-chan Entry
	log *Log
	id  int
}

// Subscribe registers a live subscriber with the given channel buffer.
// Entries are dropped for the subscriber when its buffer is full.
func (l *Log) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextSub++
	sub := &subscriber{ch: make(chan Entry, buffer)}
	l.subs[l.nextSub] = sub
	return &Subscription{C: sub.ch, log: l, id: l.nextSub}
}

// Dropped returns how many entries were discarded for this subscriber.
func (s *Subscription) Dropped() uint64 {
	s.log.mu.Lock()
	defer s.log.mu.Unlock()
	if sub, ok := s.log.subs[s.id]; ok {
		return sub.dropped
	}
	return 0
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.log.mu.Lock()
	defer s.log.mu.Unlock()
	if sub, ok := s.log.subs[s.id]; ok {
		delete(s.log.subs, s.id)
		close(sub.ch)
	}
}
