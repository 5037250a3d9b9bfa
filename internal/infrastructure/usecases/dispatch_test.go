package usecases_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/sophialabs/simulacra/internal/domain/endpoint"
	"github.com/sophialabs/simulacra/internal/domain/fault"
	"github.com/sophialabs/simulacra/internal/domain/match"
	"github.com/sophialabs/simulacra/internal/domain/registry"
	"github.com/sophialabs/simulacra/internal/domain/runtimeconfig"
	"github.com/sophialabs/simulacra/internal/domain/stats"
	"github.com/sophialabs/simulacra/internal/domain/trace"
	"github.com/sophialabs/simulacra/internal/infrastructure/usecases"
	"github.com/sophialabs/simulacra/internal/testutil"
)

var errRender = errors.New("template exploded")

type dispatchFixture struct {
	uc      *usecases.DispatchUseCase
	reg     *registry.Registry
	config  *runtimeconfig.Store
	log     *trace.Log
	stats   *stats.Aggregator
	sched   *recordingScheduler
	clock   *testutil.ManualClock
	limiter *testutil.StubRateLimiter
}

func newDispatchFixture(t *testing.T, cfg runtimeconfig.RuntimeConfig, endpoints ...*endpoint.Endpoint) *dispatchFixture {
	t.Helper()
	store, err := runtimeconfig.NewStore(cfg)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	f := &dispatchFixture{
		reg:     newRegistry(t),
		config:  store,
		sched:   &recordingScheduler{},
		clock:   testutil.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		limiter: &testutil.StubRateLimiter{AllowAll: true},
	}
	f.stats = stats.NewAggregator(f.clock.Now)
	f.log = trace.NewLog(cfg.LogCapacity, f.stats)
	for _, e := range endpoints {
		if _, err := f.reg.Upsert(e); err != nil {
			t.Fatalf("Upsert(%s) failed: %v", e.ID, err)
		}
	}
	f.uc = usecases.NewDispatchUseCase(
		f.reg,
		match.NewEvaluator(),
		store,
		fault.NewInjector(42),
		f.sched,
		f.limiter,
		f.clock,
		&testutil.NoopLogger{},
		f.log,
	)
	return f
}

func (f *dispatchFixture) do(method, path string, headers map[string]string, body string) usecases.DispatchResult {
	if headers == nil {
		headers = map[string]string{}
	}
	return f.uc.Execute(context.Background(), &usecases.DispatchRequest{
		Method:     method,
		Path:       path,
		Headers:    headers,
		Query:      map[string]string{},
		Body:       []byte(body),
		RemoteAddr: "10.0.0.1",
	})
}

func userEndpoint() *endpoint.Endpoint {
	return &endpoint.Endpoint{
		ID:     "get-user",
		Method: "GET",
		Path:   "/users/{id}",
		Response: endpoint.Response{
			Status: 200,
			Body:   `{"id":"{id}"}`,
		},
	}
}

func TestDispatch_MatchesPatternAndRendersCaptures(t *testing.T) {
	f := newDispatchFixture(t, runtimeconfig.Default(), userEndpoint())

	res := f.do("GET", "/users/42", nil, "")

	if res.Status != 200 {
		t.Fatalf("expected 200, got %d", res.Status)
	}
	if string(res.Body) != `{"id":"42"}` {
		t.Errorf("unexpected body %s", res.Body)
	}
	if res.Headers["Content-Type"] != "application/json" {
		t.Errorf("expected inferred JSON content type, got %q", res.Headers["Content-Type"])
	}
	if res.Entry.Seq != 1 || res.Entry.Outcome.Kind != trace.OutcomeMatched {
		t.Errorf("unexpected entry %+v", res.Entry)
	}
	if res.Entry.Outcome.EndpointID != "get-user" || res.Entry.Outcome.Captures["id"] != "42" {
		t.Errorf("unexpected outcome %+v", res.Entry.Outcome)
	}
	if f.log.Len() != 1 {
		t.Errorf("expected exactly one traffic entry, got %d", f.log.Len())
	}
	if got := f.stats.Snapshot().Endpoints["get-user"].Matched; got != 1 {
		t.Errorf("expected 1 match in stats, got %d", got)
	}
}

func TestDispatch_EmptyRegistryIsUnmatched(t *testing.T) {
	f := newDispatchFixture(t, runtimeconfig.Default())

	res := f.do("POST", "/anything", nil, `{"x":1}`)

	if res.Status != 404 {
		t.Fatalf("expected 404, got %d", res.Status)
	}
	var body map[string]any
	if err := json.Unmarshal(res.Body, &body); err != nil {
		t.Fatalf("expected JSON body: %v", err)
	}
	if body["error"] != "no_match" || body["reason"] != "no_candidates" || body["path"] != "/anything" {
		t.Errorf("unexpected body %v", body)
	}
	if body["message"] != "No stub matched the request" {
		t.Errorf("unexpected message %v", body["message"])
	}

	unhandled := f.log.Query(trace.Filter{Outcomes: []trace.OutcomeKind{trace.OutcomeUnmatched}}, trace.Page{})
	if len(unhandled.Entries) != 1 {
		t.Fatalf("expected 1 unhandled entry, got %d", len(unhandled.Entries))
	}
	req := unhandled.Entries[0].Request
	if req.Method != "POST" || req.Path != "/anything" || req.Body != `{"x":1}` {
		t.Errorf("unhandled request not recorded verbatim: %+v", req)
	}
	if got := f.stats.Snapshot().Totals.Unmatched; got != 1 {
		t.Errorf("expected unmatched count 1, got %d", got)
	}
}

func TestDispatch_MatcherMismatchUsesConfiguredStatus(t *testing.T) {
	cfg := runtimeconfig.Default()
	cfg.UnmatchedStatus = 418
	e := userEndpoint()
	e.Headers = map[string]endpoint.StringMatcher{"X-Tenant": endpoint.ParseStringMatcher("=acme")}
	f := newDispatchFixture(t, cfg, e)

	res := f.do("GET", "/users/1", map[string]string{"X-Tenant": "other"}, "")

	if res.Status != 418 {
		t.Fatalf("expected 418, got %d", res.Status)
	}
	if res.Entry.Outcome.Reason != string(match.ReasonMatcherMismatch) {
		t.Errorf("expected matcher_mismatch, got %q", res.Entry.Outcome.Reason)
	}
	if len(res.Entry.Candidates) != 1 || res.Entry.Candidates[0].FailedField != "header:X-Tenant" {
		t.Errorf("expected header diagnostics, got %+v", res.Entry.Candidates)
	}
}

func TestDispatch_RateLimited(t *testing.T) {
	e := userEndpoint()
	e.Policy = &endpoint.Policy{RateLimit: &endpoint.RateLimit{Rate: 1, Burst: 1, Key: "ip"}}
	e.Async = &endpoint.AsyncEffect{Target: "http://cb.local/hook"}
	f := newDispatchFixture(t, runtimeconfig.Default(), e)
	f.limiter.AllowAll = false

	res := f.do("GET", "/users/1", nil, "")

	if res.Status != 429 {
		t.Fatalf("expected 429, got %d", res.Status)
	}
	if res.Entry.Outcome.Kind != trace.OutcomeRateLimited {
		t.Errorf("expected rate_limited, got %s", res.Entry.Outcome.Kind)
	}
	if len(f.sched.Requests()) != 0 {
		t.Error("rate limited requests must not schedule async effects")
	}
}

func TestDispatch_FaultInjection(t *testing.T) {
	cfg := runtimeconfig.Default()
	cfg.FaultProbability = 1
	cfg.FaultStatus = 502
	e := userEndpoint()
	e.Async = &endpoint.AsyncEffect{Target: "http://cb.local/hook"}
	f := newDispatchFixture(t, cfg, e)

	res := f.do("GET", "/users/1", nil, "")

	if res.Status != 502 {
		t.Fatalf("expected 502, got %d", res.Status)
	}
	if res.Entry.Outcome.Kind != trace.OutcomeFault || res.Entry.Outcome.EndpointID != "get-user" {
		t.Errorf("unexpected outcome %+v", res.Entry.Outcome)
	}
	if len(f.sched.Requests()) != 0 {
		t.Error("faulted requests must not schedule async effects")
	}
	if got := f.stats.Snapshot().Totals.Faults; got != 1 {
		t.Errorf("expected 1 fault in stats, got %d", got)
	}
}

func TestDispatch_LatencyDelaysEmission(t *testing.T) {
	cfg := runtimeconfig.Default()
	cfg.LatencyMinMs = 50
	cfg.LatencyMaxMs = 50
	e := userEndpoint()
	e.Policy = &endpoint.Policy{Latency: &endpoint.Latency{FixedMs: 10}}
	f := newDispatchFixture(t, cfg, e)

	res := f.do("GET", "/users/7", nil, "")

	slept := f.clock.Slept()
	if len(slept) != 1 || slept[0] != 60*time.Millisecond {
		t.Fatalf("expected one 60ms sleep, got %v", slept)
	}
	if res.Entry.DurationMs != 60 {
		t.Errorf("expected recorded latency 60ms, got %v", res.Entry.DurationMs)
	}
	if res.Status != 200 {
		t.Errorf("latency must not change the response, got %d", res.Status)
	}
}

func TestDispatch_NoLatencyForUnmatched(t *testing.T) {
	cfg := runtimeconfig.Default()
	cfg.LatencyMinMs = 50
	cfg.LatencyMaxMs = 100
	f := newDispatchFixture(t, cfg)

	f.do("GET", "/nothing", nil, "")

	if len(f.clock.Slept()) != 0 {
		t.Errorf("unexpected sleeps %v", f.clock.Slept())
	}
}

func TestDispatch_RenderFailureIsErrorOutcome(t *testing.T) {
	e := userEndpoint()
	e.Tags = []string{brokenTag}
	f := newDispatchFixture(t, runtimeconfig.Default(), e)

	res := f.do("GET", "/users/1", nil, "")

	if res.Status != 500 {
		t.Fatalf("expected 500, got %d", res.Status)
	}
	if res.Entry.Outcome.Kind != trace.OutcomeError {
		t.Errorf("expected error outcome, got %s", res.Entry.Outcome.Kind)
	}
	if res.Entry.Outcome.Reason != errRender.Error() {
		t.Errorf("expected render error as reason, got %q", res.Entry.Outcome.Reason)
	}
}

func TestDispatch_SchedulesAsyncEffectOnce(t *testing.T) {
	e := &endpoint.Endpoint{
		ID:       "order",
		Method:   "POST",
		Path:     "/orders/{orderID}",
		Response: endpoint.Response{Status: 202},
		Async: &endpoint.AsyncEffect{
			Target:      "http://cb.local/hook",
			Body:        `{"order":"{orderID}","status":"shipped"}`,
			DelayMinMs:  100,
			DelayMaxMs:  200,
			MaxAttempts: 4,
		},
	}
	f := newDispatchFixture(t, runtimeconfig.Default(), e)

	res := f.do("POST", "/orders/A-1", nil, "")

	if res.Status != 202 {
		t.Fatalf("expected 202, got %d", res.Status)
	}
	reqs := f.sched.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected exactly one scheduled effect, got %d", len(reqs))
	}
	got := reqs[0]
	if got.EndpointID != "order" || got.Method != "POST" || got.MaxAttempts != 4 {
		t.Errorf("unexpected request %+v", got)
	}
	if got.DelayMin != 100*time.Millisecond || got.DelayMax != 200*time.Millisecond {
		t.Errorf("unexpected delay range [%v, %v]", got.DelayMin, got.DelayMax)
	}
	if string(got.Body) != `{"order":"A-1","status":"shipped"}` {
		t.Errorf("unexpected async body %s", got.Body)
	}
}

func TestDispatch_PriorityTieBreak(t *testing.T) {
	low := &endpoint.Endpoint{ID: "low", Method: "GET", Path: "/items/{id}", Priority: 1,
		Response: endpoint.Response{Body: "low"}}
	high := &endpoint.Endpoint{ID: "high", Method: "GET", Path: "/items/{slug}", Priority: 5,
		Response: endpoint.Response{Body: "high"}}

	for _, order := range [][]*endpoint.Endpoint{{low, high}, {high, low}} {
		f := newDispatchFixture(t, runtimeconfig.Default(), order[0].Clone(), order[1].Clone())
		res := f.do("GET", "/items/9", nil, "")
		if res.Entry.Outcome.EndpointID != "high" {
			t.Errorf("expected high priority endpoint to win, got %q", res.Entry.Outcome.EndpointID)
		}
	}
}

func TestDispatch_SequenceNumbersAreGapFree(t *testing.T) {
	f := newDispatchFixture(t, runtimeconfig.Default(), userEndpoint())
	for i := range 10 {
		path := "/users/1"
		if i%3 == 0 {
			path = "/missing"
		}
		res := f.do("GET", path, nil, "")
		if res.Entry.Seq != uint64(i+1) {
			t.Fatalf("request %d: expected seq %d, got %d", i, i+1, res.Entry.Seq)
		}
	}
}

func TestDispatch_ResponsesServedInTurnUntilExhausted(t *testing.T) {
	looped := false
	e := &endpoint.Endpoint{
		ID:     "flaky",
		Method: "GET",
		Path:   "/flaky",
		Responses: []endpoint.Response{
			{Status: 503, Body: "down"},
			{Status: 200, Body: "up"},
		},
		ResponsesLooped: &looped,
		Async:           &endpoint.AsyncEffect{Target: "http://cb.local/hook"},
	}
	f := newDispatchFixture(t, runtimeconfig.Default(), e)

	var got []string
	for range 3 {
		res := f.do("GET", "/flaky", nil, "")
		got = append(got, fmt.Sprintf("%d %s", res.Status, res.Body))
	}
	want := []string{"503 down", "200 up", `410 {"endpoint":"flaky","error":"sequence_exhausted"}`}
	if !slices.Equal(got, want) {
		t.Errorf("expected %q, got %q", want, got)
	}
	if n := len(f.sched.Requests()); n != 2 {
		t.Errorf("expected no async effect once exhausted, got %d scheduled", n)
	}
	if f.log.Len() != 3 {
		t.Errorf("expected one traffic entry per request, got %d", f.log.Len())
	}
}

func TestDispatch_DatasetRowsReachTemplates(t *testing.T) {
	e := &endpoint.Endpoint{
		ID:      "people",
		Method:  "GET",
		Path:    "/people/next",
		Dataset: []map[string]any{{"name": "Ada"}, {"name": "Grace"}},
		Response: endpoint.Response{
			Body: `{"name":"{name}"}`,
		},
	}
	f := newDispatchFixture(t, runtimeconfig.Default(), e)

	var got []string
	for range 3 {
		got = append(got, string(f.do("GET", "/people/next", nil, "").Body))
	}
	want := []string{`{"name":"Ada"}`, `{"name":"Grace"}`, `{"name":"Ada"}`}
	if !slices.Equal(got, want) {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestDispatch_FaultDoesNotAdvanceSequences(t *testing.T) {
	e := &endpoint.Endpoint{
		ID:        "seq",
		Method:    "GET",
		Path:      "/seq",
		Responses: []endpoint.Response{{Body: "first"}, {Body: "second"}},
	}
	cfg := runtimeconfig.Default()
	cfg.FaultProbability = 1
	f := newDispatchFixture(t, cfg, e)

	if res := f.do("GET", "/seq", nil, ""); res.Status != cfg.FaultStatus {
		t.Fatalf("expected injected fault, got %d", res.Status)
	}

	zero := 0.0
	if _, err := f.config.Update(runtimeconfig.Patch{FaultProbability: &zero}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if res := f.do("GET", "/seq", nil, ""); string(res.Body) != "first" {
		t.Errorf("expected the first response after a fault, got %q", res.Body)
	}
}

func TestDispatch_RejectRecordsOneEntry(t *testing.T) {
	f := newDispatchFixture(t, runtimeconfig.Default(), userEndpoint())

	res := f.uc.Reject(&usecases.DispatchRequest{
		Method:       "POST",
		Path:         "/users/1",
		Headers:      map[string]string{"X-Trace": "a"},
		HeaderValues: map[string][]string{"X-Trace": {"a", "b"}},
	}, 413, "body_too_large", "request body exceeds 10 bytes")

	if res.Status != 413 {
		t.Fatalf("expected 413, got %d", res.Status)
	}
	if res.Entry.Outcome.Kind != trace.OutcomeError || res.Entry.Outcome.EndpointID != "" {
		t.Errorf("unexpected outcome %+v", res.Entry.Outcome)
	}
	if got := res.Entry.Request.HeaderValues["X-Trace"]; !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("expected repeated header values, got %v", got)
	}
	snap := f.stats.Snapshot()
	if snap.Totals.Errors != 1 || len(snap.Endpoints) != 0 {
		t.Errorf("expected one error and no per-endpoint stats, got %+v", snap.Totals)
	}
	if len(f.sched.Requests()) != 0 {
		t.Error("rejected requests never schedule effects")
	}
}
