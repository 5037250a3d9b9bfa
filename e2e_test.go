package simulacra_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sophialabs/simulacra/internal/domain/runtimeconfig"
	"github.com/sophialabs/simulacra/internal/domain/trace"
	"github.com/sophialabs/simulacra/internal/infrastructure/wiring"
	"github.com/sophialabs/simulacra/internal/testutil"
)

type e2eEnv struct {
	ts        *httptest.Server
	container *wiring.Container
}

// setupE2EServer serves a private copy of testdata/endpoints so admin
// writes never touch the fixtures.
func setupE2EServer(t *testing.T) *e2eEnv {
	t.Helper()

	rootDir := t.TempDir()
	if err := os.CopyFS(rootDir, os.DirFS("testdata/endpoints")); err != nil {
		t.Fatalf("failed to copy fixtures: %v", err)
	}

	c, err := wiring.New(context.Background(), wiring.Params{
		RootDir:        rootDir,
		Runtime:        runtimeconfig.Default(),
		RateLimiterTTL: 10 * time.Minute,
		Logger:         &testutil.NoopLogger{},
	})
	if err != nil {
		t.Fatalf("failed to wire: %v", err)
	}
	t.Cleanup(c.Close)
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("failed to load endpoints: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = c.Engine().Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	ts := httptest.NewServer(c.Server())
	t.Cleanup(ts.Close)
	return &e2eEnv{ts: ts, container: c}
}

func (e *e2eEnv) call(t *testing.T, method, path string, header http.Header, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, e.ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(data)
}

func TestE2E_HealthCheck(t *testing.T) {
	env := setupE2EServer(t)

	status, body := env.call(t, "GET", "/__admin/health", nil, "")
	if status != 200 {
		t.Fatalf("expected 200, got %d", status)
	}
	var health map[string]any
	if err := json.Unmarshal([]byte(body), &health); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if health["endpoints"] != float64(7) {
		t.Errorf("expected 7 endpoints, got %v", health["endpoints"])
	}
}

func TestE2E_GetUserByID(t *testing.T) {
	env := setupE2EServer(t)

	status, body := env.call(t, "GET", "/users/42", nil, "")
	if status != 200 {
		t.Fatalf("expected 200, got %d", status)
	}
	if body != `{"id":"42","name":"user-42"}` {
		t.Errorf("unexpected body %s", body)
	}

	entries := env.container.TrafficLog().Snapshot()
	if len(entries) != 1 {
		t.Fatalf("expected 1 traffic entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Outcome.Kind != trace.OutcomeMatched || e.Outcome.EndpointID != "get-user" || e.Outcome.Captures["id"] != "42" {
		t.Errorf("unexpected outcome %+v", e.Outcome)
	}
}

func TestE2E_PriorityAndHeaderFallback(t *testing.T) {
	env := setupE2EServer(t)

	_, body := env.call(t, "GET", "/users/me", http.Header{"Authorization": {"Bearer t0k3n"}}, "")
	if body != `{"id":"me"}` {
		t.Errorf("expected the higher priority endpoint, got %s", body)
	}

	_, body = env.call(t, "GET", "/users/me", nil, "")
	if body != `{"id":"me","name":"user-me"}` {
		t.Errorf("expected fallback to the pattern endpoint, got %s", body)
	}
}

func TestE2E_ExprQueryTemplate(t *testing.T) {
	env := setupE2EServer(t)

	status, body := env.call(t, "GET", "/users?page=2", nil, "")
	if status != 200 {
		t.Fatalf("expected 200, got %d", status)
	}
	if body != `{"page":2,"items":[1,2,3]}` {
		t.Errorf("unexpected body %s", body)
	}

	status, _ = env.call(t, "GET", "/users?page=two", nil, "")
	if status != 404 {
		t.Errorf("expected non-numeric page to be unmatched, got %d", status)
	}
}

func TestE2E_JSONBodyConditionsAndSchema(t *testing.T) {
	env := setupE2EServer(t)

	status, body := env.call(t, "POST", "/orders", nil, `{"sku":"A-1","shipping":"express"}`)
	if status != 202 || body != `{"sku":"A-1","shipping":"express"}` {
		t.Errorf("expected express order, got %d %s", status, body)
	}

	status, body = env.call(t, "POST", "/orders", nil, `{"sku":"A-2"}`)
	if status != 201 || strings.TrimSpace(body) != `{"status":"created"}` {
		t.Errorf("expected schema-matched order, got %d %s", status, body)
	}

	status, _ = env.call(t, "POST", "/orders", nil, `{"quantity":1}`)
	if status != 404 {
		t.Errorf("expected schema violation to be unmatched, got %d", status)
	}
}

func TestE2E_XMLBodyCondition(t *testing.T) {
	env := setupE2EServer(t)

	status, body := env.call(t, "POST", "/orders.xml", nil, `<order><sku>SKU-7</sku></order>`)
	if status != 200 || body != "<ack/>" {
		t.Errorf("expected ack, got %d %s", status, body)
	}
	status, _ = env.call(t, "POST", "/orders.xml", nil, `<order><sku>nope</sku></order>`)
	if status != 404 {
		t.Errorf("expected 404, got %d", status)
	}
}

func TestE2E_UnmatchedAppearsInUnhandled(t *testing.T) {
	env := setupE2EServer(t)

	status, body := env.call(t, "POST", "/anything", nil, `{"x":1}`)
	if status != 404 {
		t.Fatalf("expected 404, got %d", status)
	}
	var res map[string]any
	if err := json.Unmarshal([]byte(body), &res); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if res["error"] != "no_match" || res["path"] != "/anything" {
		t.Errorf("unexpected unmatched body %v", res)
	}

	_, body = env.call(t, "GET", "/__admin/unhandled", nil, "")
	var page trace.QueryResult
	if err := json.Unmarshal([]byte(body), &page); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(page.Entries) != 1 {
		t.Fatalf("expected 1 unhandled entry, got %d", len(page.Entries))
	}
	req := page.Entries[0].Request
	if req.Method != "POST" || req.Path != "/anything" || req.Body != `{"x":1}` {
		t.Errorf("unhandled entry must keep the request verbatim, got %+v", req)
	}
}

func TestE2E_RateLimit(t *testing.T) {
	env := setupE2EServer(t)

	for i := range 2 {
		if status, _ := env.call(t, "GET", "/limited", nil, ""); status != 200 {
			t.Fatalf("request %d: expected 200, got %d", i+1, status)
		}
	}
	if status, _ := env.call(t, "GET", "/limited", nil, ""); status != 429 {
		t.Errorf("expected 429 after the burst, got %d", status)
	}

	// Re-enabling resets the endpoint's buckets.
	env.call(t, "POST", "/__admin/endpoints/limited/disable", nil, "")
	env.call(t, "POST", "/__admin/endpoints/limited/enable", nil, "")
	if status, _ := env.call(t, "GET", "/limited", nil, ""); status != 200 {
		t.Errorf("expected 200 after reset, got %d", status)
	}
}

func TestE2E_AsyncCallbackWithinDelayRange(t *testing.T) {
	env := setupE2EServer(t)

	type hit struct {
		at       time.Time
		endpoint string
		body     string
	}
	hits := make(chan hit, 1)
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		hits <- hit{at: time.Now(), endpoint: r.Header.Get("X-Simulacra-Endpoint"), body: string(b)}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer target.Close()

	def := fmt.Sprintf(`{
  "id": "webhook",
  "method": "POST",
  "path": "/payments/{id}",
  "response": {"status": 202},
  "async": {"target": %q, "body": "{\"payment\":\"{id}\"}", "delay_min_ms": 100, "delay_max_ms": 200}
}`, target.URL)
	if status, body := env.call(t, "POST", "/__admin/endpoints", http.Header{"Content-Type": {"application/json"}}, def); status != 201 {
		t.Fatalf("create failed: %d %s", status, body)
	}

	start := time.Now()
	if status, _ := env.call(t, "POST", "/payments/p-9", nil, ""); status != 202 {
		t.Fatalf("expected 202, got %d", status)
	}

	select {
	case h := <-hits:
		if d := h.at.Sub(start); d < 100*time.Millisecond {
			t.Errorf("callback fired after %v, before the minimum delay", d)
		}
		if h.endpoint != "webhook" || h.body != `{"payment":"p-9"}` {
			t.Errorf("unexpected callback %+v", h)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("callback never fired")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		res := env.container.TrafficLog().Query(trace.Filter{Kind: trace.KindActor}, trace.Page{})
		if res.Total == 1 && res.Entries[0].Outcome.Kind == trace.OutcomeActorCompleted {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("expected one actor_completed entry in the traffic log")
}

func TestE2E_AdminListEndpoints(t *testing.T) {
	env := setupE2EServer(t)

	_, body := env.call(t, "GET", "/__admin/endpoints?tag=orders", nil, "")
	var list []map[string]any
	if err := json.Unmarshal([]byte(body), &list); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 orders endpoints, got %d", len(list))
	}
	if list[0]["source_file"] != "orders/orders.yaml" {
		t.Errorf("expected relative source file, got %v", list[0]["source_file"])
	}
}

func TestE2E_StatsCountEveryRequest(t *testing.T) {
	env := setupE2EServer(t)

	env.call(t, "GET", "/users/1", nil, "")
	env.call(t, "GET", "/users/2", nil, "")
	env.call(t, "GET", "/nowhere", nil, "")

	snap := env.container.Stats().Snapshot()
	if snap.Totals.Requests != 3 || snap.Totals.Matched != 2 || snap.Totals.Unmatched != 1 {
		t.Errorf("unexpected totals %+v", snap.Totals)
	}
	if got := snap.Endpoints["get-user"]; got == nil || got.Matched != 2 {
		t.Errorf("unexpected get-user stats %+v", got)
	}
}
