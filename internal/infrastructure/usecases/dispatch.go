package usecases

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/sophialabs/simulacra/internal/domain/actor"
	"github.com/sophialabs/simulacra/internal/domain/fault"
	"github.com/sophialabs/simulacra/internal/domain/match"
	"github.com/sophialabs/simulacra/internal/domain/registry"
	"github.com/sophialabs/simulacra/internal/domain/runtimeconfig"
	"github.com/sophialabs/simulacra/internal/domain/trace"
	"github.com/sophialabs/simulacra/internal/infrastructure/outbound/ratelimit"
	"github.com/sophialabs/simulacra/internal/infrastructure/ports"
)

// MaxRecordedBody bounds the request and response bodies copied into the
// traffic log. Size always reports the full length.
const MaxRecordedBody = 64 << 10

// Scheduler queues async effects.
type Scheduler interface {
	Schedule(req actor.Request) (actor.Task, error)
}

// DispatchRequest is an inbound request in transport-neutral form. Headers
// use canonical keys and hold the first value of each header.
type DispatchRequest struct {
	Method     string
	Path       string
	RawQuery   string
	Headers    map[string]string
	Query      map[string]string
	Body       []byte
	RemoteAddr string // client IP, used for "ip" rate limit keys

	// HeaderValues holds every value of headers that were repeated. It is
	// recorded in the traffic log only; matching uses Headers.
	HeaderValues map[string][]string
}

// DispatchResult is the response to emit.
type DispatchResult struct {
	Status  int
	Headers map[string]string
	Body    []byte
	Entry   trace.Entry
}

// DispatchUseCase is the single entry point for inbound traffic: it matches
// the request, applies policies and injected faults, records one traffic
// entry and schedules the matched endpoint's async effect.
type DispatchUseCase struct {
	registry    *registry.Registry
	evaluator   *match.Evaluator
	config      *runtimeconfig.Store
	injector    *fault.Injector
	scheduler   Scheduler
	rateLimiter ports.RateLimiter
	clock       ports.Clock
	logger      ports.Logger
	log         *trace.Log
}

// NewDispatchUseCase creates a new use case.
func NewDispatchUseCase(
	reg *registry.Registry,
	evaluator *match.Evaluator,
	config *runtimeconfig.Store,
	injector *fault.Injector,
	scheduler Scheduler,
	rateLimiter ports.RateLimiter,
	clock ports.Clock,
	logger ports.Logger,
	log *trace.Log,
) *DispatchUseCase {
	return &DispatchUseCase{
		registry:    reg,
		evaluator:   evaluator,
		config:      config,
		injector:    injector,
		scheduler:   scheduler,
		rateLimiter: rateLimiter,
		clock:       clock,
		logger:      logger,
		log:         log,
	}
}

// unmatchedBody is the deterministic response for requests no endpoint serves.
type unmatchedBody struct {
	Error      string                  `json:"error"`
	Method     string                  `json:"method"`
	Path       string                  `json:"path"`
	Reason     match.Reason            `json:"reason"`
	Message    string                  `json:"message"`
	Candidates []trace.CandidateResult `json:"candidates,omitempty"`
}

// Execute handles one request. It never fails: every request receives a
// response and exactly one traffic entry.
func (uc *DispatchUseCase) Execute(ctx context.Context, req *DispatchRequest) DispatchResult {
	start := uc.clock.Now()
	cfg := uc.config.Get()
	snap := uc.registry.Snapshot()

	incoming := &match.IncomingRequest{
		Method:  req.Method,
		Path:    req.Path,
		Headers: req.Headers,
		Query:   req.Query,
		Body:    req.Body,
	}
	verdict := uc.evaluator.Evaluate(incoming, snap.Candidates(req.Method))

	entry := trace.Entry{
		Timestamp:  start,
		Kind:       trace.KindRequest,
		Request:    snapshotRequest(req),
		Candidates: verdict.Candidates,
	}

	if verdict.Matched == nil {
		res := uc.unmatched(req, verdict, cfg.UnmatchedStatus)
		entry.Outcome = trace.Outcome{Kind: trace.OutcomeUnmatched, Reason: string(verdict.Reason)}
		return uc.finish(entry, res, start)
	}

	ep := verdict.Matched
	entry.Outcome = trace.Outcome{
		Kind:       trace.OutcomeMatched,
		EndpointID: ep.ID,
		Captures:   verdict.Captures,
	}

	if ep.Policy != nil && ep.Policy.RateLimit != nil {
		rl := ep.Policy.RateLimit
		key := ratelimit.Key(ep.ID, rateLimitDiscriminator(rl.Key, req))
		if !uc.rateLimiter.Allow(ctx, key, rl.Rate, rl.Burst) {
			uc.logger.Debug("rate limited", "endpoint", ep.ID, "key", rl.Key)
			entry.Outcome.Kind = trace.OutcomeRateLimited
			res := jsonResult(http.StatusTooManyRequests, map[string]string{
				"error":    "rate_limited",
				"endpoint": ep.ID,
			})
			return uc.finish(entry, res, start)
		}
	}

	var (
		res       DispatchResult
		exhausted bool
	)
	faulted := uc.injector.ShouldFault(cfg.FaultProbability)
	rc := renderContext(req, verdict.Captures, start)
	if faulted {
		entry.Outcome.Kind = trace.OutcomeFault
		entry.Outcome.Reason = "injected fault"
		res = jsonResult(cfg.FaultStatus, map[string]string{
			"error":    "fault_injected",
			"endpoint": ep.ID,
		})
	} else if sel, ok := ep.Select(); !ok {
		exhausted = true
		entry.Outcome.Reason = "sequence exhausted"
		res = jsonResult(http.StatusGone, map[string]string{
			"error":    "sequence_exhausted",
			"endpoint": ep.ID,
		})
	} else {
		rc.Data = sel.Row
		body, err := sel.Response.Render(rc)
		if err != nil {
			uc.logger.Error("response render failed", "endpoint", ep.ID, "error", err)
			entry.Outcome.Kind = trace.OutcomeError
			entry.Outcome.Reason = err.Error()
			res = jsonResult(http.StatusInternalServerError, map[string]string{
				"error":    "render_failed",
				"endpoint": ep.ID,
				"message":  err.Error(),
			})
		} else {
			res = DispatchResult{
				Status:  sel.Response.Status,
				Headers: maps.Clone(sel.Response.Headers),
				Body:    body,
			}
			if res.Headers == nil {
				res.Headers = make(map[string]string, 1)
			}
			if sel.Response.ContentType != "" {
				res.Headers["Content-Type"] = sel.Response.ContentType
			}
		}
	}

	// Injected latency delays the emission only; the verdict is already fixed.
	if delay := uc.latency(cfg, ep); delay > 0 {
		if err := uc.clock.SleepContext(ctx, delay); err != nil {
			uc.logger.Debug("latency sleep cancelled", "endpoint", ep.ID, "error", err)
		}
	}

	res = uc.finish(entry, res, start)

	if !faulted && !exhausted && entry.Outcome.Kind == trace.OutcomeMatched && ep.Async != nil {
		uc.scheduleAsync(ep, rc)
	}

	if entry.Outcome.Kind == trace.OutcomeMatched {
		uc.logger.Info("request matched", "method", req.Method, "path", req.Path, "endpoint", ep.ID, "status", res.Status)
	}
	return res
}

// Reject answers a request that could not be read, without matching it. It
// still records exactly one traffic entry.
func (uc *DispatchUseCase) Reject(req *DispatchRequest, status int, code, message string) DispatchResult {
	start := uc.clock.Now()
	entry := trace.Entry{
		Timestamp: start,
		Kind:      trace.KindRequest,
		Request:   snapshotRequest(req),
		Outcome:   trace.Outcome{Kind: trace.OutcomeError, Reason: message},
	}
	uc.logger.Warn("request rejected", "method", req.Method, "path", req.Path, "status", status, "reason", message)
	return uc.finish(entry, jsonResult(status, map[string]string{
		"error":   code,
		"message": message,
	}), start)
}

func (uc *DispatchUseCase) unmatched(req *DispatchRequest, verdict match.Result, status int) DispatchResult {
	uc.logger.Info("request unmatched", "method", req.Method, "path", req.Path, "reason", verdict.Reason)
	return jsonResult(status, unmatchedBody{
		Error:      "no_match",
		Method:     req.Method,
		Path:       req.Path,
		Reason:     verdict.Reason,
		Message:    "No stub matched the request",
		Candidates: verdict.Candidates,
	})
}

func (uc *DispatchUseCase) latency(cfg runtimeconfig.RuntimeConfig, ep *match.CompiledEndpoint) time.Duration {
	lo, hi := cfg.LatencyRange()
	d := uc.injector.Between(lo, hi)
	if ep.Policy != nil && ep.Policy.Latency != nil {
		d += ep.Policy.Latency.Fixed
		if ep.Policy.Latency.Jitter > 0 {
			d += uc.injector.Between(0, ep.Policy.Latency.Jitter)
		}
	}
	return d
}

func (uc *DispatchUseCase) scheduleAsync(ep *match.CompiledEndpoint, rc match.RenderContext) {
	body, err := ep.Async.Render(rc)
	if err != nil {
		uc.logger.Error("async body render failed", "endpoint", ep.ID, "error", err)
		return
	}
	task, err := uc.scheduler.Schedule(actor.Request{
		EndpointID:  ep.ID,
		Target:      ep.Async.Target,
		Method:      ep.Async.Method,
		Headers:     ep.Async.Headers,
		Body:        body,
		DelayMin:    ep.Async.DelayMin,
		DelayMax:    ep.Async.DelayMax,
		MaxAttempts: ep.Async.MaxAttempts,
	})
	if err != nil {
		uc.logger.Error("failed to schedule async effect", "endpoint", ep.ID, "error", err)
		return
	}
	uc.logger.Debug("async effect scheduled", "endpoint", ep.ID, "task", task.ID, "fire_at", task.FireAt)
}

func (uc *DispatchUseCase) finish(entry trace.Entry, res DispatchResult, start time.Time) DispatchResult {
	entry.Response = &trace.Response{
		Status:  res.Status,
		Headers: res.Headers,
		Body:    clip(res.Body),
		Size:    len(res.Body),
	}
	entry.DurationMs = float64(uc.clock.Now().Sub(start)) / float64(time.Millisecond)
	res.Entry = uc.log.Append(entry)
	return res
}

func rateLimitDiscriminator(key string, req *DispatchRequest) string {
	if key == "ip" {
		return req.RemoteAddr
	}
	if name, ok := strings.CutPrefix(key, "header:"); ok {
		return req.Headers[http.CanonicalHeaderKey(name)]
	}
	return ""
}

func renderContext(req *DispatchRequest, captures map[string]string, now time.Time) match.RenderContext {
	return match.RenderContext{
		Method:      req.Method,
		Path:        req.Path,
		Headers:     req.Headers,
		QueryParams: req.Query,
		PathParams:  captures,
		Body:        req.Body,
		Now:         now.UTC().Format(time.RFC3339),
	}
}

func snapshotRequest(req *DispatchRequest) *trace.Request {
	return &trace.Request{
		Method:     req.Method,
		Path:       req.Path,
		Query:      req.RawQuery,
		Headers:    maps.Clone(req.Headers),
		Body:       clip(req.Body),
		Size:       len(req.Body),
		RemoteAddr: req.RemoteAddr,

		HeaderValues: cloneValues(req.HeaderValues),
	}
}

func cloneValues(m map[string][]string) map[string][]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string][]string, len(m))
	for k, v := range m {
		out[k] = slices.Clone(v)
	}
	return out
}

func jsonResult(status int, v any) DispatchResult {
	body, err := json.Marshal(v)
	if err != nil {
		body = []byte(`{"error":"internal"}`)
	}
	return DispatchResult{
		Status:  status,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    body,
	}
}

func clip(b []byte) string {
	if len(b) > MaxRecordedBody {
		return string(b[:MaxRecordedBody])
	}
	return string(b)
}
