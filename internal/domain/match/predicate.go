package match

import "time"

// Predicate tests a string value and returns true if it matches.
type Predicate func(string) bool

// And returns a predicate that requires all predicates to match.
func And(predicates ...Predicate) Predicate {
	return func(s string) bool {
		for _, p := range predicates {
			if !p(s) {
				return false
			}
		}
		return true
	}
}

// Or returns a predicate that requires at least one predicate to match.
func Or(predicates ...Predicate) Predicate {
	return func(s string) bool {
		for _, p := range predicates {
			if p(s) {
				return true
			}
		}
		return false
	}
}

// Not inverts p.
func Not(p Predicate) Predicate {
	return func(s string) bool {
		return !p(s)
	}
}

// Always matches everything.
func Always() Predicate {
	return func(string) bool { return true }
}

// FieldPredicate binds a request field to its compiled predicate.
// Field is "header:<Name>", "query:<name>", "body" or "body:<extractor>".
type FieldPredicate struct {
	Field     string
	Predicate Predicate
}

// CompiledEndpoint is an endpoint ready for evaluation. Seq is the registry
// insertion order used as the final tie-break. Fingerprint identifies the
// header, query and body matchers for conflict detection.
type CompiledEndpoint struct {
	ID          string
	Name        string
	Method      string
	Priority    int
	Seq         uint64
	Disabled    bool
	Tags        []string
	Rule        *Rule
	Predicates  []FieldPredicate
	Fingerprint string
	Response    CompiledResponse
	Policy      *CompiledPolicy
	Async       *CompiledAsync

	// Responses and Dataset are served in turn through their cycles. A nil
	// cycle means the sequence is not configured.
	Responses     []CompiledResponse
	ResponseCycle *Cycle
	Dataset       []map[string]any
	DatasetCycle  *Cycle
}

// BodyRenderer renders a body dynamically. Nil means static body.
type BodyRenderer interface {
	Render(ctx RenderContext) ([]byte, error)
}

// RenderContext provides request data for dynamic body rendering.
// PathParams holds the placeholder captures of the matched rule.
type RenderContext struct {
	Method      string
	Path        string
	Headers     map[string]string
	QueryParams map[string]string
	PathParams  map[string]string
	Body        []byte
	Now         string         // ISO-8601 timestamp
	Data        map[string]any // current dataset row, nil without a dataset
}

// CompiledResponse is a resolved response ready to serve.
type CompiledResponse struct {
	Status      int
	Headers     map[string]string
	Body        []byte       // used when Renderer is nil
	Renderer    BodyRenderer // non-nil for dynamic bodies
	ContentType string
}

// Render returns the response body for rc.
func (r CompiledResponse) Render(rc RenderContext) ([]byte, error) {
	if r.Renderer == nil {
		return r.Body, nil
	}
	return r.Renderer.Render(rc)
}

// CompiledPolicy holds resolved policy configuration.
type CompiledPolicy struct {
	RateLimit *CompiledRateLimit
	Latency   *CompiledLatency
}

// CompiledRateLimit holds rate limit parameters.
type CompiledRateLimit struct {
	Rate  float64
	Burst int
	Key   string
}

// CompiledLatency holds latency simulation parameters.
type CompiledLatency struct {
	Fixed  time.Duration
	Jitter time.Duration
}

// CompiledAsync is a resolved async effect. The body is rendered with the
// same context as the response when the task is scheduled.
type CompiledAsync struct {
	Target      string
	Method      string
	Headers     map[string]string
	Body        []byte
	Renderer    BodyRenderer
	DelayMin    time.Duration
	DelayMax    time.Duration
	MaxAttempts int // 0 = runtime default
}

// Render returns the callback body for rc.
func (a *CompiledAsync) Render(rc RenderContext) ([]byte, error) {
	if a.Renderer == nil {
		return a.Body, nil
	}
	return a.Renderer.Render(rc)
}
