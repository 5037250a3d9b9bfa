package match

import (
	"strings"

	"github.com/sophialabs/simulacra/internal/domain/trace"
)

// Reason explains an unmatched verdict.
type Reason string

const (
	ReasonNoCandidates    Reason = "no_candidates"
	ReasonNoPathMatch     Reason = "no_path_match"
	ReasonMatcherMismatch Reason = "matcher_mismatch"
)

// IncomingRequest represents an HTTP request in domain terms, free of net/http.
// Header keys are canonical MIME header keys; Query holds the first value of
// each parameter.
type IncomingRequest struct {
	Method  string
	Path    string
	Headers map[string]string
	Query   map[string]string
	Body    []byte
}

// Result is the verdict for one request. Matched is nil when unmatched, in
// which case Reason is set.
type Result struct {
	Matched    *CompiledEndpoint
	Captures   map[string]string
	Reason     Reason
	Candidates []trace.CandidateResult
}

// Evaluator evaluates incoming requests against compiled endpoints.
type Evaluator struct{}

// NewEvaluator creates a new Evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Evaluate returns the first candidate whose path rule and predicates all
// accept the request. Candidates must already be in registry order.
// Diagnostics are recorded for every candidate examined.
func (e *Evaluator) Evaluate(req *IncomingRequest, candidates []*CompiledEndpoint) Result {
	if len(candidates) == 0 {
		return Result{Reason: ReasonNoCandidates}
	}

	result := Result{
		Candidates: make([]trace.CandidateResult, 0, len(candidates)),
	}
	bodyStr := string(req.Body)
	pathMatched := false

	for _, ce := range candidates {
		cr := trace.CandidateResult{
			EndpointID:   ce.ID,
			EndpointName: ce.Name,
		}

		captures, ok := ce.Rule.Match(req.Path)
		if !ok {
			cr.FailedField = "path"
			cr.FailedReason = "path did not match " + string(ce.Rule.Kind) + " rule " + ce.Rule.Value
			result.Candidates = append(result.Candidates, cr)
			continue
		}
		cr.PathMatched = true
		pathMatched = true

		cr.Matched = true
		for _, fp := range ce.Predicates {
			val := resolveFieldValue(fp.Field, req, bodyStr)
			if !fp.Predicate(val) {
				cr.Matched = false
				cr.FailedField = fp.Field
				cr.FailedReason = "value did not match: " + truncate(val, 128)
				break
			}
		}

		result.Candidates = append(result.Candidates, cr)
		if cr.Matched {
			result.Matched = ce
			result.Captures = captures
			return result
		}
	}

	if pathMatched {
		result.Reason = ReasonMatcherMismatch
	} else {
		result.Reason = ReasonNoPathMatch
	}
	return result
}

// resolveFieldValue returns the value for a field.
// Body predicates receive the raw body since they parse and extract
// values themselves.
func resolveFieldValue(field string, req *IncomingRequest, body string) string {
	switch {
	case field == "body" || strings.HasPrefix(field, "body:"):
		return body
	case strings.HasPrefix(field, "header:"):
		return req.Headers[strings.TrimPrefix(field, "header:")]
	case strings.HasPrefix(field, "query:"):
		return req.Query[strings.TrimPrefix(field, "query:")]
	case field == "method":
		return req.Method
	case field == "path":
		return req.Path
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
