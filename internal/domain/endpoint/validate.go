package endpoint

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/sophialabs/simulacra/internal/domain/validation"
)

var (
	idPattern     = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	methodPattern = regexp.MustCompile(`^[A-Z]+$`)
)

// Validate checks the structural fields of an endpoint. Path rule syntax,
// regex matchers and templates are checked when the endpoint is compiled.
func (e *Endpoint) Validate() error {
	c := validation.NewCollector("endpoint")

	switch {
	case e.ID == "":
		c.Addf("id", "required")
	case !idPattern.MatchString(e.ID):
		c.Addf("id", "must contain only letters, digits, '.', '_' or '-'")
	}

	if m := e.MethodKey(); m != AnyMethod && !methodPattern.MatchString(m) {
		c.Addf("method", "invalid HTTP method %q", e.Method)
	}

	if e.Path == "" {
		c.Addf("path", "required")
	} else if !strings.HasPrefix(e.Path, "/") {
		c.Addf("path", "must start with /")
	}
	switch e.Match {
	case "", RuleExact, RulePrefix, RulePattern:
	default:
		c.Addf("match", "unknown rule kind %q (want exact, prefix or pattern)", e.Match)
	}

	validateResponse(c, "response", &e.Response)
	if len(e.Responses) > 0 {
		if !e.Response.isZero() {
			c.Addf("responses", "cannot be combined with response")
		}
		for i := range e.Responses {
			validateResponse(c, fmt.Sprintf("responses[%d]", i), &e.Responses[i])
		}
	} else if e.ResponsesLooped != nil {
		c.Addf("responses_looped", "requires responses")
	}
	if len(e.Dataset) > 0 && e.DatasetFile != "" {
		c.Addf("dataset_file", "cannot be combined with dataset")
	}
	if len(e.Dataset) == 0 && e.DatasetFile == "" && e.DatasetLooped != nil {
		c.Addf("dataset_looped", "requires dataset or dataset_file")
	}

	if p := e.Policy; p != nil {
		if rl := p.RateLimit; rl != nil {
			if rl.Rate <= 0 {
				c.Addf("policy.rate_limit.rate", "must be > 0")
			}
			if rl.Burst < 1 {
				c.Addf("policy.rate_limit.burst", "must be >= 1")
			}
			if rl.Key != "" && rl.Key != "ip" && !strings.HasPrefix(rl.Key, "header:") {
				c.Addf("policy.rate_limit.key", "must be empty, \"ip\" or \"header:<Name>\"")
			}
		}
		if lat := p.Latency; lat != nil {
			if lat.FixedMs < 0 {
				c.Addf("policy.latency.fixed_ms", "must be >= 0")
			}
			if lat.JitterMs < 0 {
				c.Addf("policy.latency.jitter_ms", "must be >= 0")
			}
		}
	}

	if a := e.Async; a != nil {
		u, err := url.Parse(a.Target)
		if a.Target == "" {
			c.Addf("async.target", "required")
		} else if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			c.Addf("async.target", "must be an absolute http(s) URL")
		}
		if a.Method != "" && !methodPattern.MatchString(strings.ToUpper(a.Method)) {
			c.Addf("async.method", "invalid HTTP method %q", a.Method)
		}
		if a.DelayMinMs < 0 {
			c.Addf("async.delay_min_ms", "must be >= 0")
		}
		if a.DelayMaxMs < a.DelayMinMs {
			c.Addf("async.delay_max_ms", "must be >= delay_min_ms")
		}
		if a.MaxAttempts < 0 {
			c.Addf("async.max_attempts", "must be >= 0")
		}
	}

	return c.Err()
}

func validateResponse(c *validation.Collector, field string, r *Response) {
	if s := r.Status; s != 0 && (s < 100 || s > 599) {
		c.Addf(field+".status", "must be within [100, 599]")
	}
	if r.Body != "" && r.BodyFile != "" {
		c.Addf(field+".body_file", "cannot be combined with body")
	}
}

func (r *Response) isZero() bool {
	return r.Status == 0 && len(r.Headers) == 0 && r.Body == "" && r.BodyFile == "" &&
		r.ContentType == "" && r.Engine == ""
}
