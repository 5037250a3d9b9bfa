package endpoint

import (
	"encoding/json"
	"maps"
	"net/textproto"
	"slices"
	"strings"
)

// RuleKind selects how an endpoint's path is compared against the request path.
type RuleKind string

const (
	RuleExact   RuleKind = "exact"
	RulePrefix  RuleKind = "prefix"
	RulePattern RuleKind = "pattern"
)

// PathRule is the normalized path rule of an endpoint.
type PathRule struct {
	Kind  RuleKind
	Value string
}

// AnyMethod is the normalized method of endpoints that accept every HTTP method.
const AnyMethod = "*"

// Endpoint is a stub definition matched against inbound requests.
type Endpoint struct {
	ID       string                   `json:"id" yaml:"id"`
	Name     string                   `json:"name,omitempty" yaml:"name,omitempty"`
	Method   string                   `json:"method,omitempty" yaml:"method,omitempty"`
	Path     string                   `json:"path" yaml:"path"`
	Match    RuleKind                 `json:"match,omitempty" yaml:"match,omitempty"`
	Headers  map[string]StringMatcher `json:"headers,omitempty" yaml:"headers,omitempty"`
	Query    map[string]StringMatcher `json:"query,omitempty" yaml:"query,omitempty"`
	Body     *BodyMatcher             `json:"body,omitempty" yaml:"body,omitempty"`
	Priority int                      `json:"priority" yaml:"priority,omitempty"`
	Disabled bool                     `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Tags     []string                 `json:"tags,omitempty" yaml:"tags,omitempty"`
	Response Response                 `json:"response" yaml:"response"`
	Policy   *Policy                  `json:"policy,omitempty" yaml:"policy,omitempty"`
	Async    *AsyncEffect             `json:"async,omitempty" yaml:"async,omitempty"`

	// Responses, when set, replaces Response: each match serves the next
	// entry. Dataset rows are handed out the same way and exposed to
	// templates as "data". Both loop unless their Looped flag is false, in
	// which case an exhausted endpoint answers 410 Gone.
	Responses       []Response       `json:"responses,omitempty" yaml:"responses,omitempty"`
	ResponsesLooped *bool            `json:"responses_looped,omitempty" yaml:"responses_looped,omitempty"`
	Dataset         []map[string]any `json:"dataset,omitempty" yaml:"dataset,omitempty"`
	DatasetFile     string           `json:"dataset_file,omitempty" yaml:"dataset_file,omitempty"` // JSON or YAML list, relative to the endpoint root
	DatasetLooped   *bool            `json:"dataset_looped,omitempty" yaml:"dataset_looped,omitempty"`

	// SourceFile and SourceIndex locate the endpoint in a YAML repository.
	// SourceIndex is -1 for single-document files.
	SourceFile  string `json:"-" yaml:"-"`
	SourceIndex int    `json:"-" yaml:"-"`
}

// BodyMatcher holds conditions on the request body.
//
// Without a content type, conditions match against the raw body. With "json"
// or "xml", each condition's extractor is a JSONPath or XPath expression.
// Schema, when set, is a JSON Schema document the body must satisfy.
type BodyMatcher struct {
	ContentType string          `json:"content_type,omitempty" yaml:"content_type,omitempty"`
	Conditions  []BodyCondition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Any         []BodyMatcher   `json:"any,omitempty" yaml:"any,omitempty"`
	Not         *BodyMatcher    `json:"not,omitempty" yaml:"not,omitempty"`
	Schema      any             `json:"schema,omitempty" yaml:"schema,omitempty"`
}

// BodyCondition extracts a value from the body and matches it.
type BodyCondition struct {
	Extractor string        `json:"extractor,omitempty" yaml:"extractor,omitempty"`
	Matcher   StringMatcher `json:"matcher" yaml:"matcher"`
}

// StringMatcher is an exact comparison or a regular expression.
// In text form a leading "=" marks an exact value; anything else is a regex.
type StringMatcher struct {
	Exact   string
	Pattern string
}

// IsExact reports whether the matcher compares literally.
func (m StringMatcher) IsExact() bool {
	return m.Exact != ""
}

// Value returns the literal or the pattern.
func (m StringMatcher) Value() string {
	if m.Exact != "" {
		return m.Exact
	}
	return m.Pattern
}

// ParseStringMatcher converts the "=literal" / "regex" text form.
func ParseStringMatcher(raw string) StringMatcher {
	if strings.HasPrefix(raw, "=") {
		return StringMatcher{Exact: raw[1:]}
	}
	return StringMatcher{Pattern: raw}
}

func (m StringMatcher) String() string {
	if m.IsExact() {
		return "=" + m.Exact
	}
	return m.Pattern
}

func (m StringMatcher) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *StringMatcher) UnmarshalText(b []byte) error {
	*m = ParseStringMatcher(string(b))
	return nil
}

// Response is the template the matcher renders for a matched request.
type Response struct {
	Status      int               `json:"status,omitempty" yaml:"status,omitempty"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body        string            `json:"body,omitempty" yaml:"body,omitempty"`
	BodyFile    string            `json:"body_file,omitempty" yaml:"body_file,omitempty"` // relative to the endpoint root
	ContentType string            `json:"content_type,omitempty" yaml:"content_type,omitempty"`
	Engine      string            `json:"engine,omitempty" yaml:"engine,omitempty"` // "" = placeholder, "expr", "jinja2"
}

// Policy holds per-endpoint traffic shaping.
type Policy struct {
	RateLimit *RateLimit `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	Latency   *Latency   `json:"latency,omitempty" yaml:"latency,omitempty"`
}

// RateLimit configures token-bucket rate limiting. Key is "" (per endpoint),
// "ip", or "header:<Name>".
type RateLimit struct {
	Rate  float64 `json:"rate" yaml:"rate"`
	Burst int     `json:"burst" yaml:"burst"`
	Key   string  `json:"key,omitempty" yaml:"key,omitempty"`
}

// Latency adds a fixed delay plus random jitter to this endpoint's responses.
type Latency struct {
	FixedMs  int `json:"fixed_ms,omitempty" yaml:"fixed_ms,omitempty"`
	JitterMs int `json:"jitter_ms,omitempty" yaml:"jitter_ms,omitempty"`
}

// AsyncEffect is a delayed outbound callback fired after a match.
// MaxAttempts of 0 defers to the runtime configuration.
type AsyncEffect struct {
	Target      string            `json:"target" yaml:"target"`
	Method      string            `json:"method,omitempty" yaml:"method,omitempty"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body        string            `json:"body,omitempty" yaml:"body,omitempty"`
	DelayMinMs  int               `json:"delay_min_ms,omitempty" yaml:"delay_min_ms,omitempty"`
	DelayMaxMs  int               `json:"delay_max_ms,omitempty" yaml:"delay_max_ms,omitempty"`
	MaxAttempts int               `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
}

// RuleKind returns the explicit match kind, or infers one from the path:
// paths with placeholders are patterns, everything else is exact.
func (e *Endpoint) RuleKind() RuleKind {
	if e.Match != "" {
		return e.Match
	}
	if strings.Contains(e.Path, "{") {
		return RulePattern
	}
	return RuleExact
}

// Rule returns the endpoint's path rule with its kind resolved.
func (e *Endpoint) Rule() PathRule {
	return PathRule{Kind: e.RuleKind(), Value: e.Path}
}

// MethodKey returns the normalized method used for registry grouping.
func (e *Endpoint) MethodKey() string {
	m := strings.ToUpper(strings.TrimSpace(e.Method))
	if m == "" || m == "ANY" {
		return AnyMethod
	}
	return m
}

// Looped reports whether a sequence flag allows wrapping around. Unset means
// looped.
func Looped(flag *bool) bool {
	return flag == nil || *flag
}

// HasTag reports whether the endpoint carries tag.
func (e *Endpoint) HasTag(tag string) bool {
	return slices.Contains(e.Tags, tag)
}

// MatcherFingerprint returns a canonical encoding of the header, query and
// body matchers. Header names are case-insensitive, so they are canonicalized
// first. Two endpoints with equal fingerprints accept the same requests on a
// given path.
func (e *Endpoint) MatcherFingerprint() string {
	headers := make(map[string]string, len(e.Headers))
	for name, m := range e.Headers {
		headers[textproto.CanonicalMIMEHeaderKey(name)] = m.String()
	}
	query := make(map[string]string, len(e.Query))
	for name, m := range e.Query {
		query[name] = m.String()
	}
	// Map keys are sorted by encoding/json.
	data, err := json.Marshal(struct {
		Headers map[string]string `json:"h,omitempty"`
		Query   map[string]string `json:"q,omitempty"`
		Body    *BodyMatcher      `json:"b,omitempty"`
	}{headers, query, e.Body})
	if err != nil {
		// Unencodable schemas never compare equal to anything else.
		return "!" + e.ID
	}
	return string(data)
}

// Clone returns a deep copy so registry snapshots never share mutable maps
// with callers.
func (e *Endpoint) Clone() *Endpoint {
	if e == nil {
		return nil
	}
	c := *e
	c.Headers = maps.Clone(e.Headers)
	c.Query = maps.Clone(e.Query)
	c.Tags = slices.Clone(e.Tags)
	c.Body = e.Body.clone()
	c.Response.Headers = maps.Clone(e.Response.Headers)
	if e.Policy != nil {
		p := Policy{}
		if e.Policy.RateLimit != nil {
			rl := *e.Policy.RateLimit
			p.RateLimit = &rl
		}
		if e.Policy.Latency != nil {
			lat := *e.Policy.Latency
			p.Latency = &lat
		}
		c.Policy = &p
	}
	if e.Async != nil {
		a := *e.Async
		a.Headers = maps.Clone(e.Async.Headers)
		c.Async = &a
	}
	if e.Responses != nil {
		c.Responses = make([]Response, len(e.Responses))
		for i, r := range e.Responses {
			r.Headers = maps.Clone(r.Headers)
			c.Responses[i] = r
		}
	}
	if e.Dataset != nil {
		c.Dataset = make([]map[string]any, len(e.Dataset))
		for i, row := range e.Dataset {
			c.Dataset[i] = maps.Clone(row)
		}
	}
	c.ResponsesLooped = cloneFlag(e.ResponsesLooped)
	c.DatasetLooped = cloneFlag(e.DatasetLooped)
	return &c
}

func cloneFlag(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}

func (b *BodyMatcher) clone() *BodyMatcher {
	if b == nil {
		return nil
	}
	c := *b
	c.Conditions = slices.Clone(b.Conditions)
	if b.Any != nil {
		c.Any = make([]BodyMatcher, len(b.Any))
		for i := range b.Any {
			c.Any[i] = *b.Any[i].clone()
		}
	}
	c.Not = b.Not.clone()
	return &c
}
