package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/sophialabs/simulacra/internal/domain/endpoint"
	"github.com/sophialabs/simulacra/internal/domain/match"
	"github.com/sophialabs/simulacra/internal/domain/registry"
	"github.com/sophialabs/simulacra/internal/domain/validation"
)

// TemplateRegistry compiles template sources into body renderers by engine name.
type TemplateRegistry interface {
	Compile(engine, name, source string) (match.BodyRenderer, error)
}

var _ registry.Compiler = (*Compiler)(nil)

// Compiler transforms endpoint definitions into compiled endpoints with predicates.
type Compiler struct {
	rootDir   string
	templates TemplateRegistry // nil means bodies are served verbatim
}

// NewCompiler creates a Compiler bound to rootDir for body_file resolution.
// templates may be nil, in which case every body is static and endpoints
// naming an engine fail to compile.
func NewCompiler(rootDir string, templates TemplateRegistry) (*Compiler, error) {
	absRoot, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root directory: %w", err)
	}
	return &Compiler{rootDir: absRoot, templates: templates}, nil
}

// Compile turns an Endpoint into a CompiledEndpoint. Every problem found is
// reported in a single validation error.
func (c *Compiler) Compile(e *endpoint.Endpoint) (*match.CompiledEndpoint, error) {
	vc := validation.NewCollector("endpoint")

	rule, err := match.CompileRule(e.Rule())
	vc.Merge("path", err)

	var predicates []match.FieldPredicate
	predicates = append(predicates, compileMatchers("headers", "header:", e.Headers, http.CanonicalHeaderKey, vc)...)
	predicates = append(predicates, compileMatchers("query", "query:", e.Query, nil, vc)...)
	if e.Body != nil {
		bodyPreds, err := compileBody(e.Body)
		if err != nil {
			vc.Merge("body", err)
		}
		predicates = append(predicates, bodyPreds...)
	}

	engine := e.Response.Engine
	var (
		resp      match.CompiledResponse
		responses []match.CompiledResponse
	)
	if len(e.Responses) > 0 {
		engine = e.Responses[0].Engine
		for i := range e.Responses {
			r, err := c.compileResponse(&e.Responses[i])
			vc.Merge(fmt.Sprintf("responses[%d]", i), err)
			responses = append(responses, r)
		}
		resp = responses[0]
	} else {
		resp, err = c.compileResponse(&e.Response)
		vc.Merge("response", err)
	}

	dataset := e.Dataset
	if e.DatasetFile != "" {
		dataset, err = c.loadDataset(e.DatasetFile)
		vc.Merge("dataset_file", err)
	}

	var async *match.CompiledAsync
	if e.Async != nil {
		async, err = c.compileAsync(e.Async, engine)
		vc.Merge("async", err)
	}

	if err := vc.Err(); err != nil {
		return nil, err
	}

	ce := &match.CompiledEndpoint{
		ID:          e.ID,
		Name:        e.Name,
		Method:      e.MethodKey(),
		Priority:    e.Priority,
		Disabled:    e.Disabled,
		Tags:        e.Tags,
		Rule:        rule,
		Predicates:  predicates,
		Fingerprint: e.MatcherFingerprint(),
		Response:    resp,
		Policy:      compilePolicy(e.Policy),
		Async:       async,
	}
	if len(responses) > 0 {
		ce.Responses = responses
		ce.ResponseCycle = match.NewCycle(len(responses), endpoint.Looped(e.ResponsesLooped))
	}
	if len(dataset) > 0 {
		ce.Dataset = dataset
		ce.DatasetCycle = match.NewCycle(len(dataset), endpoint.Looped(e.DatasetLooped))
	}
	return ce, nil
}

// loadDataset reads a JSON or YAML list of rows from path under the root.
func (c *Compiler) loadDataset(path string) ([]map[string]any, error) {
	resolved, err := c.resolveBodyFilePath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset %q: %w", path, err)
	}
	var rows []map[string]any
	if err := yaml.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse dataset %q: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("dataset %q has no rows", path)
	}
	return rows, nil
}

// compileMatchers builds one predicate per named matcher, sorted by the
// canonical field name so evaluation order is stable.
func compileMatchers(group, fieldPrefix string, matchers map[string]endpoint.StringMatcher, canon func(string) string, vc *validation.Collector) []match.FieldPredicate {
	byKey := make(map[string]string, len(matchers))
	for name := range matchers {
		key := name
		if canon != nil {
			key = canon(name)
		}
		if other, dup := byKey[key]; dup {
			first, second := min(name, other), max(name, other)
			vc.Addf(group+"."+second, "duplicates %q", first)
			if second == name {
				continue
			}
		}
		byKey[key] = name
	}
	keys := make([]string, 0, len(byKey))
	for key := range byKey {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	predicates := make([]match.FieldPredicate, 0, len(keys))
	for _, key := range keys {
		name := byKey[key]
		p, err := compileStringMatcher(matchers[name])
		if err != nil {
			vc.Addf(group+"."+name, "%v", err)
			continue
		}
		predicates = append(predicates, match.FieldPredicate{Field: fieldPrefix + key, Predicate: p})
	}
	return predicates
}

func compileBody(bm *endpoint.BodyMatcher) ([]match.FieldPredicate, error) {
	vc := validation.NewCollector("body")
	var predicates []match.FieldPredicate

	for i, cond := range bm.Conditions {
		p, err := compileBodyCondition(cond, bm.ContentType)
		if err != nil {
			vc.Addf(fmt.Sprintf("conditions[%d]", i), "%v", err)
			continue
		}
		predicates = append(predicates, p)
	}

	if bm.Schema != nil {
		p, err := schemaPredicate(bm.Schema)
		if err != nil {
			vc.Addf("schema", "%v", err)
		} else {
			predicates = append(predicates, match.FieldPredicate{Field: "body:schema", Predicate: p})
		}
	}

	if len(bm.Any) > 0 {
		branches := make([]match.Predicate, 0, len(bm.Any))
		for i := range bm.Any {
			child, err := compileBody(&bm.Any[i])
			if err != nil {
				vc.Merge(fmt.Sprintf("any[%d]", i), err)
				continue
			}
			branches = append(branches, all(child))
		}
		predicates = append(predicates, match.FieldPredicate{Field: "body:any", Predicate: match.Or(branches...)})
	}

	if bm.Not != nil {
		child, err := compileBody(bm.Not)
		if err != nil {
			vc.Merge("not", err)
		} else if len(child) > 0 {
			predicates = append(predicates, match.FieldPredicate{Field: "body:not", Predicate: match.Not(all(child))})
		}
	}

	return predicates, vc.Err()
}

func all(fps []match.FieldPredicate) match.Predicate {
	ps := make([]match.Predicate, 0, len(fps))
	for _, fp := range fps {
		ps = append(ps, fp.Predicate)
	}
	return match.And(ps...)
}

func compileBodyCondition(cond endpoint.BodyCondition, contentType string) (match.FieldPredicate, error) {
	matcher, err := compileStringMatcher(cond.Matcher)
	if err != nil {
		return match.FieldPredicate{}, err
	}

	var extract func(string, match.Predicate) (match.Predicate, error)
	switch strings.ToLower(contentType) {
	case "json":
		extract = jsonPathPredicate
	case "xml":
		extract = xpathPredicate
	case "":
		return match.FieldPredicate{Field: "body", Predicate: matcher}, nil
	default:
		return match.FieldPredicate{}, fmt.Errorf("unsupported content_type %q (want json or xml)", contentType)
	}
	if cond.Extractor == "" {
		return match.FieldPredicate{}, fmt.Errorf("%s condition requires an extractor", strings.ToLower(contentType))
	}
	p, err := extract(cond.Extractor, matcher)
	if err != nil {
		return match.FieldPredicate{}, err
	}
	return match.FieldPredicate{Field: "body:" + cond.Extractor, Predicate: p}, nil
}

func compileStringMatcher(m endpoint.StringMatcher) (match.Predicate, error) {
	if m.IsExact() {
		return exactPredicate(m.Exact), nil
	}
	if m.Pattern == "" {
		return match.Always(), nil
	}
	return regexPredicate(m.Pattern)
}

func exactPredicate(expected string) match.Predicate {
	return func(s string) bool {
		return s == expected
	}
}

func regexPredicate(pattern string) (match.Predicate, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern %q: %w", pattern, err)
	}
	return re.MatchString, nil
}

// jsonPathPredicate extracts a value via JSONPath and matches its text form.
func jsonPathPredicate(expr string, valueMatcher match.Predicate) (match.Predicate, error) {
	eval, err := jsonpath.New(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid JSONPath %q: %w", expr, err)
	}
	return func(body string) bool {
		var data any
		if err := json.Unmarshal([]byte(body), &data); err != nil {
			return false
		}
		result, err := eval(context.Background(), data)
		if err != nil {
			return false
		}
		return valueMatcher(fmt.Sprintf("%v", result))
	}, nil
}

// xpathPredicate extracts a node via XPath and matches its inner text.
func xpathPredicate(expr string, valueMatcher match.Predicate) (match.Predicate, error) {
	compiled, err := xpath.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid XPath %q: %w", expr, err)
	}
	return func(body string) bool {
		doc, err := xmlquery.Parse(strings.NewReader(body))
		if err != nil {
			return false
		}
		node := xmlquery.QuerySelector(doc, compiled)
		if node == nil {
			return false
		}
		return valueMatcher(node.InnerText())
	}, nil
}

// schemaPredicate accepts bodies that parse as JSON and satisfy schema.
func schemaPredicate(schema any) (match.Predicate, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	jc := jsonschema.NewCompiler()
	jc.Draft = jsonschema.Draft2020
	if err := jc.AddResource("body.schema.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	compiled, err := jc.Compile("body.schema.json")
	if err != nil {
		return nil, fmt.Errorf("invalid JSON schema: %w", err)
	}
	return func(body string) bool {
		dec := json.NewDecoder(strings.NewReader(body))
		dec.UseNumber()
		var data any
		if err := dec.Decode(&data); err != nil {
			return false
		}
		return compiled.Validate(data) == nil
	}, nil
}

func (c *Compiler) compileResponse(r *endpoint.Response) (match.CompiledResponse, error) {
	resp := match.CompiledResponse{
		Status:      r.Status,
		Headers:     r.Headers,
		ContentType: r.ContentType,
	}
	if resp.Status == 0 {
		resp.Status = http.StatusOK
	}
	if resp.ContentType == "" {
		for k, v := range r.Headers {
			if strings.EqualFold(k, "Content-Type") {
				resp.ContentType = v
			}
		}
	}

	source := r.Body
	name := "inline"
	if r.BodyFile != "" {
		resolved, err := c.resolveBodyFilePath(r.BodyFile)
		if err != nil {
			return resp, err
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return resp, fmt.Errorf("failed to read body_file %q: %w", r.BodyFile, err)
		}
		source = string(data)
		name = r.BodyFile
	}

	renderer, err := c.compileTemplate(r.Engine, name, source)
	if err != nil {
		return resp, err
	}
	if renderer != nil {
		resp.Renderer = renderer
	} else {
		resp.Body = []byte(source)
	}
	if resp.ContentType == "" && source != "" {
		resp.ContentType = InferContentType("", r.BodyFile, []byte(source))
	}
	return resp, nil
}

// compileTemplate returns nil when the body should be served verbatim.
func (c *Compiler) compileTemplate(engine, name, source string) (match.BodyRenderer, error) {
	if c.templates == nil {
		if engine != "" {
			return nil, fmt.Errorf("template engine %q requested but no registry configured", engine)
		}
		return nil, nil
	}
	renderer, err := c.templates.Compile(engine, name, source)
	if err != nil {
		return nil, fmt.Errorf("failed to compile template (engine=%s): %w", engine, err)
	}
	return renderer, nil
}

func (c *Compiler) compileAsync(a *endpoint.AsyncEffect, engine string) (*match.CompiledAsync, error) {
	method := strings.ToUpper(a.Method)
	if method == "" {
		method = http.MethodPost
	}
	ca := &match.CompiledAsync{
		Target:      a.Target,
		Method:      method,
		Headers:     a.Headers,
		DelayMin:    time.Duration(a.DelayMinMs) * time.Millisecond,
		DelayMax:    time.Duration(a.DelayMaxMs) * time.Millisecond,
		MaxAttempts: a.MaxAttempts,
	}
	renderer, err := c.compileTemplate(engine, "async", a.Body)
	if err != nil {
		return nil, err
	}
	if renderer != nil {
		ca.Renderer = renderer
	} else {
		ca.Body = []byte(a.Body)
	}
	return ca, nil
}

// resolveBodyFilePath resolves and validates body_file and dataset_file paths
// to prevent directory traversal.
func (c *Compiler) resolveBodyFilePath(path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}

	resolved := filepath.Join(c.rootDir, path)

	realPath, err := filepath.EvalSymlinks(resolved)
	if err != nil {
		realPath = filepath.Clean(resolved)
	}
	absRoot, err := filepath.EvalSymlinks(c.rootDir)
	if err != nil {
		absRoot = c.rootDir
	}

	if realPath != absRoot && !strings.HasPrefix(realPath, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes root directory", path)
	}
	return resolved, nil
}

func compilePolicy(p *endpoint.Policy) *match.CompiledPolicy {
	if p == nil || (p.RateLimit == nil && p.Latency == nil) {
		return nil
	}
	cp := &match.CompiledPolicy{}
	if p.RateLimit != nil {
		cp.RateLimit = &match.CompiledRateLimit{
			Rate:  p.RateLimit.Rate,
			Burst: p.RateLimit.Burst,
			Key:   p.RateLimit.Key,
		}
	}
	if p.Latency != nil {
		cp.Latency = &match.CompiledLatency{
			Fixed:  time.Duration(p.Latency.FixedMs) * time.Millisecond,
			Jitter: time.Duration(p.Latency.JitterMs) * time.Millisecond,
		}
	}
	return cp
}
