package template

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/google/uuid"

	"github.com/sophialabs/simulacra/internal/domain/match"
)

// helpers builds the variables and functions shared by the expr and jinja2
// engines. Both engines see the same names.
func helpers(ctx match.RenderContext) map[string]any {
	return map[string]any{
		"method":      ctx.Method,
		"path":        ctx.Path,
		"headers":     ctx.Headers,
		"queryParams": ctx.QueryParams,
		"pathParams":  ctx.PathParams,
		"now":         ctx.Now,
		"body":        string(ctx.Body),
		"data":        ctx.Data,

		"pathParam":  func(name string) string { return ctx.PathParams[name] },
		"queryParam": func(name string) string { return ctx.QueryParams[name] },
		"header":     func(name string) string { return lookupHeader(ctx.Headers, name) },
		"nowFormat":  func(layout string) string { return formatNow(ctx.Now, layout) },
		"uuid":       uuid.NewString,
		"randomInt":  randomInt,
		"seq":        seqInts,
		"toJSON":     toJSONString,
		"jsonPath":   func(expression string) string { return extractJSONPath(ctx.Body, expression) },
	}
}

func lookupHeader(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func formatNow(now, layout string) string {
	t, err := time.Parse(time.RFC3339, now)
	if err != nil {
		return now
	}
	return t.Format(layout)
}

func randomInt(lo, hi int) int {
	if lo >= hi {
		return lo
	}
	return lo + rand.IntN(hi-lo+1)
}

func seqInts(start, end int) []int {
	if end < start {
		return nil
	}
	s := make([]int, 0, end-start+1)
	for i := start; i <= end; i++ {
		s = append(s, i)
	}
	return s
}

func toJSONString(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func extractJSONPath(body []byte, expression string) string {
	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return ""
	}
	result, err := jsonpath.Get(expression, data)
	if err != nil {
		return ""
	}
	if s, ok := result.(string); ok {
		return s
	}
	return toJSONString(result)
}
