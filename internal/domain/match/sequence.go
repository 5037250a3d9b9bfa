package match

import "sync/atomic"

// Cycle hands out positions 0..n-1 in order, one per call to Next. A looped
// cycle wraps around; an unlooped one is exhausted after n calls.
type Cycle struct {
	n      uint64
	looped bool
	next   atomic.Uint64
}

// NewCycle returns a cycle over n positions. n must be positive.
func NewCycle(n int, looped bool) *Cycle {
	return &Cycle{n: uint64(n), looped: looped}
}

// Next returns the next position, or false once an unlooped cycle is
// exhausted.
func (c *Cycle) Next() (int, bool) {
	i := c.next.Add(1) - 1
	if c.looped {
		return int(i % c.n), true
	}
	if i >= c.n {
		return 0, false
	}
	return int(i), true
}

// Reset starts the cycle over.
func (c *Cycle) Reset() {
	c.next.Store(0)
}

// Selection is what an endpoint serves for one request.
type Selection struct {
	Response CompiledResponse
	Row      map[string]any // nil without a dataset
}

// Select advances the endpoint's response and dataset cycles. It reports
// false when either sequence is exhausted; the cycles are left as they are.
func (ce *CompiledEndpoint) Select() (Selection, bool) {
	sel := Selection{Response: ce.Response}
	if ce.ResponseCycle != nil {
		i, ok := ce.ResponseCycle.Next()
		if !ok {
			return Selection{}, false
		}
		sel.Response = ce.Responses[i]
	}
	if ce.DatasetCycle != nil {
		i, ok := ce.DatasetCycle.Next()
		if !ok {
			return Selection{}, false
		}
		sel.Row = ce.Dataset[i]
	}
	return sel, true
}

// ResetSequences rewinds the response and dataset cycles.
func (ce *CompiledEndpoint) ResetSequences() {
	if ce.ResponseCycle != nil {
		ce.ResponseCycle.Reset()
	}
	if ce.DatasetCycle != nil {
		ce.DatasetCycle.Reset()
	}
}
