package match_test

import (
	"slices"
	"sync"
	"testing"

	"github.com/sophialabs/simulacra/internal/domain/match"
)

func drain(c *match.Cycle, n int) []int {
	var out []int
	for range n {
		i, ok := c.Next()
		if !ok {
			i = -1
		}
		out = append(out, i)
	}
	return out
}

func TestCycle(t *testing.T) {
	tests := []struct {
		name   string
		n      int
		looped bool
		calls  int
		want   []int
	}{
		{"looped wraps", 3, true, 7, []int{0, 1, 2, 0, 1, 2, 0}},
		{"unlooped exhausts", 2, false, 4, []int{0, 1, -1, -1}},
		{"single looped", 1, true, 3, []int{0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := drain(match.NewCycle(tt.n, tt.looped), tt.calls); !slices.Equal(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestCycle_Reset(t *testing.T) {
	c := match.NewCycle(2, false)
	drain(c, 5)
	c.Reset()
	if got := drain(c, 3); !slices.Equal(got, []int{0, 1, -1}) {
		t.Errorf("expected the cycle to start over, got %v", got)
	}
}

func TestCycle_ConcurrentCallersGetDistinctPositions(t *testing.T) {
	const n = 200
	c := match.NewCycle(n, false)

	var (
		mu   sync.Mutex
		seen = make(map[int]bool, n)
		wg   sync.WaitGroup
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			i, ok := c.Next()
			mu.Lock()
			defer mu.Unlock()
			if ok {
				seen[i] = true
			}
		}()
	}
	wg.Wait()
	if len(seen) != n {
		t.Errorf("expected %d distinct positions, got %d", n, len(seen))
	}
}

func TestCompiledEndpoint_Select(t *testing.T) {
	ce := &match.CompiledEndpoint{
		Response:      match.CompiledResponse{Status: 200},
		Responses:     []match.CompiledResponse{{Status: 201}, {Status: 202}},
		ResponseCycle: match.NewCycle(2, true),
		Dataset:       []map[string]any{{"n": 1}, {"n": 2}, {"n": 3}},
		DatasetCycle:  match.NewCycle(3, false),
	}

	var statuses []int
	var rows []any
	for range 3 {
		sel, ok := ce.Select()
		if !ok {
			t.Fatal("expected a selection")
		}
		statuses = append(statuses, sel.Response.Status)
		rows = append(rows, sel.Row["n"])
	}
	if !slices.Equal(statuses, []int{201, 202, 201}) {
		t.Errorf("unexpected statuses %v", statuses)
	}
	if !slices.Equal(rows, []any{1, 2, 3}) {
		t.Errorf("unexpected rows %v", rows)
	}

	if _, ok := ce.Select(); ok {
		t.Error("expected the dataset to be exhausted after three rows")
	}

	ce.ResetSequences()
	sel, ok := ce.Select()
	if !ok || sel.Response.Status != 201 || sel.Row["n"] != 1 {
		t.Errorf("expected the first response and row after reset, got %+v (ok=%v)", sel, ok)
	}
}

func TestCompiledEndpoint_SelectWithoutSequences(t *testing.T) {
	ce := &match.CompiledEndpoint{Response: match.CompiledResponse{Status: 204}}
	for range 3 {
		sel, ok := ce.Select()
		if !ok || sel.Response.Status != 204 || sel.Row != nil {
			t.Fatalf("unexpected selection %+v (ok=%v)", sel, ok)
		}
	}
}
