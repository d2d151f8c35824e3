// Package bridge injects derived inputs between adjacent framework steps.
package bridge

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"journeyline/internal/domain"
	"journeyline/internal/strategic"
)

// Pair identifies the step that just finished and the step about to run.
type Pair struct {
	From string
	To   string
}

func (p Pair) String() string { return p.From + "->" + p.To }

// Transform derives new insights from a context. It must be deterministic and
// free of I/O.
type Transform func(domain.StrategicContext) domain.StrategicContext

type Table struct {
	mu      sync.RWMutex
	bridges map[Pair]Transform
}

func NewTable() *Table {
	return &Table{bridges: map[Pair]Transform{}}
}

// Register adds a bridge. Registering the same pair twice is an error.
func (t *Table) Register(from, to string, fn Transform) error {
	if from == "" || to == "" {
		return fmt.Errorf("bridge: from and to are required")
	}
	if fn == nil {
		return fmt.Errorf("bridge %s->%s: transform is nil", from, to)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p := Pair{From: from, To: to}
	if _, ok := t.bridges[p]; ok {
		return fmt.Errorf("bridge %s already registered", p)
	}
	t.bridges[p] = fn
	return nil
}

func (t *Table) MustRegister(from, to string, fn Transform) {
	if err := t.Register(from, to, fn); err != nil {
		panic(err)
	}
}

func (t *Table) Lookup(from, to string) (Transform, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn, ok := t.bridges[Pair{From: from, To: to}]
	return fn, ok
}

// Pairs lists registered pairs in a stable order.
func (t *Table) Pairs() []Pair {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Pair, 0, len(t.bridges))
	for p := range t.bridges {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Apply runs the bridge registered for from->to, if any. Insight keys written
// by frameworks are never overwritten; keys that are new or came from an
// earlier bridge are taken from its output and recorded in BridgedKeys.
// Everything else in c is returned unchanged. It reports the keys written.
func (t *Table) Apply(from, to string, c domain.StrategicContext) (domain.StrategicContext, []string) {
	fn, ok := t.Lookup(from, to)
	if !ok {
		return c, nil
	}
	derived := fn(strategic.Clone(c))
	out := strategic.Clone(c)
	var written []string
	for k, v := range derived.Insights {
		if _, exists := c.Insights[k]; exists && !slices.Contains(c.BridgedKeys, k) {
			continue
		}
		out.Insights[k] = v
		written = append(written, k)
		if !slices.Contains(out.BridgedKeys, k) {
			out.BridgedKeys = append(out.BridgedKeys, k)
		}
	}
	sort.Strings(written)
	sort.Strings(out.BridgedKeys)
	return out, written
}
