// Package framework resolves framework names to the executor that runs them
// and the merger that folds their output into the strategic context.
package framework

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"journeyline/internal/domain"
	"journeyline/internal/strategic"
)

// Executor runs one framework against the current context. It owns its
// own timeout.
type Executor interface {
	Execute(ctx context.Context, name string, c domain.StrategicContext) (map[string]any, error)
}

type ExecutorFunc func(ctx context.Context, name string, c domain.StrategicContext) (map[string]any, error)

func (f ExecutorFunc) Execute(ctx context.Context, name string, c domain.StrategicContext) (map[string]any, error) {
	return f(ctx, name, c)
}

type Entry struct {
	Executor Executor
	Merger   strategic.Merger
}

var ErrUnknownFramework = errors.New("unknown framework")

// Known lists the frameworks with a built-in insight layout.
var Known = []string{"five_whys", "bmc", "porters", "pestle", "swot", "ansoff", "blue_ocean"}

type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]Entry{}}
}

// NewDefaultRegistry registers every Known framework against exec with its
// default merger.
func NewDefaultRegistry(exec Executor) *Registry {
	r := NewRegistry()
	mergers := strategic.DefaultMergers()
	for _, name := range Known {
		m, _ := mergers.Merger(name)
		r.MustRegister(name, Entry{Executor: exec, Merger: m})
	}
	return r
}

// Register installs a framework. A nil merger falls back to name+"_data".
func (r *Registry) Register(name string, e Entry) error {
	if name == "" {
		return fmt.Errorf("framework: name is required")
	}
	if e.Executor == nil {
		return fmt.Errorf("framework: executor is required for %s", name)
	}
	if e.Merger == nil {
		e.Merger = strategic.Fallback(name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("framework: %s already registered", name)
	}
	r.entries[name] = e
	return nil
}

func (r *Registry) MustRegister(name string, e Entry) {
	if err := r.Register(name, e); err != nil {
		panic(err)
	}
}

func (r *Registry) Resolve(name string) (Entry, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownFramework, name)
	}
	return e, nil
}

// Merger makes the registry usable as the accumulator's merger source.
func (r *Registry) Merger(name string) (strategic.Merger, bool) {
	e, err := r.Resolve(name)
	if err != nil {
		return nil, false
	}
	return e.Merger, true
}

// Names returns registered framework names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
