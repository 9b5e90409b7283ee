// Package registry provides the typed (kind, name) → factory registry used
// for scorers, scanners, and providers. Creation parameters are persisted
// next to each created object so logs can name exactly what produced them.
package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Kind namespaces registered factories.
type Kind string

const (
	KindScorer   Kind = "scorer"
	KindScanner  Kind = "scanner"
	KindProvider Kind = "provider"
	KindSolver   Kind = "solver"
)

// Params is the free-form creation parameter bag passed to a factory and
// persisted for round-tripping.
type Params map[string]any

// Factory creates one instance from params.
type Factory func(params Params) (any, error)

// Entry pairs a created object with the registration that produced it.
type Entry struct {
	Kind   Kind   `json:"kind"`
	Name   string `json:"name"`
	Params Params `json:"params,omitempty"`
}

type key struct {
	kind Kind
	name string
}

var (
	mu        sync.RWMutex
	factories = map[key]Factory{}
)

// Register installs a factory under (kind, name). Re-registration replaces
// the previous factory.
func Register(kind Kind, name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[key{kind, name}] = f
}

// Create instantiates (kind, name) with params.
func Create(kind Kind, name string, params Params) (any, Entry, error) {
	mu.RLock()
	f, ok := factories[key{kind, name}]
	mu.RUnlock()
	if !ok {
		return nil, Entry{}, fmt.Errorf("no %s registered under %q", kind, name)
	}
	obj, err := f(params)
	if err != nil {
		return nil, Entry{}, fmt.Errorf("failed to create %s %q: %w", kind, name, err)
	}
	return obj, Entry{Kind: kind, Name: name, Params: params}, nil
}

// Names lists registered names for a kind, sorted.
func Names(kind Kind) []string {
	mu.RLock()
	defer mu.RUnlock()
	var out []string
	for k := range factories {
		if k.kind == kind {
			out = append(out, k.name)
		}
	}
	sort.Strings(out)
	return out
}

// Reset drops all registrations. Test hook.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	factories = map[key]Factory{}
}
