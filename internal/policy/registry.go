package policy

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a stage instance from its configured name and params.
type Factory func(name string, params map[string]interface{}, deps Deps) (Stage, error)

var (
	factories   = make(map[string]Factory)
	factoriesMu sync.RWMutex
)

// Register registers a stage factory for a policy kind. It is called
// from init() in the stage implementation packages; registering the same
// kind twice panics, which surfaces wiring mistakes at startup.
func Register(kind string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := factories[kind]; dup {
		panic(fmt.Sprintf("policy: duplicate registration for kind %q", kind))
	}
	factories[kind] = factory
}

// New builds a stage of the given kind.
func New(kind, name string, params map[string]interface{}, deps Deps) (Stage, error) {
	factoriesMu.RLock()
	factory, ok := factories[kind]
	factoriesMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown policy kind: %s", kind)
	}
	return factory(name, params, deps)
}

// RegisteredKinds returns the registered policy kinds, sorted.
func RegisteredKinds() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
