package wire

import (
	"fmt"
	"sort"
	"sync"
)

// Factory creates a new Adapter instance.
type Factory func() Adapter

var (
	factories   = make(map[string]Factory)
	factoriesMu sync.RWMutex
)

// Register registers an adapter factory under its protocol name. It is
// called from init() in the adapter implementation packages.
func Register(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := factories[name]; dup {
		panic(fmt.Sprintf("wire: duplicate registration for adapter %q", name))
	}
	factories[name] = factory
}

// New creates an Adapter for the given protocol name.
func New(name string) (Adapter, error) {
	factoriesMu.RLock()
	factory, ok := factories[name]
	factoriesMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown wire adapter: %s", name)
	}
	return factory(), nil
}

// Registered returns the registered adapter names, sorted.
func Registered() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
