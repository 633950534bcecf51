package policy

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a policy from its options map.
type Factory func(options map[string]interface{}) (Policy, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a named policy factory. Later registrations with the same
// name win, which lets tests substitute built-ins.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New instantiates the named policy.
func New(name string, options map[string]interface{}) (Policy, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown policy %q (registered: %v)", name, Names())
	}
	return factory(options)
}

// Names lists the registered policy names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
