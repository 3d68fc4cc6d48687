package platform

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dotsetgreg/chatbridge/pkg/config"
)

// Factory builds a client for one adapter type.
type Factory func(cfg *config.Config) (Client, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register installs a factory under an adapter type. Platform files call
// this from init; duplicate registration is a programming error.
func Register(adapterType string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[adapterType]; exists {
		panic("platform: duplicate registration for " + adapterType)
	}
	registry[adapterType] = factory
}

// New builds the client selected by adapter.adapter_type.
func New(cfg *config.Config) (Client, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Adapter.AdapterType]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown adapter_type %q (have %v)", cfg.Adapter.AdapterType, Registered())
	}
	return factory(cfg)
}

// Registered lists the installed adapter types, sorted.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
