package modules

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tom-assistant/tom/internal/observability"
)

// Env carries the per-deployment wiring a module factory needs.
type Env struct {
	// Username is set for personal modules hosted per user; empty for shared
	// deployments.
	Username string

	// DataDir is the per-user data directory (<user_datadir>/<user>).
	DataDir string

	// SharedDataDir is the deployment-wide data directory.
	SharedDataDir string

	Logger *observability.Logger
}

// Factory builds a module instance for the given environment.
type Factory func(env Env) (Module, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a module factory to the static registry. Provider packages
// call this from init; duplicate names panic at startup.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("modules: duplicate registration of %q", name))
	}
	registry[name] = factory
}

// New instantiates a registered module by name.
func New(name string, env Env) (Module, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("modules: unknown module %q", name)
	}
	return factory(env)
}

// Names lists the registered module names, sorted.
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
