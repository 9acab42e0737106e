package hooks

import (
	"fmt"
	"slices"
	"sync"
)

// GlobalPluginFactory installs hooks shared by every node of the process.
type GlobalPluginFactory func(broker *PluginBroker) error

// NodePluginFactory installs hooks scoped to a specific node ID.
type NodePluginFactory func(nodeID int, broker *PluginBroker) error

type registryEntry[F any] struct {
	desc    PluginDescriptor
	factory F
}

// Registry keeps plugin factories that can be activated by name from the
// [node] plugins configuration.
type Registry struct {
	mu     sync.RWMutex
	broker *PluginBroker

	global map[string]registryEntry[GlobalPluginFactory]
	node   map[string]registryEntry[NodePluginFactory]
}

// NewRegistry creates an empty plugin registry bound to a broker.
func NewRegistry(broker *PluginBroker) *Registry {
	if broker == nil {
		broker = NewPluginBroker()
	}
	return &Registry{
		broker: broker,
		global: make(map[string]registryEntry[GlobalPluginFactory]),
		node:   make(map[string]registryEntry[NodePluginFactory]),
	}
}

// Broker returns the underlying broker associated with the registry.
func (r *Registry) Broker() *PluginBroker {
	if r == nil {
		return nil
	}
	return r.broker
}

// RegisterGlobal registers a global plugin factory.
func (r *Registry) RegisterGlobal(name string, desc PluginDescriptor, factory GlobalPluginFactory) error {
	if r == nil {
		return fmt.Errorf("registry is nil")
	}
	if factory == nil {
		return fmt.Errorf("plugin factory cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return register(r.global, "global", name, desc, factory)
}

// RegisterNode registers a node-scoped plugin factory.
func (r *Registry) RegisterNode(name string, desc PluginDescriptor, factory NodePluginFactory) error {
	if r == nil {
		return fmt.Errorf("registry is nil")
	}
	if factory == nil {
		return fmt.Errorf("plugin factory cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return register(r.node, "node", name, desc, factory)
}

func register[F any](into map[string]registryEntry[F], scope, name string, desc PluginDescriptor, factory F) error {
	if name == "" {
		return fmt.Errorf("plugin name cannot be empty")
	}
	if _, exists := into[name]; exists {
		return fmt.Errorf("%s plugin already registered: %s", scope, name)
	}
	into[name] = registryEntry[F]{desc: desc, factory: factory}
	return nil
}

// LoadGlobal activates the requested global plugins.
func (r *Registry) LoadGlobal(names []string) error {
	if r == nil {
		return fmt.Errorf("registry is nil")
	}
	for _, name := range names {
		r.mu.RLock()
		entry, ok := r.global[name]
		r.mu.RUnlock()
		if !ok {
			return fmt.Errorf("global plugin not found: %s", name)
		}
		if err := entry.factory(r.broker); err != nil {
			return fmt.Errorf("global plugin %s failed: %w", name, err)
		}
		r.broker.RegisterPluginMetadata(entry.desc)
	}
	return nil
}

// LoadForNode activates the requested node-scoped plugins for nodeID.
func (r *Registry) LoadForNode(nodeID int, names []string) error {
	if r == nil {
		return fmt.Errorf("registry is nil")
	}
	for _, name := range names {
		r.mu.RLock()
		entry, ok := r.node[name]
		r.mu.RUnlock()
		if !ok {
			return fmt.Errorf("node plugin not found: %s", name)
		}
		if err := entry.factory(nodeID, r.broker); err != nil {
			return fmt.Errorf("node plugin %s failed: %w", name, err)
		}
		r.broker.RegisterPluginMetadata(entry.desc)
	}
	return nil
}

// Descriptor returns metadata registered under the provided name.
func (r *Registry) Descriptor(name string) (PluginDescriptor, bool) {
	if r == nil {
		return PluginDescriptor{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, ok := r.global[name]; ok {
		return entry.desc, true
	}
	if entry, ok := r.node[name]; ok {
		return entry.desc, true
	}
	return PluginDescriptor{}, false
}

// Names returns every registered plugin name, sorted.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.global)+len(r.node))
	for name := range r.global {
		out = append(out, name)
	}
	for name := range r.node {
		if _, dup := r.global[name]; !dup {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}
