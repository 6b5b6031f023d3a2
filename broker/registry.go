package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowmill/flowmill/internal/router/config"
)

// Builder creates the consumers for every queue a broker config names.
type Builder func(ctx context.Context, cfg *config.Config) ([]Consumer, error)

// Registry maps broker kind names to builders. Adapter packages register
// themselves in init.
type Registry struct {
	mu           sync.RWMutex
	builders     map[string]Builder
	capabilities map[string]Capabilities
}

// DefaultRegistry is the global broker registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		builders:     make(map[string]Builder),
		capabilities: make(map[string]Capabilities),
	}
}

// Register adds a builder under a broker kind name (e.g. "sqs").
func (r *Registry) Register(name string, builder Builder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builder
	r.capabilities[name] = caps
}

// Build creates the consumers for the config's broker kind.
func (r *Registry) Build(ctx context.Context, cfg *config.Config) ([]Consumer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	name := cfg.Broker.Kind

	r.mu.RLock()
	builder, ok := r.builders[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown broker: %q (registered: %v)", name, r.Names())
	}
	return builder(ctx, cfg)
}

// GetCapabilities returns the capabilities registered for a broker kind.
// Unknown kinds get a zero Capabilities carrying only the name.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if caps, ok := r.capabilities[name]; ok {
		return caps
	}
	return Capabilities{Name: name}
}

// Names lists the registered broker kinds.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	return names
}

// Has reports whether a broker kind is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[name]
	return ok
}

// Register adds a builder to the default registry.
func Register(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.Register(name, builder, caps)
}

// Build creates consumers using the default registry.
func Build(ctx context.Context, cfg *config.Config) ([]Consumer, error) {
	return DefaultRegistry.Build(ctx, cfg)
}

// GetCapabilities reads capabilities from the default registry.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}
