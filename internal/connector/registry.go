package connector

import (
	"fmt"
	"sort"
)

// Registry maps providers to their connector implementations. Adding a
// provider is one Register call at process wiring plus the new package;
// call sites are untouched.
type Registry struct {
	connectors map[Provider]Connector
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[Provider]Connector)}
}

// Register installs c for its provider. Registering the same provider twice
// is a wiring bug and panics at startup rather than misrouting syncs later.
func (r *Registry) Register(c Connector) {
	p := c.Provider()
	if _, dup := r.connectors[p]; dup {
		panic(fmt.Sprintf("connector: provider %q registered twice", p))
	}
	r.connectors[p] = c
}

// ForProvider resolves the connector for p.
func (r *Registry) ForProvider(p Provider) (Connector, error) {
	c, ok := r.connectors[p]
	if !ok {
		return nil, fmt.Errorf("connector: no connector registered for provider %q", p)
	}
	return c, nil
}

// Providers lists registered providers in stable order.
func (r *Registry) Providers() []Provider {
	out := make([]Provider, 0, len(r.connectors))
	for p := range r.connectors {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
