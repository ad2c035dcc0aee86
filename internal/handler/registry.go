// Package handler maps protocol names from site configuration to listing
// handler implementations.
package handler

import (
	"fmt"
	"sort"

	"github.com/arachne-project/arachne/internal/crawler"
)

// Registry resolves the handler name in a site policy to an implementation.
type Registry struct {
	byName map[string]crawler.Handler
}

// NewRegistry builds an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]crawler.Handler)}
}

// Register adds a handler under a protocol name. Registering the same name
// twice is a programming error and panics.
func (r *Registry) Register(name string, h crawler.Handler) {
	if _, dup := r.byName[name]; dup {
		panic(fmt.Sprintf("handler %q registered twice", name))
	}
	r.byName[name] = h
}

// Resolve returns the handler for the given protocol name.
func (r *Registry) Resolve(name string) (crawler.Handler, error) {
	h, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown handler %q (registered: %v)", name, r.Names())
	}
	return h, nil
}

// Names returns the registered protocol names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
