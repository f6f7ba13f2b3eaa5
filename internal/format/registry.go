package format

import "sort"

// Registry maps a format tag to its Adapter.
type Registry struct {
	adapters map[Name]Adapter
}

// NewRegistry builds a registry from adapters. A later adapter with the same
// name replaces an earlier one.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Name]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Lookup returns the adapter for name.
func (r *Registry) Lookup(name Name) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name Name) bool {
	_, ok := r.adapters[name]
	return ok
}

// Names lists registered formats in sorted order.
func (r *Registry) Names() []Name {
	names := make([]Name, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
