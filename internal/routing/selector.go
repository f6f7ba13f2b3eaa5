// Package routing picks the upstream provider for a model.
package routing

import (
	"fmt"
	"unicode/utf8"

	"zengateway/internal/catalog"
	"zengateway/internal/core"
	"zengateway/internal/format"
)

// Selection is the provider chosen for one call, merged with its static
// metadata and wire-format adapter.
type Selection struct {
	ProviderID    string
	UpstreamModel string
	Provider      catalog.Provider
	Adapter       format.Adapter
}

// Providers resolves provider metadata by ID.
type Providers interface {
	Provider(id string) (*catalog.Provider, bool)
}

// Selector chooses among a model's enabled providers.
type Selector struct {
	providers Providers
	formats   *format.Registry
}

// NewSelector returns a selector backed by the given catalog and formats.
func NewSelector(providers Providers, formats *format.Registry) *Selector {
	return &Selector{providers: providers, formats: formats}
}

// Select picks a provider for model. The choice is a pure function of the
// model's provider list and the caller IP: enabled entries are repeated by
// weight and indexed by the code point of the IP's last character. The same
// trailing character always lands on the same slot; it is sticky, not a
// fair weighted draw.
func (s *Selector) Select(model *catalog.Model, ip string) (*Selection, error) {
	entry, ok := Pick(model.Providers, ip)
	if !ok {
		return nil, core.NewModelError("No provider available")
	}
	p, ok := s.providers.Provider(entry.ID)
	if !ok {
		return nil, core.NewModelError("No provider available")
	}
	adapter, ok := s.formats.Lookup(p.Format)
	if !ok {
		return nil, fmt.Errorf("provider %q uses unregistered format %q", p.ID, p.Format)
	}
	return &Selection{
		ProviderID:    entry.ID,
		UpstreamModel: entry.Model,
		Provider:      *p,
		Adapter:       adapter,
	}, nil
}

// Pick applies the weighted sticky rule to a provider list.
func Pick(entries []catalog.ModelProvider, ip string) (catalog.ModelProvider, bool) {
	var virtual []int
	for i, e := range entries {
		if e.Disabled {
			continue
		}
		for w := e.EffectiveWeight(); w > 0; w-- {
			virtual = append(virtual, i)
		}
	}
	if len(virtual) == 0 {
		return catalog.ModelProvider{}, false
	}
	return entries[virtual[ipIndex(ip)%len(virtual)]], true
}

func ipIndex(ip string) int {
	if ip == "" {
		return 0
	}
	r, _ := utf8.DecodeLastRuneInString(ip)
	if r == utf8.RuneError {
		return 0
	}
	return int(r)
}
