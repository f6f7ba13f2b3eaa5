package catalog

import (
	"zengateway/internal/format"
	"zengateway/internal/money"
)

// Rate is micro-cents per 1,000,000 tokens.
type Rate int64

// Price holds one pricing tier.
type Price struct {
	Input        Rate
	Output       Rate
	CacheRead    Rate
	CacheWrite5m Rate
	CacheWrite1h Rate
}

// Limit is a model's token limits. Zero means unspecified.
type Limit struct {
	Context int
	Output  int
}

// ModelProvider is one provider entry on a model.
type ModelProvider struct {
	ID string
	// Model is the upstream model name.
	Model    string
	Weight   *int
	Disabled bool
}

// EffectiveWeight treats an unset weight as 1.
func (p ModelProvider) EffectiveWeight() int {
	if p.Weight == nil {
		return 1
	}
	return *p.Weight
}

// Model is an immutable catalog entry.
type Model struct {
	ID        string
	Providers []ModelProvider
	Cost      Price
	// Cost200K replaces Cost for calls whose prompt exceeds 200,000 tokens.
	Cost200K       *Price
	Limit          Limit
	AllowAnonymous bool
}

// Provider is static upstream metadata.
type Provider struct {
	ID     string
	API    string
	APIKey string
	Format format.Name
	// HeaderMappings sets outbound header K to the caller's header V.
	HeaderMappings map[string]string
}

// Snapshot is one immutable parse of the catalog source.
type Snapshot struct {
	models      map[string]*Model
	providers   map[string]*Provider
	order       []string
	fingerprint string
}

// Model returns a model by ID.
func (s *Snapshot) Model(id string) (*Model, bool) {
	m, ok := s.models[id]
	return m, ok
}

// Provider returns a provider by ID.
func (s *Snapshot) Provider(id string) (*Provider, bool) {
	p, ok := s.providers[id]
	return p, ok
}

// Models lists models in ID order.
func (s *Snapshot) Models() []*Model {
	out := make([]*Model, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.models[id])
	}
	return out
}

// Providers lists providers in no particular order.
func (s *Snapshot) Providers() []*Provider {
	out := make([]*Provider, 0, len(s.providers))
	for _, p := range s.providers {
		out = append(out, p)
	}
	return out
}

// Fingerprint identifies the raw source the snapshot was parsed from.
func (s *Snapshot) Fingerprint() string { return s.fingerprint }

// USD renders a rate as a decimal USD-per-million string.
func (r Rate) USD() string { return money.FormatUSD(int64(r)) }
