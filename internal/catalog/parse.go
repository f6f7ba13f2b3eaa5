package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"

	"zengateway/config"
	"zengateway/internal/format"
	"zengateway/internal/money"
)

// usd is a price scalar kept as its literal text so it can be parsed
// exactly. Both YAML numbers and quoted strings are accepted.
type usd string

func (u *usd) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: price must be a scalar", node.Line)
	}
	*u = usd(node.Value)
	return nil
}

type rawPrice struct {
	Input        usd `yaml:"input"`
	Output       usd `yaml:"output"`
	CacheRead    usd `yaml:"cache_read"`
	CacheWrite5m usd `yaml:"cache_write_5m"`
	CacheWrite1h usd `yaml:"cache_write_1h"`
}

type rawModelProvider struct {
	ID       string `yaml:"id"`
	Model    string `yaml:"model"`
	Weight   *int   `yaml:"weight"`
	Disabled bool   `yaml:"disabled"`
}

type rawModel struct {
	Cost           rawPrice           `yaml:"cost"`
	Cost200K       *rawPrice          `yaml:"cost_200k"`
	Limit          Limit              `yaml:"limit"`
	AllowAnonymous bool               `yaml:"allow_anonymous"`
	Providers      []rawModelProvider `yaml:"providers"`
}

type rawProvider struct {
	API            string            `yaml:"api"`
	APIKey         string            `yaml:"api_key"`
	Format         string            `yaml:"format"`
	HeaderMappings map[string]string `yaml:"header_mappings"`
}

type rawCatalog struct {
	Providers map[string]rawProvider `yaml:"providers"`
	Models    map[string]rawModel    `yaml:"models"`
}

// FormatSet reports which wire formats can serve a provider.
type FormatSet interface {
	Has(name format.Name) bool
}

// Parse builds a snapshot from a YAML or JSON catalog document. Provider
// API keys may reference environment variables as ${VAR} or ${VAR:-default}.
func Parse(raw []byte, formats FormatSet) (*Snapshot, error) {
	var doc rawCatalog
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	if len(doc.Models) == 0 {
		return nil, errors.New("catalog defines no models")
	}

	snap := &Snapshot{
		models:      make(map[string]*Model, len(doc.Models)),
		providers:   make(map[string]*Provider, len(doc.Providers)),
		fingerprint: Fingerprint(raw),
	}

	var errs []error
	for id, rp := range doc.Providers {
		name := format.Name(strings.TrimSpace(rp.Format))
		if name == "" {
			name = format.OpenAICompatible
		}
		if formats != nil && !formats.Has(name) {
			errs = append(errs, fmt.Errorf("provider %q: unknown format %q", id, name))
			continue
		}
		if strings.TrimSpace(rp.API) == "" {
			errs = append(errs, fmt.Errorf("provider %q: api is required", id))
			continue
		}
		snap.providers[id] = &Provider{
			ID:             id,
			API:            strings.TrimRight(rp.API, "/"),
			APIKey:         config.ExpandEnv(rp.APIKey),
			Format:         name,
			HeaderMappings: rp.HeaderMappings,
		}
	}

	for id, rm := range doc.Models {
		m, err := buildModel(id, rm, doc.Providers)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		snap.models[id] = m
		snap.order = append(snap.order, id)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	sort.Strings(snap.order)
	return snap, nil
}

func buildModel(id string, rm rawModel, providers map[string]rawProvider) (*Model, error) {
	if len(rm.Providers) == 0 {
		return nil, fmt.Errorf("model %q: no providers", id)
	}
	m := &Model{
		ID:             id,
		Limit:          rm.Limit,
		AllowAnonymous: rm.AllowAnonymous,
		Providers:      make([]ModelProvider, 0, len(rm.Providers)),
	}
	for i, p := range rm.Providers {
		if _, ok := providers[p.ID]; !ok {
			return nil, fmt.Errorf("model %q: provider %q is not defined", id, p.ID)
		}
		if p.Weight != nil && *p.Weight < 0 {
			return nil, fmt.Errorf("model %q: provider #%d has negative weight", id, i)
		}
		upstream := p.Model
		if upstream == "" {
			upstream = id
		}
		m.Providers = append(m.Providers, ModelProvider{ID: p.ID, Model: upstream, Weight: p.Weight, Disabled: p.Disabled})
	}

	cost, err := buildPrice(rm.Cost)
	if err != nil {
		return nil, fmt.Errorf("model %q cost: %w", id, err)
	}
	m.Cost = cost
	if rm.Cost200K != nil {
		tier, err := buildPrice(*rm.Cost200K)
		if err != nil {
			return nil, fmt.Errorf("model %q cost_200k: %w", id, err)
		}
		m.Cost200K = &tier
	}
	return m, nil
}

func buildPrice(rp rawPrice) (Price, error) {
	var p Price
	for _, f := range []struct {
		name string
		in   usd
		out  *Rate
	}{
		{"input", rp.Input, &p.Input},
		{"output", rp.Output, &p.Output},
		{"cache_read", rp.CacheRead, &p.CacheRead},
		{"cache_write_5m", rp.CacheWrite5m, &p.CacheWrite5m},
		{"cache_write_1h", rp.CacheWrite1h, &p.CacheWrite1h},
	} {
		v, err := money.ParseUSD(string(f.in))
		if err != nil {
			return Price{}, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.out = Rate(v)
	}
	return p, nil
}

// Fingerprint hashes a raw catalog document.
func Fingerprint(raw []byte) string {
	return strconv.FormatUint(xxhash.Sum64(raw), 16)
}
