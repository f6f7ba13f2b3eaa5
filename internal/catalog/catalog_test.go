package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zengateway/internal/cache"
	"zengateway/internal/core"
	"zengateway/internal/format"
	"zengateway/internal/format/anthropic"
	"zengateway/internal/format/oacompat"
	"zengateway/internal/format/openai"
)

const sampleCatalog = `
providers:
  anthropic:
    api: https://api.anthropic.com/v1/
    api_key: ${TEST_CATALOG_KEY:-sk-default}
    format: anthropic
  fireworks:
    api: https://api.fireworks.ai/inference/v1
    api_key: fw-key
    header_mappings:
      x-session-affinity: x-opencode-session
models:
  claude-sonnet-4-5:
    cost: {input: 3, output: 15, cache_read: 0.3, cache_write_5m: 3.75, cache_write_1h: "6"}
    cost_200k: {input: 6, output: 22.5}
    limit: {context: 1000000, output: 64000}
    providers:
      - id: anthropic
        model: claude-sonnet-4-5-20250929
  qwen-free:
    allow_anonymous: true
    cost: {input: 0, output: 0}
    providers:
      - id: fireworks
        weight: 3
      - id: anthropic
        disabled: true
`

func testFormats() *format.Registry {
	return format.NewRegistry(anthropic.New(), openai.New(), oacompat.New())
}

func TestParse(t *testing.T) {
	snap, err := Parse([]byte(sampleCatalog), testFormats())
	require.NoError(t, err)

	m, ok := snap.Model("claude-sonnet-4-5")
	require.True(t, ok)
	assert.Equal(t, Rate(300_000_000), m.Cost.Input)
	assert.Equal(t, Rate(1_500_000_000), m.Cost.Output)
	assert.Equal(t, Rate(30_000_000), m.Cost.CacheRead)
	assert.Equal(t, Rate(375_000_000), m.Cost.CacheWrite5m)
	assert.Equal(t, Rate(600_000_000), m.Cost.CacheWrite1h)
	require.NotNil(t, m.Cost200K)
	assert.Equal(t, Rate(2_250_000_000), m.Cost200K.Output)
	assert.Equal(t, 1_000_000, m.Limit.Context)
	assert.Equal(t, "claude-sonnet-4-5-20250929", m.Providers[0].Model)

	free, ok := snap.Model("qwen-free")
	require.True(t, ok)
	assert.True(t, free.AllowAnonymous)
	assert.Equal(t, "qwen-free", free.Providers[0].Model, "upstream model defaults to the model id")
	assert.Equal(t, 3, free.Providers[0].EffectiveWeight())
	assert.Equal(t, 1, free.Providers[1].EffectiveWeight())

	p, ok := snap.Provider("anthropic")
	require.True(t, ok)
	assert.Equal(t, "https://api.anthropic.com/v1", p.API)
	assert.Equal(t, "sk-default", p.APIKey)
	assert.Equal(t, format.Anthropic, p.Format)

	fw, _ := snap.Provider("fireworks")
	assert.Equal(t, format.OpenAICompatible, fw.Format)
	assert.Equal(t, "x-opencode-session", fw.HeaderMappings["x-session-affinity"])

	ids := []string{}
	for _, m := range snap.Models() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"claude-sonnet-4-5", "qwen-free"}, ids)
	assert.Equal(t, Fingerprint([]byte(sampleCatalog)), snap.Fingerprint())
}

func TestParse_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_CATALOG_KEY", "sk-from-env")
	snap, err := Parse([]byte(sampleCatalog), testFormats())
	require.NoError(t, err)
	p, _ := snap.Provider("anthropic")
	assert.Equal(t, "sk-from-env", p.APIKey)
}

func TestParse_JSON(t *testing.T) {
	doc := `{"providers":{"oa":{"api":"https://x","format":"openai"}},"models":{"gpt-5":{"cost":{"input":"1.25","output":"10"},"providers":[{"id":"oa"}]}}}`
	snap, err := Parse([]byte(doc), testFormats())
	require.NoError(t, err)
	m, ok := snap.Model("gpt-5")
	require.True(t, ok)
	assert.Equal(t, Rate(125_000_000), m.Cost.Input)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{"no models", `providers: {}`, "no models"},
		{"unknown provider", `
providers: {}
models:
  m: {providers: [{id: ghost}]}`, `provider "ghost" is not defined`},
		{"unknown format", `
providers:
  p: {api: "https://x", format: gemini}
models:
  m: {providers: [{id: p}]}`, `unknown format "gemini"`},
		{"too precise", `
providers:
  p: {api: "https://x"}
models:
  m: {cost: {input: "0.000000001"}, providers: [{id: p}]}`, "finer than one micro-cent"},
		{"negative price", `
providers:
  p: {api: "https://x"}
models:
  m: {cost: {output: -1}, providers: [{id: p}]}`, "negative"},
		{"missing api", `
providers:
  p: {format: anthropic}
models:
  m: {providers: [{id: p}]}`, "api is required"},
		{"negative weight", `
providers:
  p: {api: "https://x"}
models:
  m: {providers: [{id: p, weight: -2}]}`, "negative weight"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), testFormats())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestResolve(t *testing.T) {
	snap, err := Parse([]byte(sampleCatalog), testFormats())
	require.NoError(t, err)
	c := NewStatic(snap)

	m, err := c.Resolve("qwen-free")
	require.NoError(t, err)
	assert.Equal(t, "qwen-free", m.ID)

	_, err = c.Resolve("gpt-9")
	gwErr, ok := core.AsGatewayError(err)
	require.True(t, ok)
	assert.Equal(t, core.KindModel, gwErr.Kind)
	assert.Equal(t, "Model gpt-9 not supported", gwErr.Message)

	_, err = New(Options{}).Resolve("qwen-free")
	require.Error(t, err, "an empty catalog resolves nothing")
}

func writeCatalog(t *testing.T, path, doc string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
}

func TestRefresh_KeepsLastGoodSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	writeCatalog(t, path, sampleCatalog)

	c := New(Options{Source: path, Formats: testFormats()})
	require.NoError(t, c.Init(context.Background()))
	first := c.Snapshot()
	require.NotNil(t, first)

	changed, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, changed, "same document must not swap")
	assert.Same(t, first, c.Snapshot())

	writeCatalog(t, path, "models: [broken")
	_, err = c.Refresh(context.Background())
	require.Error(t, err)
	assert.Same(t, first, c.Snapshot())
}

func TestInit_FallsBackToCache(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	writeCatalog(t, path, sampleCatalog)
	store := cache.NewLocalCache(filepath.Join(dir, "cache", "catalog.json"))

	warm := New(Options{Source: path, Formats: testFormats(), Cache: store})
	require.NoError(t, warm.Init(context.Background()))

	require.NoError(t, os.Remove(path))
	cold := New(Options{Source: path, Formats: testFormats(), Cache: store})
	require.NoError(t, cold.Init(context.Background()))
	assert.Equal(t, warm.Fingerprint(), cold.Fingerprint())

	empty := New(Options{Source: path, Formats: testFormats()})
	require.Error(t, empty.Init(context.Background()))
}

func TestFetch_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(sampleCatalog))
	}))
	defer srv.Close()

	raw, err := Fetch(context.Background(), srv.URL+"/catalog.yaml", time.Second)
	require.NoError(t, err)
	assert.Equal(t, sampleCatalog, string(raw))

	_, err = Fetch(context.Background(), srv.URL+"/missing", time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 404")
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	writeCatalog(t, path, sampleCatalog)

	c := New(Options{Source: path, Formats: testFormats()})
	require.NoError(t, c.Init(context.Background()))
	stop, err := c.Watch()
	require.NoError(t, err)
	defer stop()

	updated := sampleCatalog + `
  gpt-5-nano:
    cost: {input: 0.05, output: 0.4}
    providers: [{id: fireworks}]
`
	writeCatalog(t, path, updated)

	require.Eventually(t, func() bool {
		_, err := c.Resolve("gpt-5-nano")
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
}

func TestWatch_RejectsRemoteSource(t *testing.T) {
	_, err := New(Options{Source: "https://example.com/catalog.yaml"}).Watch()
	require.Error(t, err)
}
