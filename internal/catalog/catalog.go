// Package catalog owns the model and provider catalog: an immutable
// snapshot swapped atomically on refresh, so a request never observes a
// half-updated catalog.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"zengateway/internal/cache"
	"zengateway/internal/core"
	"zengateway/internal/observability"
)

const (
	defaultFetchTimeout = 30 * time.Second
	watchDebounce       = 250 * time.Millisecond
	cacheVersion        = 1
)

// Options configures a Catalog.
type Options struct {
	// Source is a file path or an http(s) URL.
	Source  string
	Formats FormatSet
	// Cache, when set, persists the last good document.
	Cache        cache.Cache
	FetchTimeout time.Duration
}

// Catalog serves lookups from the current snapshot.
type Catalog struct {
	source  string
	formats FormatSet
	cache   cache.Cache
	timeout time.Duration

	snap      atomic.Pointer[Snapshot]
	refreshMu sync.Mutex
}

// New creates an empty catalog. Call Init before serving.
func New(opts Options) *Catalog {
	timeout := opts.FetchTimeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &Catalog{
		source:  opts.Source,
		formats: opts.Formats,
		cache:   opts.Cache,
		timeout: timeout,
	}
}

// NewStatic wraps an already parsed snapshot.
func NewStatic(s *Snapshot) *Catalog {
	c := New(Options{})
	c.snap.Store(s)
	return c
}

// Snapshot returns the current snapshot, or nil before the first load.
func (c *Catalog) Snapshot() *Snapshot { return c.snap.Load() }

// Swap replaces the current snapshot.
func (c *Catalog) Swap(s *Snapshot) { c.snap.Store(s) }

// Resolve returns the model or a ModelError naming it.
func (c *Catalog) Resolve(modelID string) (*Model, error) {
	if s := c.snap.Load(); s != nil {
		if m, ok := s.Model(modelID); ok {
			return m, nil
		}
	}
	return nil, core.NewModelError(fmt.Sprintf("Model %s not supported", modelID))
}

// Provider returns provider metadata from the current snapshot.
func (c *Catalog) Provider(id string) (*Provider, bool) {
	s := c.snap.Load()
	if s == nil {
		return nil, false
	}
	return s.Provider(id)
}

// Models lists the current snapshot's models.
func (c *Catalog) Models() []*Model {
	s := c.snap.Load()
	if s == nil {
		return nil
	}
	return s.Models()
}

// Fingerprint of the current snapshot, empty before the first load.
func (c *Catalog) Fingerprint() string {
	s := c.snap.Load()
	if s == nil {
		return ""
	}
	return s.Fingerprint()
}

// Init loads the cached document for a fast start, then the source. It fails
// only when neither yields a usable catalog.
func (c *Catalog) Init(ctx context.Context) error {
	cached, cacheErr := c.loadFromCache(ctx)
	if cacheErr != nil {
		slog.Warn("failed to load catalog from cache", "error", cacheErr)
	} else if cached {
		slog.Info("serving with cached catalog while refreshing", "models", len(c.Models()))
	}

	if _, err := c.Refresh(ctx); err != nil {
		if c.Snapshot() == nil {
			return fmt.Errorf("loading catalog from %s: %w", c.source, err)
		}
		slog.Warn("catalog source unavailable, keeping cached catalog", "source", c.source, "error", err)
	}
	return nil
}

// Refresh fetches and parses the source and swaps it in. An unchanged
// document is not re-parsed. A failed refresh keeps the current snapshot.
func (c *Catalog) Refresh(ctx context.Context) (bool, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	raw, err := Fetch(ctx, c.source, c.timeout)
	if err != nil {
		observability.CatalogRefresh.WithLabelValues("error").Inc()
		return false, err
	}
	if cur := c.snap.Load(); cur != nil && cur.Fingerprint() == Fingerprint(raw) {
		observability.CatalogRefresh.WithLabelValues("unchanged").Inc()
		return false, nil
	}
	snap, err := Parse(raw, c.formats)
	if err != nil {
		observability.CatalogRefresh.WithLabelValues("error").Inc()
		return false, err
	}

	c.snap.Store(snap)
	observability.CatalogRefresh.WithLabelValues("updated").Inc()
	slog.Info("catalog loaded",
		"source", c.source,
		"models", len(snap.order),
		"providers", len(snap.providers),
		"fingerprint", snap.Fingerprint(),
	)

	if err := c.saveToCache(ctx, raw, snap.Fingerprint()); err != nil {
		slog.Warn("failed to save catalog to cache", "error", err)
	}
	return true, nil
}

func (c *Catalog) loadFromCache(ctx context.Context) (bool, error) {
	if c.cache == nil {
		return false, nil
	}
	entry, err := c.cache.Get(ctx)
	if err != nil || entry == nil {
		return false, err
	}
	snap, err := Parse(entry.Document, c.formats)
	if err != nil {
		return false, fmt.Errorf("cached catalog is invalid: %w", err)
	}
	c.snap.Store(snap)
	return true, nil
}

func (c *Catalog) saveToCache(ctx context.Context, raw []byte, fingerprint string) error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Set(ctx, &cache.CatalogSnapshot{
		Version:     cacheVersion,
		UpdatedAt:   time.Now().UTC(),
		Source:      c.source,
		Fingerprint: fingerprint,
		Document:    raw,
	})
}

// StartBackgroundRefresh refreshes on a ticker until the returned func is
// called.
func (c *Catalog) StartBackgroundRefresh(interval time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.refreshLogged(ctx, "background")
			}
		}
	}()

	return cancel
}

// Watch reloads a file source shortly after it is written. The parent
// directory is watched so editors that replace the file are still seen.
func (c *Catalog) Watch() (func(), error) {
	if IsRemote(c.source) {
		return nil, errors.New("watch requires a file catalog source")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating catalog watcher: %w", err)
	}
	target, err := filepath.Abs(c.source)
	if err != nil {
		_ = watcher.Close()
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(target), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(watchDebounce, func() { c.refreshLogged(ctx, "watch") })
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("catalog watcher error", "error", err)
			}
		}
	}()

	return func() {
		cancel()
		_ = watcher.Close()
		<-done
	}, nil
}

func (c *Catalog) refreshLogged(parent context.Context, trigger string) {
	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()
	if _, err := c.Refresh(ctx); err != nil {
		slog.Warn("catalog refresh failed, keeping previous snapshot", "trigger", trigger, "error", err)
	}
}
