package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"zengateway/config"
	"zengateway/internal/cache"
	"zengateway/internal/catalog"
	"zengateway/internal/format"
)

// catalogResult holds the loaded catalog and its background workers.
type catalogResult struct {
	Catalog *catalog.Catalog
	Cache   cache.Cache

	stopRefresh func()
	stopWatch   func()
}

// Close stops refresh and watching, then releases the cache. Safe to call
// more than once.
func (r *catalogResult) Close() error {
	if r.stopWatch != nil {
		r.stopWatch()
		r.stopWatch = nil
	}
	if r.stopRefresh != nil {
		r.stopRefresh()
		r.stopRefresh = nil
	}
	if r.Cache != nil {
		err := r.Cache.Close()
		r.Cache = nil
		return err
	}
	return nil
}

// initCatalog builds the snapshot cache, loads the catalog (cache first,
// then source) and starts refresh and file watching when configured.
func initCatalog(ctx context.Context, cfg *config.Config, formats *format.Registry) (*catalogResult, error) {
	snapshotCache, err := initCache(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	cat := catalog.New(catalog.Options{
		Source:  cfg.Catalog.Source,
		Formats: formats,
		Cache:   snapshotCache,
	})
	if err := cat.Init(ctx); err != nil {
		_ = snapshotCache.Close()
		return nil, err
	}

	res := &catalogResult{Catalog: cat, Cache: snapshotCache}

	if cfg.Catalog.RefreshInterval > 0 {
		interval := time.Duration(cfg.Catalog.RefreshInterval) * time.Second
		res.stopRefresh = cat.StartBackgroundRefresh(interval)
		slog.Info("catalog background refresh enabled", "interval", interval)
	}

	if cfg.Catalog.Watch && !catalog.IsRemote(cfg.Catalog.Source) {
		stop, err := cat.Watch()
		if err != nil {
			// hot reload is optional; the periodic refresh still runs
			slog.Warn("catalog watch disabled", "source", cfg.Catalog.Source, "error", err)
		} else {
			res.stopWatch = stop
			slog.Info("watching catalog file", "source", cfg.Catalog.Source)
		}
	}

	return res, nil
}

// initCache picks the snapshot cache backend.
func initCache(cfg *config.Config) (cache.Cache, error) {
	switch cfg.Cache.Type {
	case "redis":
		ttl := time.Duration(cfg.Cache.Redis.TTL) * time.Second
		if ttl == 0 {
			ttl = cache.DefaultRedisTTL
		}
		redisCache, err := cache.NewRedisCache(cache.RedisConfig{
			URL: cfg.Cache.Redis.URL,
			Key: cfg.Cache.Redis.Key,
			TTL: ttl,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("using redis catalog cache", "key", cfg.Cache.Redis.Key)
		return redisCache, nil

	default:
		dir := cfg.Cache.CacheDir
		if dir == "" {
			dir = ".cache"
		}
		cacheFile := filepath.Join(dir, "catalog.json")
		slog.Info("using local catalog cache", "path", cacheFile)
		return cache.NewLocalCache(cacheFile), nil
	}
}
