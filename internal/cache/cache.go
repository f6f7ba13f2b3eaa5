// Package cache persists the last good catalog document so a restarting
// gateway can serve before its catalog source answers.
// Local files suit a single instance; Redis shares one copy across replicas.
package cache

import (
	"context"
	"time"
)

// CatalogSnapshot is the cached form of a catalog. Document holds the raw
// catalog bytes exactly as fetched; Fingerprint identifies their content.
type CatalogSnapshot struct {
	Version     int       `json:"version"`
	UpdatedAt   time.Time `json:"updated_at"`
	Source      string    `json:"source"`
	Fingerprint string    `json:"fingerprint"`
	Document    []byte    `json:"document"`
}

// Cache stores one catalog snapshot.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns nil, nil if nothing is cached yet.
	Get(ctx context.Context) (*CatalogSnapshot, error)
	Set(ctx context.Context, snapshot *CatalogSnapshot) error
	Close() error
}
