package cache

import (
	"context"
	"sync"
	"time"

	"kasirsync/internal/domain"
)

// CatalogCache stores catalog delta pages. Entries are keyed under a
// generation number; bumping the generation orphans every cached page.
type CatalogCache interface {
	Get(ctx context.Context, key string) (*domain.CatalogDelta, bool, error)
	Set(ctx context.Context, key string, value *domain.CatalogDelta, ttl time.Duration) error
	Generation(ctx context.Context) (int64, error)
	Invalidate(ctx context.Context) error
}

type NoopCatalogCache struct{}

func (NoopCatalogCache) Get(_ context.Context, _ string) (*domain.CatalogDelta, bool, error) {
	return nil, false, nil
}

func (NoopCatalogCache) Set(_ context.Context, _ string, _ *domain.CatalogDelta, _ time.Duration) error {
	return nil
}

func (NoopCatalogCache) Generation(_ context.Context) (int64, error) {
	return 0, nil
}

func (NoopCatalogCache) Invalidate(_ context.Context) error {
	return nil
}

// MemoryCatalogCache is a process-local CatalogCache.
type MemoryCatalogCache struct {
	mu         sync.Mutex
	generation int64
	entries    map[string]memoryEntry
	now        func() time.Time
}

type memoryEntry struct {
	delta     domain.CatalogDelta
	expiresAt time.Time
}

func NewMemoryCatalogCache() *MemoryCatalogCache {
	return &MemoryCatalogCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCatalogCache) Get(_ context.Context, key string) (*domain.CatalogDelta, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	delta := entry.delta
	return &delta, true, nil
}

func (c *MemoryCatalogCache) Set(_ context.Context, key string, value *domain.CatalogDelta, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{delta: *value, expiresAt: c.now().Add(ttl)}
	return nil
}

func (c *MemoryCatalogCache) Generation(_ context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation, nil
}

func (c *MemoryCatalogCache) Invalidate(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	clear(c.entries)
	return nil
}
