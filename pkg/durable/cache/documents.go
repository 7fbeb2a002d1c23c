// Package cache adds a ristretto read-through cache in front of a
// durable.DocumentStore.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/oceanbase/memtier-go/pkg/durable"
	"github.com/oceanbase/memtier-go/pkg/types"
)

// Config contains cache configuration.
type Config struct {
	// MaxItems bounds the number of cached documents (default 10000).
	MaxItems int64

	// TTL expires cached entries (0 = no expiry).
	TTL time.Duration
}

// Documents caches GetDocument results. Writes go straight to the wrapped
// store and invalidate the cached entry.
type Documents struct {
	durable.DocumentStore

	cache *ristretto.Cache
	ttl   time.Duration

	// epochs counts invalidations per id; a read only fills the cache if
	// no write happened while it was loading.
	mu     sync.Mutex
	epochs map[string]uint64
}

var _ durable.DocumentStore = (*Documents)(nil)

// NewDocuments wraps store with a cache.
func NewDocuments(store durable.DocumentStore, cfg *Config) (*Documents, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	maxItems := cfg.MaxItems
	if maxItems <= 0 {
		maxItems = 10000
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        maxItems * 10,
		MaxCost:            maxItems,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("NewDocuments: %w", err)
	}
	return &Documents{
		DocumentStore: store,
		cache:         c,
		ttl:           cfg.TTL,
		epochs:        make(map[string]uint64),
	}, nil
}

// GetDocument implements durable.DocumentStore.
func (d *Documents) GetDocument(ctx context.Context, id string) (*types.ConsolidatedMemory, error) {
	if v, ok := d.cache.Get(id); ok {
		return v.(*types.ConsolidatedMemory).Clone(), nil
	}

	d.mu.Lock()
	epoch := d.epochs[id]
	d.mu.Unlock()

	mem, err := d.DocumentStore.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	if d.epochs[id] == epoch {
		d.cache.SetWithTTL(id, mem.Clone(), 1, d.ttl)
	}
	d.mu.Unlock()
	return mem, nil
}

// UpdateDocument implements durable.DocumentStore.
func (d *Documents) UpdateDocument(ctx context.Context, mem *types.ConsolidatedMemory, expectedVersion int64) error {
	defer d.invalidate(mem.ID)
	return d.DocumentStore.UpdateDocument(ctx, mem, expectedVersion)
}

// DeleteDocument implements durable.DocumentStore.
func (d *Documents) DeleteDocument(ctx context.Context, id string) (bool, error) {
	defer d.invalidate(id)
	return d.DocumentStore.DeleteDocument(ctx, id)
}

// Close closes the cache and the wrapped store.
func (d *Documents) Close() error {
	d.cache.Close()
	return d.DocumentStore.Close()
}

// Wait blocks until buffered cache writes are applied.
func (d *Documents) Wait() {
	d.cache.Wait()
}

func (d *Documents) invalidate(id string) {
	d.mu.Lock()
	d.epochs[id]++
	d.cache.Del(id)
	d.mu.Unlock()
}
