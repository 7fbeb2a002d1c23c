// Package registry is the authoritative index of short-term memory records.
//
// Records live in an in-process map and are written through to a
// tierstore.Store as JSON under "stm:<id>", with a native TTL slightly longer
// than the record's own expiry so the decay sweep sees the record before the
// store drops it. Locked records are stored without a TTL.
//
// Every mutation of a record is linearized by a per-id lock: callers wrap
// read-modify-write sequences in WithLock or TryWithLock.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oceanbase/memtier-go/pkg/tierstore"
	"github.com/oceanbase/memtier-go/pkg/types"
)

// KeyPrefix is prepended to record ids in the tier store.
const KeyPrefix = "stm:"

// DefaultSweepGrace is how long the tier store keeps a record past its
// ExpiresAt.
const DefaultSweepGrace = 5 * time.Minute

// Registry indexes short-term records by id.
type Registry struct {
	store      tierstore.Store
	logger     *slog.Logger
	now        func() time.Time
	sweepGrace time.Duration
	maxSize    int
	callTTL    time.Duration

	mu      sync.RWMutex
	records map[string]*types.MemoryRecord

	locks *keyedMutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithSweepGrace sets how long past ExpiresAt the tier store keeps a record.
func WithSweepGrace(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.sweepGrace = d
		}
	}
}

// WithMaxSize caps the number of records (0 = unbounded).
func WithMaxSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxSize = n
		}
	}
}

// WithCallTimeout bounds every tier store call by d, so a stalled store
// cannot keep a record's lock held past d.
func WithCallTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.callTTL = d
		}
	}
}

// New creates an empty registry over store. Call Load to pick up records
// left in the store by an earlier process.
func New(store tierstore.Store, opts ...Option) *Registry {
	r := &Registry{
		store:      store,
		logger:     slog.Default(),
		now:        time.Now,
		sweepGrace: DefaultSweepGrace,
		records:    make(map[string]*types.MemoryRecord),
		locks:      newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewID mints a record id.
func NewID() string {
	return uuid.NewString()
}

func (r *Registry) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.callTTL > 0 {
		return context.WithTimeout(ctx, r.callTTL)
	}
	return ctx, func() {}
}

// Load rebuilds the index from the tier store and returns the number of
// records found. Entries that fail to decode are logged and skipped.
func (r *Registry) Load(ctx context.Context) (int, error) {
	loaded := make(map[string]*types.MemoryRecord)
	scanCtx, cancel := r.bounded(ctx)
	defer cancel()
	err := r.store.Scan(scanCtx, KeyPrefix, func(key string, val []byte) error {
		var rec types.MemoryRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			r.logger.WarnContext(ctx, "skipping undecodable record",
				slog.String("key", key), slog.Any("error", err))
			return nil
		}
		if rec.ID != strings.TrimPrefix(key, KeyPrefix) {
			r.logger.WarnContext(ctx, "skipping record with mismatched id",
				slog.String("key", key), slog.String("id", rec.ID))
			return nil
		}
		loaded[rec.ID] = &rec
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("Load: %w", err)
	}

	r.mu.Lock()
	for id, rec := range loaded {
		r.records[id] = rec
	}
	n := len(r.records)
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "short-term registry loaded", slog.Int("records", len(loaded)))
	return n, nil
}

// Get returns a copy of the record. A record missing from the index is
// looked up in the tier store, so records written by another process are
// visible.
func (r *Registry) Get(ctx context.Context, id string) (*types.MemoryRecord, error) {
	r.mu.RLock()
	rec, ok := r.records[id]
	r.mu.RUnlock()
	if ok {
		return rec.Clone(), nil
	}

	callCtx, cancel := r.bounded(ctx)
	data, err := r.store.Get(callCtx, KeyPrefix+id)
	cancel()
	if errors.Is(err, types.ErrNotFound) {
		return nil, types.Errorf(types.ErrNotFound, "short-term memory %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	var stored types.MemoryRecord
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("Get: decode %s: %w", id, err)
	}

	r.mu.Lock()
	if _, raced := r.records[id]; !raced {
		r.records[id] = &stored
	}
	rec = r.records[id]
	r.mu.Unlock()
	return rec.Clone(), nil
}

// Put stores rec in the tier store and the index. Adding a new id to a
// full registry fails with types.ErrValidation.
func (r *Registry) Put(ctx context.Context, rec *types.MemoryRecord) error {
	if rec == nil || rec.ID == "" {
		return types.Errorf(types.ErrValidation, "record id is required")
	}

	r.mu.RLock()
	_, exists := r.records[rec.ID]
	size := len(r.records)
	r.mu.RUnlock()
	if !exists && r.maxSize > 0 && size >= r.maxSize {
		return types.Errorf(types.ErrValidation, "short-term tier is full (%d records)", r.maxSize)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("Put: encode %s: %w", rec.ID, err)
	}
	callCtx, cancel := r.bounded(ctx)
	defer cancel()
	if err := r.store.Set(callCtx, KeyPrefix+rec.ID, data, r.nativeTTL(rec)); err != nil {
		return fmt.Errorf("Put: %w", err)
	}

	r.mu.Lock()
	r.records[rec.ID] = rec.Clone()
	r.mu.Unlock()
	return nil
}

// nativeTTL is the tier store expiry for rec: its own expiry plus the sweep
// grace, or none for locked and non-expiring records.
func (r *Registry) nativeTTL(rec *types.MemoryRecord) time.Duration {
	if rec.Locked || rec.ExpiresAt == nil {
		return 0
	}
	ttl := rec.ExpiresAt.Sub(r.now()) + r.sweepGrace
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// Delete removes id from the tier store and the index and reports whether
// it was present in either.
func (r *Registry) Delete(ctx context.Context, id string) (bool, error) {
	callCtx, cancel := r.bounded(ctx)
	existed, err := r.store.Delete(callCtx, KeyPrefix+id)
	cancel()
	if err != nil {
		return false, fmt.Errorf("Delete: %w", err)
	}
	r.mu.Lock()
	if _, ok := r.records[id]; ok {
		existed = true
		delete(r.records, id)
	}
	r.mu.Unlock()
	return existed, nil
}

// List returns copies of every indexed record, oldest first.
func (r *Registry) List() []*types.MemoryRecord {
	r.mu.RLock()
	out := make([]*types.MemoryRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of indexed records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// WithLock runs fn while holding the lock for id. It waits for the lock
// until ctx ends.
func (r *Registry) WithLock(ctx context.Context, id string, fn func() error) error {
	unlock, err := r.locks.lock(ctx, id)
	if err != nil {
		return types.Translate(err)
	}
	defer unlock()
	return fn()
}

// TryWithLock runs fn only if the lock for id is free. ok reports whether
// fn ran.
func (r *Registry) TryWithLock(id string, fn func() error) (ok bool, err error) {
	unlock, ok := r.locks.tryLock(id)
	if !ok {
		return false, nil
	}
	defer unlock()
	return true, fn()
}

// Now returns the registry's clock reading.
func (r *Registry) Now() time.Time {
	return r.now()
}
