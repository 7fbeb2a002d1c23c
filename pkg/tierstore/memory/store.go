// Package memory provides an in-process tierstore.Store.
//
// Expired keys are dropped lazily on access and during scans. Values are
// copied on the way in and out, so callers may reuse their buffers.
package memory

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/oceanbase/memtier-go/pkg/types"
)

type entry struct {
	val       []byte
	expiresAt time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Store implements tierstore.Store in memory.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// live returns the entry for key, evicting it if expired. Caller holds mu.
func (s *Store) live(key string) (entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return entry{}, false
	}
	if e.expired(s.now()) {
		delete(s.entries, key)
		return entry{}, false
	}
	return e, true
}

// Set implements tierstore.Store.
func (s *Store) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry{val: bytes.Clone(val), expiresAt: s.deadline(ttl)}
	return nil
}

// SetNX implements tierstore.Store.
func (s *Store) SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.entries[key] = entry{val: bytes.Clone(val), expiresAt: s.deadline(ttl)}
	return true, nil
}

// Get implements tierstore.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "key %s", key)
	}
	return bytes.Clone(e.val), nil
}

// Delete implements tierstore.Store.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live(key)
	delete(s.entries, key)
	return ok, nil
}

// CompareAndDelete implements tierstore.Store.
func (s *Store) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok || !bytes.Equal(e.val, expected) {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

// Expire implements tierstore.Store.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return false, nil
	}
	e.expiresAt = s.deadline(ttl)
	s.entries[key] = e
	return true, nil
}

// Scan implements tierstore.Store. fn runs without the store lock held, on
// a snapshot taken at the start of the scan.
func (s *Store) Scan(ctx context.Context, prefix string, fn func(key string, val []byte) error) error {
	s.mu.Lock()
	now := s.now()
	snapshot := make(map[string][]byte)
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
			continue
		}
		if strings.HasPrefix(k, prefix) {
			snapshot[k] = bytes.Clone(e.val)
		}
	}
	s.mu.Unlock()

	for k, v := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of live keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for _, e := range s.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// Close implements tierstore.Store.
func (s *Store) Close() error {
	return nil
}
