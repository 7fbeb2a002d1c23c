package policy

import (
	"context"
	"log/slog"
	"time"

	"github.com/oceanbase/memtier-go/pkg/registry"
	"github.com/oceanbase/memtier-go/pkg/types"
)

// Policy applies the decay configuration to records in a registry.
type Policy struct {
	cfg    Config
	reg    *registry.Registry
	logger *slog.Logger
}

// New creates a Policy over reg.
func New(reg *registry.Registry, cfg Config, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{cfg: cfg, reg: reg, logger: logger}
}

// Config returns the policy configuration.
func (p *Policy) Config() Config {
	return p.cfg
}

// ExpiryFor returns the expiry of a record with the given metadata written
// at now.
func (p *Policy) ExpiryFor(md types.Metadata, now time.Time) time.Time {
	return p.cfg.ComputeExpiry(md.Importance, p.cfg.DecayRateFor(md.Category), now)
}

// Confidence scores rec at now.
func (p *Policy) Confidence(rec *types.MemoryRecord, now time.Time) float64 {
	last := rec.CreatedAt
	if rec.LastAccessedAt != nil {
		last = *rec.LastAccessedAt
	}
	return p.cfg.Confidence(rec.Metadata.Importance, last, now)
}

// Lock exempts a record from decay. Locking an already locked record
// refreshes LockTimestamp.
func (p *Policy) Lock(ctx context.Context, id string) (*types.MemoryRecord, error) {
	var out *types.MemoryRecord
	err := p.reg.WithLock(ctx, id, func() error {
		rec, err := p.live(ctx, id)
		if err != nil {
			return err
		}
		rec.Locked = true
		rec.LockTimestamp = types.TimePtr(p.reg.Now())
		if err := p.reg.Put(ctx, rec); err != nil {
			return types.Translate(err)
		}
		out = rec
		return nil
	})
	return out, err
}

// Unlock makes a locked record subject to decay again. The new expiry is
// now+ttl when ttl is given, otherwise the computed expiry.
func (p *Policy) Unlock(ctx context.Context, id string, ttl *time.Duration) (*types.MemoryRecord, error) {
	if ttl != nil && *ttl <= 0 {
		return nil, types.Errorf(types.ErrValidation, "ttl must be positive, got %s", *ttl)
	}
	var out *types.MemoryRecord
	err := p.reg.WithLock(ctx, id, func() error {
		rec, err := p.live(ctx, id)
		if err != nil {
			return err
		}
		if !rec.Locked {
			return types.Errorf(types.ErrInvalidState, "short-term memory %s is not locked", id)
		}
		now := p.reg.Now()
		rec.Locked = false
		rec.LockTimestamp = nil
		if ttl != nil {
			rec.ExpiresAt = types.TimePtr(now.Add(*ttl))
		} else {
			rec.ExpiresAt = types.TimePtr(p.ExpiryFor(rec.Metadata, now))
		}
		if err := p.reg.Put(ctx, rec); err != nil {
			return types.Translate(err)
		}
		out = rec
		return nil
	})
	return out, err
}

// Extend sets a record's expiry to now+ttl. A locked record keeps its lock;
// the new expiry applies once it is unlocked.
func (p *Policy) Extend(ctx context.Context, id string, ttl time.Duration) (*types.MemoryRecord, error) {
	if ttl <= 0 {
		return nil, types.Errorf(types.ErrValidation, "ttl must be positive, got %s", ttl)
	}
	var out *types.MemoryRecord
	err := p.reg.WithLock(ctx, id, func() error {
		rec, err := p.live(ctx, id)
		if err != nil {
			return err
		}
		rec.ExpiresAt = types.TimePtr(p.reg.Now().Add(ttl))
		if err := p.reg.Put(ctx, rec); err != nil {
			return types.Translate(err)
		}
		out = rec
		return nil
	})
	return out, err
}

// live loads a record that has not been consolidated. The caller holds the
// record's lock.
func (p *Policy) live(ctx context.Context, id string) (*types.MemoryRecord, error) {
	rec, err := p.reg.Get(ctx, id)
	if err != nil {
		return nil, types.Translate(err)
	}
	if rec.Consolidated {
		return nil, types.Errorf(types.ErrNotFound, "short-term memory %s was consolidated into %s", id, rec.ConsolidatedInto)
	}
	return rec, nil
}
