package policy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oceanbase/memtier-go/pkg/audit"
	"github.com/oceanbase/memtier-go/pkg/registry"
	"github.com/oceanbase/memtier-go/pkg/types"
)

// Consolidator migrates eligible records to the long-term tier.
type Consolidator interface {
	// Eligible reports whether rec should be consolidated rather than
	// dropped when it expires.
	Eligible(rec *types.MemoryRecord) bool

	// ConsolidateLocked migrates rec and marks it consolidated. The caller
	// holds rec's registry lock.
	ConsolidateLocked(ctx context.Context, rec *types.MemoryRecord) error
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Expired      int           `json:"expired"`
	Consolidated int           `json:"consolidated"`
	Failed       int           `json:"failed"`
	Purged       int           `json:"purged"`
	Busy         int           `json:"busy"`
	Elapsed      time.Duration `json:"elapsed"`
}

// Sweeper expires short-term records whose ExpiresAt has passed.
//
// Eligible records are consolidated instead of dropped; a failed
// consolidation leaves the record in place for the next sweep. Records
// another goroutine holds the lock for are skipped and counted as Busy.
type Sweeper struct {
	reg          *registry.Registry
	consolidator Consolidator
	recorder     *audit.Recorder
	logger       *slog.Logger

	// retain keeps consolidated records around for this long before they
	// are purged.
	retain time.Duration
}

// NewSweeper creates a Sweeper. consolidator may be nil, in which case
// expired records are always dropped.
func NewSweeper(reg *registry.Registry, consolidator Consolidator, recorder *audit.Recorder, logger *slog.Logger, retainConsolidated time.Duration) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		reg:          reg,
		consolidator: consolidator,
		recorder:     recorder,
		logger:       logger,
		retain:       retainConsolidated,
	}
}

// Sweep runs one pass over the registry.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	start := s.reg.Now()

	for _, rec := range s.reg.List() {
		if err := ctx.Err(); err != nil {
			res.Elapsed = s.reg.Now().Sub(start)
			return res, types.Translate(err)
		}

		now := s.reg.Now()
		switch {
		case rec.Consolidated:
			if now.Sub(rec.UpdatedAt) < s.retain {
				continue
			}
			s.locked(rec.ID, &res, func() error { return s.purge(ctx, rec.ID, &res) })
		case rec.Expired(now):
			s.locked(rec.ID, &res, func() error { return s.expire(ctx, rec.ID, &res) })
		}
	}

	res.Elapsed = s.reg.Now().Sub(start)
	if res.Expired+res.Consolidated+res.Failed+res.Purged > 0 {
		s.logger.InfoContext(ctx, "decay sweep finished",
			slog.Int("expired", res.Expired),
			slog.Int("consolidated", res.Consolidated),
			slog.Int("failed", res.Failed),
			slog.Int("purged", res.Purged),
			slog.Int("busy", res.Busy),
			slog.Duration("elapsed", res.Elapsed))
	}
	return res, nil
}

func (s *Sweeper) locked(id string, res *SweepResult, fn func() error) {
	ran, err := s.reg.TryWithLock(id, fn)
	if !ran {
		res.Busy++
		return
	}
	if err != nil {
		s.logger.Warn("decay sweep step failed", slog.String("id", id), slog.Any("error", err))
	}
}

// expire handles one record under its lock. The record is re-read because
// it may have been locked, extended or consolidated since List.
func (s *Sweeper) expire(ctx context.Context, id string, res *SweepResult) error {
	rec, err := s.reg.Get(ctx, id)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Consolidated || !rec.Expired(s.reg.Now()) {
		return nil
	}

	if s.consolidator != nil && s.consolidator.Eligible(rec) {
		if err := s.consolidator.ConsolidateLocked(ctx, rec); err != nil {
			res.Failed++
			return err
		}
		res.Consolidated++
		return nil
	}

	_, err = s.reg.Delete(ctx, id)
	s.recorder.Record(ctx, audit.OpExpire, id, err, "")
	if err != nil {
		return err
	}
	res.Expired++
	return nil
}

func (s *Sweeper) purge(ctx context.Context, id string, res *SweepResult) error {
	rec, err := s.reg.Get(ctx, id)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !rec.Consolidated {
		return nil
	}
	if _, err := s.reg.Delete(ctx, id); err != nil {
		return err
	}
	res.Purged++
	return nil
}
