package consolidation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oceanbase/memtier-go/pkg/types"
)

// BatchOptions overrides the configured threshold and batch size.
type BatchOptions struct {
	Threshold int64
	Limit     int
}

// BatchResult summarizes one ConsolidateBatch call.
type BatchResult struct {
	Consolidated int           `json:"consolidated"`
	Failed       int           `json:"failed"`
	Skipped      int           `json:"skipped"`
	Elapsed      time.Duration `json:"elapsed"`

	// LongTermIDs lists the memories created, in processing order.
	LongTermIDs []string `json:"long_term_ids,omitempty"`
}

// ConsolidateBatch consolidates up to opts.Limit eligible records, oldest
// first. Each attempt holds the record's registry lock; a record that is
// locked by someone else (another batch, the sweep, a writer) is skipped,
// so at most one attempt per record is ever in progress.
func (e *Engine) ConsolidateBatch(ctx context.Context, opts BatchOptions) (BatchResult, error) {
	start := e.reg.Now()
	limit := opts.Limit
	if limit <= 0 {
		limit = e.cfg.BatchSize
	}

	var candidates []string
	for _, rec := range e.reg.List() {
		if len(candidates) >= limit {
			break
		}
		if rec.Consolidated || !e.Evaluate(rec, opts.Threshold).Eligible {
			continue
		}
		candidates = append(candidates, rec.ID)
	}

	var res BatchResult
	for _, id := range candidates {
		if err := ctx.Err(); err != nil {
			res.Elapsed = e.reg.Now().Sub(start)
			return res, types.Translate(err)
		}

		var ltmID string
		ran, err := e.reg.TryWithLock(id, func() error {
			rec, err := e.reg.Get(ctx, id)
			if errors.Is(err, types.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if rec.Consolidated || !e.Evaluate(rec, opts.Threshold).Eligible {
				return nil
			}
			mem, err := e.consolidateLocked(ctx, rec)
			if err != nil {
				return err
			}
			ltmID = mem.ID
			return nil
		})
		switch {
		case !ran:
			res.Skipped++
		case err != nil:
			res.Failed++
			e.logger.WarnContext(ctx, "consolidation failed",
				slog.String("stm_id", id), slog.Any("error", err))
		case ltmID == "":
			res.Skipped++
		default:
			res.Consolidated++
			res.LongTermIDs = append(res.LongTermIDs, ltmID)
		}
	}

	res.Elapsed = e.reg.Now().Sub(start)
	e.logger.InfoContext(ctx, "consolidation batch finished",
		slog.Int("consolidated", res.Consolidated),
		slog.Int("failed", res.Failed),
		slog.Int("skipped", res.Skipped),
		slog.Duration("elapsed", res.Elapsed))
	return res, nil
}
