package core

import (
	"context"
	"math"
	"time"

	"github.com/oceanbase/memtier-go/pkg/audit"
	"github.com/oceanbase/memtier-go/pkg/consolidation"
	"github.com/oceanbase/memtier-go/pkg/registry"
	"github.com/oceanbase/memtier-go/pkg/types"
)

// Consolidate moves eligible short-term memories to the long-term tier.
//
// A record is eligible when its access count reaches the threshold, its
// importance reaches the high watermark, or it was marked for
// consolidation. Each record is consolidated at most once even when
// batches and the decay sweep run concurrently; a failed record is rolled
// back and left in the short-term tier for the next attempt.
//
// Parameters:
//   - ctx: Context for cancellation
//   - opts: Optional threshold and limit overrides
//
// Example:
//
//	result, err := client.Consolidate(ctx, core.ConsolidateOptions{Threshold: 5, Limit: 10})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("consolidated %d in %s\n", result.ConsolidatedCount, result.Elapsed)
func (c *Client) Consolidate(ctx context.Context, opts ConsolidateOptions) (*ConsolidateResult, error) {
	if opts.Threshold < 0 || opts.Limit < 0 {
		return nil, wrap("Consolidate", types.Errorf(ErrValidation, "negative threshold or limit"))
	}
	res, err := c.engine.ConsolidateBatch(ctx, consolidation.BatchOptions{
		Threshold: opts.Threshold,
		Limit:     opts.Limit,
	})
	if err != nil {
		return nil, wrap("Consolidate", err)
	}
	return &ConsolidateResult{
		ConsolidatedCount: res.Consolidated,
		FailedCount:       res.Failed,
		SkippedCount:      res.Skipped,
		LongTermIDs:       res.LongTermIDs,
		Elapsed:           res.Elapsed,
	}, nil
}

// Retrieve copies a long-term memory into a fresh short-term memory. The
// long-term original is not changed.
//
// The new record gets a fresh expiry (now+ttl, or computed when ttl is nil),
// remembers the long-term id in SourceLTMID and, if it is consolidated
// again, links the new long-term memory back with a derived_from edge.
//
// Example:
//
//	ttl := 30 * time.Minute
//	res, err := client.Retrieve(ctx, ltmID, &ttl)
//	rec, _ := client.GetShortTerm(ctx, res.STMID)
func (c *Client) Retrieve(ctx context.Context, ltmID string, ttl *time.Duration) (*RetrieveResult, error) {
	res, err := c.retrieve(ctx, ltmID, ttl)
	detail := ""
	if res != nil {
		detail = res.STMID
	}
	c.recorder.Record(ctx, audit.OpRetrieve, ltmID, err, detail)
	if err != nil {
		return nil, wrap("Retrieve", err)
	}
	return res, nil
}

func (c *Client) retrieve(ctx context.Context, ltmID string, ttl *time.Duration) (*RetrieveResult, error) {
	if ttl != nil && *ttl <= 0 {
		return nil, types.Errorf(ErrValidation, "ttl must be positive, got %s", *ttl)
	}

	// Keeps Forget away while the copy is made.
	release := c.engine.InFlight().Acquire(ltmID)
	defer release()

	mem, err := c.getDocument(ctx, ltmID)
	if err != nil {
		return nil, err
	}

	now := c.registry.Now()
	md := types.Metadata{
		Category:   mem.Metadata.Category,
		Tags:       mem.Metadata.Tags,
		Importance: importanceFromConfidence(mem.Metadata.Confidence),
		Attributes: mem.Metadata.Attributes,
	}
	rec := &types.MemoryRecord{
		ID:          registry.NewID(),
		Content:     mem.Content,
		Metadata:    md,
		CreatedAt:   now,
		UpdatedAt:   now,
		SourceLTMID: mem.ID,
		RetrievedAt: types.TimePtr(now),
	}
	if ttl != nil {
		rec.ExpiresAt = types.TimePtr(now.Add(*ttl))
	} else {
		rec.ExpiresAt = types.TimePtr(c.policy.ExpiryFor(md, now))
	}
	if err := c.registry.Put(ctx, rec); err != nil {
		return nil, err
	}
	return &RetrieveResult{STMID: rec.ID, LTMID: mem.ID, ExpiresAt: rec.ExpiresAt}, nil
}

// Forget permanently deletes a long-term memory, its relationship edges and
// its vector. It cannot be undone.
//
// Returns:
//   - ErrNotFound for unknown ids
//   - ErrConflict while a consolidation, update or retrieval references the id
//   - ErrDependencyViolation when a Completed goal references the memory
//
// Every attempt is recorded in the audit trail with its outcome.
func (c *Client) Forget(ctx context.Context, ltmID string) error {
	err := c.removeLongTerm(ctx, ltmID)
	c.recorder.Record(ctx, audit.OpForget, ltmID, err, "")
	return wrap("Forget", err)
}

// AuditTrail returns the recorded lifecycle events of a memory (every
// subject when subjectID is empty), oldest first. A limit > 0 keeps only the
// most recent events.
func (c *Client) AuditTrail(ctx context.Context, subjectID string, limit int) ([]types.AuditEvent, error) {
	events, err := c.recorder.Trail(ctx, subjectID, limit)
	if err != nil {
		return nil, wrap("AuditTrail", err)
	}
	return events, nil
}

// importanceFromConfidence maps a [0, 1] confidence onto the importance
// scale.
func importanceFromConfidence(confidence float64) int {
	imp := int(math.Round(confidence * types.MaxImportance))
	if imp < 0 {
		return 0
	}
	if imp > types.MaxImportance {
		return types.MaxImportance
	}
	return imp
}
