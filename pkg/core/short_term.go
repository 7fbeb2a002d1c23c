package core

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/oceanbase/memtier-go/pkg/audit"
	"github.com/oceanbase/memtier-go/pkg/registry"
	"github.com/oceanbase/memtier-go/pkg/types"
	"github.com/oceanbase/memtier-go/pkg/value"
)

// CreateShortTerm stores a new short-term memory.
//
// The expiry is computed from importance and category unless WithTTL is
// given. The creation is recorded in the audit trail whether or not it
// succeeds.
//
// Parameters:
//   - ctx: Context for cancellation
//   - content: Memory payload
//   - md: Category, tags, importance and attributes
//   - opts: Optional TTL or initial lock
//
// Returns the stored record, or ErrValidation for malformed input and for a
// full short-term tier.
//
// Example:
//
//	rec, err := client.CreateShortTerm(ctx, "User prefers dark mode",
//	    types.Metadata{Category: "preference", Tags: []string{"ui"}, Importance: 4},
//	    core.WithTTL(time.Hour),
//	)
func (c *Client) CreateShortTerm(ctx context.Context, content string, md types.Metadata, opts ...ShortTermOption) (*types.MemoryRecord, error) {
	rec, err := c.createShortTerm(ctx, content, md, opts...)
	subject := ""
	if rec != nil {
		subject = rec.ID
	}
	c.recorder.Record(ctx, audit.OpCreate, subject, err, "")
	if err != nil {
		return nil, wrap("CreateShortTerm", err)
	}
	return rec, nil
}

func (c *Client) createShortTerm(ctx context.Context, content string, md types.Metadata, opts ...ShortTermOption) (*types.MemoryRecord, error) {
	if strings.TrimSpace(content) == "" {
		return nil, types.Errorf(ErrValidation, "content is required")
	}
	md = md.Clone()
	if err := md.Validate(); err != nil {
		return nil, err
	}
	o := applyShortTermOptions(opts)
	if o.TTL != nil && *o.TTL <= 0 {
		return nil, types.Errorf(ErrValidation, "ttl must be positive, got %s", *o.TTL)
	}

	now := c.registry.Now()
	rec := &types.MemoryRecord{
		ID:        registry.NewID(),
		Content:   content,
		Metadata:  md,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if o.TTL != nil {
		rec.ExpiresAt = types.TimePtr(now.Add(*o.TTL))
	} else {
		rec.ExpiresAt = types.TimePtr(c.policy.ExpiryFor(md, now))
	}
	if o.Locked {
		rec.Locked = true
		rec.LockTimestamp = types.TimePtr(now)
	}
	if err := c.registry.Put(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// GetShortTerm returns a short-term memory and counts the read: the access
// count is incremented and LastAccessedAt set.
//
// Returns ErrNotFound for unknown, expired and consolidated ids.
func (c *Client) GetShortTerm(ctx context.Context, id string) (*types.MemoryRecord, error) {
	var out *types.MemoryRecord
	err := c.registry.WithLock(ctx, id, func() error {
		rec, err := c.liveShortTerm(ctx, id)
		if err != nil {
			return err
		}
		rec.AccessCount++
		rec.LastAccessedAt = types.TimePtr(c.registry.Now())
		if err := c.registry.Put(ctx, rec); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, wrap("GetShortTerm", err)
	}
	return out, nil
}

// UpdateShortTerm applies patch to a short-term memory. The expiry is not
// changed; use ExtendShortTerm for that.
//
// Returns ErrValidation for an empty patch, ErrInvalidState for a record
// already consolidated, and ErrDependencyViolation when the category or
// tags of a memory referenced by a Completed goal would change.
func (c *Client) UpdateShortTerm(ctx context.Context, id string, patch ShortTermPatch) (*types.MemoryRecord, error) {
	if patch.empty() {
		return nil, wrap("UpdateShortTerm", types.Errorf(ErrValidation, "empty patch"))
	}
	if patch.Content != nil && strings.TrimSpace(*patch.Content) == "" {
		return nil, wrap("UpdateShortTerm", types.Errorf(ErrValidation, "content is required"))
	}

	var out *types.MemoryRecord
	err := c.registry.WithLock(ctx, id, func() error {
		rec, err := c.registry.Get(ctx, id)
		if err != nil {
			return err
		}
		if rec.Consolidated {
			return types.Errorf(ErrInvalidState, "short-term memory %s was consolidated into %s", id, rec.ConsolidatedInto)
		}
		if rec.Expired(c.registry.Now()) {
			return types.Errorf(ErrNotFound, "short-term memory %s expired", id)
		}

		md := rec.Metadata.Clone()
		if patch.Category != nil {
			md.Category = *patch.Category
		}
		if patch.Tags != nil {
			md.Tags = append([]string(nil), (*patch.Tags)...)
		}
		if patch.Importance != nil {
			md.Importance = *patch.Importance
		}
		if len(patch.Attributes) > 0 {
			if md.Attributes == nil {
				md.Attributes = make(map[string]value.Value, len(patch.Attributes))
			}
			for k, v := range patch.Attributes {
				md.Attributes[k] = v
			}
		}
		if err := md.Validate(); err != nil {
			return err
		}
		if md.Category != rec.Metadata.Category || !sameTags(md.Tags, rec.Metadata.Tags) {
			if err := c.gate(id); err != nil {
				return err
			}
		}

		if patch.Content != nil {
			rec.Content = *patch.Content
		}
		rec.Metadata = md
		rec.UpdatedAt = c.registry.Now()
		if err := c.registry.Put(ctx, rec); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, wrap("UpdateShortTerm", err)
	}
	return out, nil
}

// DeleteShortTerm removes a short-term memory.
//
// Returns ErrNotFound for unknown ids and ErrDependencyViolation when a
// Completed goal references the memory.
func (c *Client) DeleteShortTerm(ctx context.Context, id string) error {
	err := c.registry.WithLock(ctx, id, func() error {
		if err := c.gate(id); err != nil {
			return err
		}
		existed, err := c.registry.Delete(ctx, id)
		if err != nil {
			return err
		}
		if !existed {
			return types.Errorf(ErrNotFound, "short-term memory %s", id)
		}
		return nil
	})
	if err == nil {
		c.recorder.Record(ctx, audit.OpDelete, id, nil, "")
	}
	return wrap("DeleteShortTerm", err)
}

// ExtendShortTerm sets the expiry of a short-term memory to now+ttl.
func (c *Client) ExtendShortTerm(ctx context.Context, id string, ttl time.Duration) (*types.MemoryRecord, error) {
	rec, err := c.policy.Extend(ctx, id, ttl)
	return rec, wrap("ExtendShortTerm", err)
}

// LockShortTerm exempts a short-term memory from decay. Locking a locked
// memory refreshes its lock timestamp.
func (c *Client) LockShortTerm(ctx context.Context, id string) (*types.MemoryRecord, error) {
	rec, err := c.policy.Lock(ctx, id)
	return rec, wrap("LockShortTerm", err)
}

// UnlockShortTerm makes a locked short-term memory subject to decay again.
// The new expiry is now+ttl when ttl is given, otherwise it is computed
// from importance and category.
//
// Returns ErrInvalidState if the memory is not locked.
func (c *Client) UnlockShortTerm(ctx context.Context, id string, ttl *time.Duration) (*types.MemoryRecord, error) {
	rec, err := c.policy.Unlock(ctx, id, ttl)
	return rec, wrap("UnlockShortTerm", err)
}

// MarkForConsolidation makes a short-term memory eligible for the next
// consolidation regardless of its access count and importance.
func (c *Client) MarkForConsolidation(ctx context.Context, id string) (*types.MemoryRecord, error) {
	var out *types.MemoryRecord
	err := c.registry.WithLock(ctx, id, func() error {
		rec, err := c.liveShortTerm(ctx, id)
		if err != nil {
			return err
		}
		rec.Metadata.MarkedForConsolidation = true
		rec.UpdatedAt = c.registry.Now()
		if err := c.registry.Put(ctx, rec); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, wrap("MarkForConsolidation", err)
	}
	return out, nil
}

// SearchShortTerm returns live short-term memories matching query, oldest
// first. Searching does not count as a read.
//
// Parameters:
//   - ctx: Context for cancellation
//   - query: Text, category, tag, importance and attribute filters
//   - limit: Maximum number of results (0 means no limit)
//
// Example:
//
//	recs, _ := client.SearchShortTerm(ctx, core.ShortTermQuery{
//	    Category: "preference",
//	    Tags:     []string{"ui"},
//	}, 20)
func (c *Client) SearchShortTerm(ctx context.Context, query ShortTermQuery, limit int) ([]*types.MemoryRecord, error) {
	if limit < 0 {
		return nil, wrap("SearchShortTerm", types.Errorf(ErrValidation, "negative limit"))
	}
	if err := ctx.Err(); err != nil {
		return nil, wrap("SearchShortTerm", err)
	}

	tags, err := types.NormalizeTags(query.Tags)
	if err != nil {
		return nil, wrap("SearchShortTerm", err)
	}
	text := strings.ToLower(query.Text)
	now := c.registry.Now()

	var out []*types.MemoryRecord
	for _, rec := range c.registry.List() {
		if rec.Consolidated || rec.Expired(now) {
			continue
		}
		if text != "" && !strings.Contains(strings.ToLower(rec.Content), text) {
			continue
		}
		if query.Category != "" && rec.Metadata.Category != query.Category {
			continue
		}
		if !types.HasTags(rec.Metadata.Tags, tags) {
			continue
		}
		if rec.Metadata.Importance < query.MinImportance {
			continue
		}
		if !attributesMatch(rec.Metadata.Attributes, query.Attributes) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// liveShortTerm loads a record that is neither consolidated nor expired.
// The caller holds the record's lock.
func (c *Client) liveShortTerm(ctx context.Context, id string) (*types.MemoryRecord, error) {
	rec, err := c.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Consolidated {
		return nil, types.Errorf(ErrNotFound, "short-term memory %s was consolidated into %s", id, rec.ConsolidatedInto)
	}
	if rec.Expired(c.registry.Now()) {
		return nil, types.Errorf(ErrNotFound, "short-term memory %s expired", id)
	}
	return rec, nil
}

func attributesMatch(have, want map[string]value.Value) bool {
	for k, w := range want {
		h, ok := have[k]
		if !ok || !h.Equal(w) {
			return false
		}
	}
	return true
}

// sameTags compares two normalized tag sets.
func sameTags(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	a = append([]string(nil), a...)
	b = append([]string(nil), b...)
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
