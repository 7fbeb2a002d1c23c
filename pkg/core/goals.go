package core

import (
	"context"
	"slices"

	"github.com/oceanbase/memtier-go/pkg/goal"
)

// CreateGoal adds a goal. It starts Blocked when any dependency is not
// Completed.
//
// Example:
//
//	g, err := client.CreateGoal(ctx, goal.Spec{
//	    Title:      "ship release notes",
//	    Priority:   5,
//	    MemoryRefs: []string{ltmID},
//	})
func (c *Client) CreateGoal(ctx context.Context, spec goal.Spec) (*goal.Goal, error) {
	g, err := c.goals.Create(ctx, spec)
	if err != nil {
		return nil, wrap("CreateGoal", err)
	}
	return g, nil
}

// GetGoal returns a goal by id.
func (c *Client) GetGoal(id string) (*goal.Goal, error) {
	g, err := c.goals.Get(id)
	if err != nil {
		return nil, wrap("GetGoal", err)
	}
	return g, nil
}

// AddGoalDependency makes id depend on depID.
//
// Returns ErrCyclicDependency when the edge would close a cycle.
func (c *Client) AddGoalDependency(ctx context.Context, id, depID string) (*goal.Goal, error) {
	g, err := c.goals.AddDependency(ctx, id, depID)
	if err != nil {
		return nil, wrap("AddGoalDependency", err)
	}
	return g, nil
}

// SetGoalStatus moves a goal to status. Completing a goal freezes the
// category and tags of the memories it references, and protects them from
// deletion.
func (c *Client) SetGoalStatus(ctx context.Context, id string, status goal.Status) (*goal.Goal, error) {
	var refs []string
	if status == goal.StatusCompleted {
		if current, err := c.goals.Get(id); err == nil {
			refs = current.MemoryRefs
		}
	}

	var g *goal.Goal
	err := c.withMemoryLocks(ctx, refs, func() error {
		var err error
		g, err = c.goals.SetStatus(ctx, id, status)
		return err
	})
	if err != nil {
		return nil, wrap("SetGoalStatus", err)
	}
	return g, nil
}

// withMemoryLocks runs fn holding the registry lock of every id, taken in
// sorted order, so a gated memory write never interleaves with the
// completion of a goal that references it.
func (c *Client) withMemoryLocks(ctx context.Context, ids []string, fn func() error) error {
	sorted := append([]string(nil), ids...)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	var next func(i int) error
	next = func(i int) error {
		if i == len(sorted) {
			return fn()
		}
		return c.registry.WithLock(ctx, sorted[i], func() error { return next(i + 1) })
	}
	return next(0)
}

// QueryGoals returns matching goals by priority, then deadline.
func (c *Client) QueryGoals(filter goal.Filter) []*goal.Goal {
	return c.goals.Query(filter)
}
