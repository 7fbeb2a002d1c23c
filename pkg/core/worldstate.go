package core

import (
	"context"
	"strconv"

	"github.com/oceanbase/memtier-go/pkg/audit"
	"github.com/oceanbase/memtier-go/pkg/value"
	"github.com/oceanbase/memtier-go/pkg/worldstate"
)

// WorldState returns the current world state snapshot.
func (c *Client) WorldState() worldstate.Snapshot {
	return c.worldState.Get()
}

// UpdateWorldState merges patch into the world state and commits a new
// version. Keys absent from patch are kept.
//
// Example:
//
//	snap, err := client.UpdateWorldState(ctx, map[string]value.Value{
//	    "mode":  value.String("focus"),
//	    "level": value.Int(3),
//	})
func (c *Client) UpdateWorldState(ctx context.Context, patch map[string]value.Value) (worldstate.Snapshot, error) {
	snap, err := c.worldState.Update(ctx, patch)
	if err != nil {
		c.recorder.Record(ctx, audit.OpWorldStateUpdate, "world_state", err, "")
		return worldstate.Snapshot{}, wrap("UpdateWorldState", err)
	}
	c.recorder.Record(ctx, audit.OpWorldStateUpdate, "world_state", nil, "version "+strconv.FormatInt(snap.Version, 10))
	return snap, nil
}

// WorldStateVersion returns a retained snapshot.
//
// Returns ErrVersionNotFound when version n was never committed or has
// been pruned from history.
func (c *Client) WorldStateVersion(n int64) (worldstate.Snapshot, error) {
	snap, err := c.worldState.GetVersion(n)
	if err != nil {
		return worldstate.Snapshot{}, wrap("WorldStateVersion", err)
	}
	return snap, nil
}

// WorldStateHistory returns the retained prior snapshots, oldest first.
func (c *Client) WorldStateHistory() []worldstate.Snapshot {
	return c.worldState.History()
}

// RollbackWorldState commits a new version whose state equals version n.
// History is never rewritten: rolling back from 2 to 1 yields version 3.
func (c *Client) RollbackWorldState(ctx context.Context, n int64) (worldstate.Snapshot, error) {
	snap, err := c.worldState.Rollback(ctx, n)
	c.recorder.Record(ctx, audit.OpRollback, "world_state", err, "to "+strconv.FormatInt(n, 10))
	if err != nil {
		return worldstate.Snapshot{}, wrap("RollbackWorldState", err)
	}
	return snap, nil
}
