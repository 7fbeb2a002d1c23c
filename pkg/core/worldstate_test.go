package core_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memtier "github.com/oceanbase/memtier-go/pkg/core"
	"github.com/oceanbase/memtier-go/pkg/goal"
	"github.com/oceanbase/memtier-go/pkg/types"
	"github.com/oceanbase/memtier-go/pkg/value"
)

func TestWorldStateRollback(t *testing.T) {
	client, _ := setupClient(t)
	ctx := context.Background()

	assert.Equal(t, int64(0), client.WorldState().Version)

	v1, err := client.UpdateWorldState(ctx, map[string]value.Value{
		"mode":  value.String("focus"),
		"level": value.Int(1),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1.Version)

	v2, err := client.UpdateWorldState(ctx, map[string]value.Value{"level": value.Int(2)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2.Version)
	assert.True(t, v2.State["mode"].Equal(value.String("focus")), "keys absent from the patch are kept")

	v3, err := client.RollbackWorldState(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v3.Version)
	assert.True(t, v3.State["level"].Equal(value.Int(1)))
	require.NotNil(t, v3.RolledBackFrom)
	require.NotNil(t, v3.RolledBackTo)
	assert.Equal(t, int64(2), *v3.RolledBackFrom)
	assert.Equal(t, int64(1), *v3.RolledBackTo)

	old, err := client.WorldStateVersion(2)
	require.NoError(t, err)
	assert.True(t, old.State["level"].Equal(value.Int(2)), "history is never rewritten")

	history := client.WorldStateHistory()
	require.NotEmpty(t, history)
	assert.Equal(t, int64(2), history[len(history)-1].Version)

	_, err = client.WorldStateVersion(42)
	assert.ErrorIs(t, err, memtier.ErrVersionNotFound)
	_, err = client.RollbackWorldState(ctx, 42)
	assert.ErrorIs(t, err, memtier.ErrVersionNotFound)

	_, err = client.UpdateWorldState(ctx, nil)
	assert.ErrorIs(t, err, memtier.ErrValidation)

	events, err := client.AuditTrail(ctx, "world_state", 0)
	require.NoError(t, err)
	var ops []string
	for _, e := range events {
		ops = append(ops, e.Op)
	}
	assert.Contains(t, ops, "worldstate.update")
	assert.Contains(t, ops, "worldstate.rollback")
}

func TestWorldStateFailedUpdateAudit(t *testing.T) {
	client, _ := setupClient(t)
	ctx := context.Background()

	_, err := client.UpdateWorldState(ctx, map[string]value.Value{"mode": value.String("focus")})
	require.NoError(t, err)
	_, err = client.UpdateWorldState(ctx, nil)
	require.ErrorIs(t, err, memtier.ErrValidation)

	events, err := client.AuditTrail(ctx, "world_state", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, types.OutcomeSuccess, events[0].Outcome)
	assert.Equal(t, "version 1", events[0].Detail)

	assert.Equal(t, types.OutcomeFailure, events[1].Outcome)
	assert.Empty(t, events[1].Detail, "a failed update commits no version")
	assert.Equal(t, int64(1), client.WorldState().Version)
}

func TestGoals(t *testing.T) {
	client, _ := setupClient(t)
	ctx := context.Background()

	design, err := client.CreateGoal(ctx, goal.Spec{ID: "design", Title: "design", Priority: 3})
	require.NoError(t, err)
	assert.Equal(t, goal.StatusNotStarted, design.Status)

	build, err := client.CreateGoal(ctx, goal.Spec{ID: "build", Title: "build", Priority: 5, Dependencies: []string{"design"}})
	require.NoError(t, err)
	assert.Equal(t, goal.StatusBlocked, build.Status)

	_, err = client.SetGoalStatus(ctx, "build", goal.StatusCompleted)
	assert.ErrorIs(t, err, memtier.ErrDependencyViolation)

	_, err = client.AddGoalDependency(ctx, "design", "build")
	assert.ErrorIs(t, err, memtier.ErrCyclicDependency)

	_, err = client.SetGoalStatus(ctx, "design", goal.StatusCompleted)
	require.NoError(t, err)

	unblocked, err := client.GetGoal("build")
	require.NoError(t, err)
	assert.Equal(t, goal.StatusNotStarted, unblocked.Status)

	open := client.QueryGoals(goal.Filter{Statuses: []goal.Status{goal.StatusNotStarted}})
	require.Len(t, open, 1)
	assert.Equal(t, "build", open[0].ID)

	all := client.QueryGoals(goal.Filter{})
	require.Len(t, all, 2)
	assert.Equal(t, "build", all[0].ID, "highest priority first")

	_, err = client.GetGoal("missing")
	assert.ErrorIs(t, err, memtier.ErrNotFound)
}
