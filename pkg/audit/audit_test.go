package audit_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/memtier-go/pkg/audit"
	"github.com/oceanbase/memtier-go/pkg/types"
)

type failingLog struct{}

func (failingLog) Append(ctx context.Context, ev types.AuditEvent) error {
	return errors.New("disk full")
}

func (failingLog) List(ctx context.Context, subjectID string, limit int) ([]types.AuditEvent, error) {
	return nil, nil
}

func TestRecorder_RecordsOutcome(t *testing.T) {
	ctx := context.Background()
	rec := audit.NewRecorder(audit.NewMemoryLog(), nil)

	rec.Record(ctx, audit.OpCreate, "stm-1", nil, "")
	rec.Record(ctx, audit.OpConsolidate, "stm-1", types.ErrConsolidationFailed, "vector upsert")
	rec.Record(ctx, audit.OpCreate, "stm-2", nil, "")

	events, err := rec.Trail(ctx, "stm-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, audit.OpCreate, events[0].Op)
	assert.Equal(t, types.OutcomeSuccess, events[0].Outcome)
	assert.Empty(t, events[0].Error)

	assert.Equal(t, audit.OpConsolidate, events[1].Op)
	assert.Equal(t, types.OutcomeFailure, events[1].Outcome)
	assert.Equal(t, "consolidation failed", events[1].Error)
	assert.Equal(t, "vector upsert", events[1].Detail)

	// ULIDs from the monotonic source sort in recording order.
	assert.Less(t, events[0].ID, events[1].ID)
}

func TestRecorder_ListLimitKeepsNewest(t *testing.T) {
	ctx := context.Background()
	rec := audit.NewRecorder(audit.NewMemoryLog(), nil)

	for i := 0; i < 5; i++ {
		rec.Record(ctx, audit.OpWorldStateUpdate, "world", nil, "")
	}
	rec.Record(ctx, audit.OpRollback, "world", nil, "")

	events, err := rec.Trail(ctx, "world", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, audit.OpRollback, events[1].Op)

	all, err := rec.Trail(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

func TestRecorder_AppendFailureIsSwallowed(t *testing.T) {
	rec := audit.NewRecorder(failingLog{}, nil)
	assert.NotPanics(t, func() {
		rec.Record(context.Background(), audit.OpForget, "ltm-1", nil, "")
	})
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var rec *audit.Recorder
	assert.NotPanics(t, func() {
		rec.Record(context.Background(), audit.OpForget, "ltm-1", nil, "")
	})
}
