package consolidation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/memtier-go/pkg/consolidation"
	"github.com/oceanbase/memtier-go/pkg/types"
)

func TestSagaCompensatesInReverse(t *testing.T) {
	var trail []string
	step := func(name string, fail bool) consolidation.Step {
		return consolidation.Step{
			Name: name,
			Do: func(ctx context.Context) error {
				trail = append(trail, "do "+name)
				if fail {
					return errors.New("boom")
				}
				return nil
			},
			Undo: func(ctx context.Context) error {
				trail = append(trail, "undo "+name)
				return nil
			},
		}
	}

	err := consolidation.NewSaga(0, nil).Run(context.Background(),
		step("a", false), step("b", false), step("c", true), step("d", false))
	require.Error(t, err)

	var stepErr *consolidation.StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "c", stepErr.Step)
	assert.ErrorIs(t, err, types.ErrStorageOperation)
	assert.Equal(t, []string{"do a", "do b", "do c", "undo c", "undo b", "undo a"}, trail)
}

func TestSagaSucceeds(t *testing.T) {
	undone := false
	err := consolidation.NewSaga(time.Second, nil).Run(context.Background(), consolidation.Step{
		Name: "only",
		Do:   func(ctx context.Context) error { return nil },
		Undo: func(ctx context.Context) error { undone = true; return nil },
	})
	require.NoError(t, err)
	assert.False(t, undone)
}

func TestSagaTimeoutStillCompensates(t *testing.T) {
	var undoCtxErr error
	undoRan := false
	err := consolidation.NewSaga(10*time.Millisecond, nil).Run(context.Background(),
		consolidation.Step{
			Name: "first",
			Do:   func(ctx context.Context) error { return nil },
			Undo: func(ctx context.Context) error {
				undoRan = true
				undoCtxErr = ctx.Err()
				return nil
			},
		},
		consolidation.Step{
			Name: "slow",
			Do: func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			},
		},
	)
	assert.ErrorIs(t, err, types.ErrTimeout)
	assert.True(t, undoRan)
	assert.NoError(t, undoCtxErr)
}

func TestSagaReportsFailedCompensation(t *testing.T) {
	err := consolidation.NewSaga(0, nil).Run(context.Background(),
		consolidation.Step{
			Name: "a",
			Do:   func(ctx context.Context) error { return nil },
			Undo: func(ctx context.Context) error { return errors.New("undo failed") },
		},
		consolidation.Step{
			Name: "b",
			Do:   func(ctx context.Context) error { return types.ErrConflict },
		},
	)
	var stepErr *consolidation.StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Len(t, stepErr.Compensation, 1)
	assert.ErrorIs(t, err, types.ErrConflict)
}

func TestInFlight(t *testing.T) {
	f := consolidation.NewInFlight()
	release := f.Acquire("a", "")
	assert.True(t, f.Busy("a"))
	assert.False(t, f.Busy(""))

	_, ok := f.TryAcquire("a")
	assert.False(t, ok)

	second := f.Acquire("a")
	release()
	release()
	assert.True(t, f.Busy("a"))
	second()
	assert.False(t, f.Busy("a"))

	exclusive, ok := f.TryAcquire("a", "b")
	require.True(t, ok)
	assert.True(t, f.Busy("b"))
	exclusive()
	assert.False(t, f.Busy("b"))
}
