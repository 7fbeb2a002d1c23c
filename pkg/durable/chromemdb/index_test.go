package chromemdb_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/memtier-go/pkg/durable/chromemdb"
	"github.com/oceanbase/memtier-go/pkg/types"
)

func TestIndexQuery(t *testing.T) {
	ctx := context.Background()
	idx, err := chromemdb.NewIndex(nil)
	require.NoError(t, err)

	matches, err := idx.Query(ctx, []float64{1, 0}, 5, 0)
	require.NoError(t, err)
	assert.Empty(t, matches)

	require.NoError(t, idx.Upsert(ctx, "x", []float64{2, 0}))
	require.NoError(t, idx.Upsert(ctx, "y", []float64{0, 3}))
	require.NoError(t, idx.Upsert(ctx, "xy", []float64{1, 1}))

	// A limit larger than the collection is clamped.
	matches, err = idx.Query(ctx, []float64{1, 0}, 10, 0.5)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "x", matches[0].ID)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-5)
	assert.Equal(t, "xy", matches[1].ID)
	assert.InDelta(t, 0.7071, matches[1].Score, 1e-3)

	matches, err = idx.Query(ctx, []float64{0, 1}, 1, 0)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "y", matches[0].ID)
}

func TestIndexUpsertReplacesAndDelete(t *testing.T) {
	ctx := context.Background()
	idx, err := chromemdb.NewIndex(&chromemdb.Config{PersistDir: t.TempDir(), Collection: "test"})
	require.NoError(t, err)

	require.NoError(t, idx.Upsert(ctx, "a", []float64{1, 0}))
	require.NoError(t, idx.Upsert(ctx, "a", []float64{0, 1}))
	assert.Equal(t, 1, idx.Count())

	matches, err := idx.Query(ctx, []float64{0, 1}, 1, 0.9)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "a", matches[0].ID)

	require.NoError(t, idx.DeleteVector(ctx, "a"))
	require.NoError(t, idx.DeleteVector(ctx, "a"))
	assert.Equal(t, 0, idx.Count())
}

func TestIndexRejectsZeroVector(t *testing.T) {
	idx, err := chromemdb.NewIndex(nil)
	require.NoError(t, err)

	err = idx.Upsert(context.Background(), "z", []float64{0, 0, 0})
	assert.ErrorIs(t, err, types.ErrValidation)
	err = idx.Upsert(context.Background(), "z", nil)
	assert.ErrorIs(t, err, types.ErrValidation)
}
