package core_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memtier "github.com/oceanbase/memtier-go/pkg/core"
	"github.com/oceanbase/memtier-go/pkg/types"
)

func TestConsolidate(t *testing.T) {
	client, _ := setupClient(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 6; i++ {
		rec, err := client.CreateShortTerm(ctx, fmt.Sprintf("frequently read fact %d", i),
			types.Metadata{Category: "fact", Importance: 3}, memtier.WithTTL(time.Hour))
		require.NoError(t, err)
		for j := 0; j < 5; j++ {
			_, err := client.GetShortTerm(ctx, rec.ID)
			require.NoError(t, err)
		}
		ids = append(ids, rec.ID)
	}
	cold, err := client.CreateShortTerm(ctx, "read once", types.Metadata{Importance: 1}, memtier.WithTTL(time.Hour))
	require.NoError(t, err)

	result, err := client.Consolidate(ctx, memtier.ConsolidateOptions{Threshold: 5, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 6, result.ConsolidatedCount)
	assert.Equal(t, 0, result.FailedCount)
	require.Len(t, result.LongTermIDs, 6)

	for _, ltmID := range result.LongTermIDs {
		mem, err := client.GetLongTerm(ctx, ltmID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), mem.Version)
		assert.Equal(t, "fact", mem.Metadata.Category)
		assert.NotEmpty(t, mem.Provenance.SourceSTMID)
	}
	for _, id := range ids {
		_, err := client.GetShortTerm(ctx, id)
		assert.ErrorIs(t, err, memtier.ErrNotFound)
	}
	_, err = client.GetShortTerm(ctx, cold.ID)
	assert.NoError(t, err, "records below the threshold stay short-term")

	again, err := client.Consolidate(ctx, memtier.ConsolidateOptions{Threshold: 5})
	require.NoError(t, err)
	assert.Equal(t, 0, again.ConsolidatedCount)
}

func TestConsolidateConcurrentBatches(t *testing.T) {
	client, _ := setupClient(t)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		rec, err := client.CreateShortTerm(ctx, fmt.Sprintf("marked %d", i), types.Metadata{}, memtier.WithTTL(time.Hour))
		require.NoError(t, err)
		_, err = client.MarkForConsolidation(ctx, rec.ID)
		require.NoError(t, err)
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := client.Consolidate(ctx, memtier.ConsolidateOptions{})
			assert.NoError(t, err)
			if res != nil {
				mu.Lock()
				total += res.ConsolidatedCount
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, total, "each record is consolidated exactly once")
}

func TestConsolidateValidation(t *testing.T) {
	client, _ := setupClient(t)
	_, err := client.Consolidate(context.Background(), memtier.ConsolidateOptions{Limit: -1})
	assert.ErrorIs(t, err, memtier.ErrValidation)
}

func TestRetrieve(t *testing.T) {
	client, clock := setupClient(t)
	ctx := context.Background()

	mem, err := client.CreateLongTerm(ctx, "Berlin is the capital of Germany", types.LongTermMetadata{
		Category:   "fact",
		Tags:       []string{"geo"},
		Confidence: 0.64,
	}, nil)
	require.NoError(t, err)

	ttl := 30 * time.Minute
	res, err := client.Retrieve(ctx, mem.ID, &ttl)
	require.NoError(t, err)
	assert.Equal(t, mem.ID, res.LTMID)
	require.NotNil(t, res.ExpiresAt)
	assert.Equal(t, clock.Now().Add(ttl), *res.ExpiresAt)

	rec, err := client.GetShortTerm(ctx, res.STMID)
	require.NoError(t, err)
	assert.Equal(t, mem.Content, rec.Content)
	assert.Equal(t, mem.ID, rec.SourceLTMID)
	assert.Equal(t, "fact", rec.Metadata.Category)
	assert.Equal(t, []string{"geo"}, rec.Metadata.Tags)
	assert.Equal(t, 6, rec.Metadata.Importance)
	require.NotNil(t, rec.RetrievedAt)

	original, err := client.GetLongTerm(ctx, mem.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), original.Version, "retrieval leaves the long-term memory unchanged")

	_, err = client.Retrieve(ctx, "missing", nil)
	assert.ErrorIs(t, err, memtier.ErrNotFound)

	zero := time.Duration(0)
	_, err = client.Retrieve(ctx, mem.ID, &zero)
	assert.ErrorIs(t, err, memtier.ErrValidation)
}

func TestForget(t *testing.T) {
	client, _ := setupClient(t)
	ctx := context.Background()

	mem, err := client.CreateLongTerm(ctx, "to be forgotten", types.LongTermMetadata{Confidence: 0.3},
		[]types.Relationship{{Type: "related_to", TargetID: "x"}})
	require.NoError(t, err)

	require.NoError(t, client.Forget(ctx, mem.ID))
	_, err = client.GetLongTerm(ctx, mem.ID)
	assert.ErrorIs(t, err, memtier.ErrNotFound)

	found, err := client.Similarity(ctx, memtier.SimilarityQuery{Text: "to be forgotten"})
	require.NoError(t, err)
	assert.Empty(t, found)

	assert.ErrorIs(t, client.Forget(ctx, mem.ID), memtier.ErrNotFound)
}
