package core_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memtier "github.com/oceanbase/memtier-go/pkg/core"
	"github.com/oceanbase/memtier-go/pkg/durable"
	"github.com/oceanbase/memtier-go/pkg/embedder/hash"
	"github.com/oceanbase/memtier-go/pkg/goal"
	"github.com/oceanbase/memtier-go/pkg/types"
	"github.com/oceanbase/memtier-go/pkg/value"
)

// stallingEmbedder blocks Embed for one text until released.
type stallingEmbedder struct {
	*hash.Client
	text    string
	entered chan struct{}
	release chan struct{}
}

func newStallingEmbedder(text string) *stallingEmbedder {
	return &stallingEmbedder{
		Client:  hash.NewClient(64),
		text:    text,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (e *stallingEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if text == e.text {
		close(e.entered)
		select {
		case <-e.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.Client.Embed(ctx, text)
}

func TestLongTermCRUD(t *testing.T) {
	client, _ := setupClient(t)
	ctx := context.Background()

	mem, err := client.CreateLongTerm(ctx, "Paris is the capital of France", types.LongTermMetadata{
		Category:   "fact",
		Tags:       []string{"geo", "europe"},
		Confidence: 0.9,
		Attributes: map[string]value.Value{"source": value.String("atlas")},
	}, []types.Relationship{
		{Type: "related_to", TargetID: "france"},
		{Type: "related_to", TargetID: "paris", Properties: map[string]value.Value{"weight": value.Float(0.5)}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, mem.ID)
	assert.Equal(t, int64(1), mem.Version)
	assert.Equal(t, []string{"europe", "geo"}, mem.Metadata.Tags)
	assert.Len(t, mem.Embedding, 64)

	got, err := client.GetLongTerm(ctx, mem.ID)
	require.NoError(t, err)
	assert.Equal(t, mem.Content, got.Content)
	require.Len(t, got.Relationships, 2)
	assert.Equal(t, "france", got.Relationships[0].TargetID)
	assert.Equal(t, "paris", got.Relationships[1].TargetID)

	t.Run("update bumps the version", func(t *testing.T) {
		content := "Paris is the capital and largest city of France"
		confidence := 0.95
		updated, err := client.UpdateLongTerm(ctx, mem.ID, memtier.LongTermPatch{
			Content:    &content,
			Confidence: &confidence,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.Version)
		assert.Equal(t, content, updated.Content)
		assert.Len(t, updated.Relationships, 2)

		reread, err := client.GetLongTerm(ctx, mem.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), reread.Version)
		assert.Equal(t, 0.95, reread.Metadata.Confidence)
	})

	t.Run("stale expected version", func(t *testing.T) {
		category := "trivia"
		_, err := client.UpdateLongTerm(ctx, mem.ID, memtier.LongTermPatch{Category: &category, ExpectedVersion: 1})
		assert.ErrorIs(t, err, memtier.ErrConflict)
	})

	t.Run("empty patch", func(t *testing.T) {
		_, err := client.UpdateLongTerm(ctx, mem.ID, memtier.LongTermPatch{})
		assert.ErrorIs(t, err, memtier.ErrValidation)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, client.DeleteLongTerm(ctx, mem.ID))
		_, err := client.GetLongTerm(ctx, mem.ID)
		assert.ErrorIs(t, err, memtier.ErrNotFound)
		assert.ErrorIs(t, client.DeleteLongTerm(ctx, mem.ID), memtier.ErrNotFound)
	})
}

func TestCreateLongTermValidation(t *testing.T) {
	client, _ := setupClient(t)
	ctx := context.Background()

	_, err := client.CreateLongTerm(ctx, "", types.LongTermMetadata{}, nil)
	assert.ErrorIs(t, err, memtier.ErrValidation)

	_, err = client.CreateLongTerm(ctx, "x", types.LongTermMetadata{Confidence: 1.5}, nil)
	assert.ErrorIs(t, err, memtier.ErrValidation)

	_, err = client.CreateLongTerm(ctx, "x", types.LongTermMetadata{}, []types.Relationship{{Type: "related_to"}})
	assert.ErrorIs(t, err, memtier.ErrValidation)
}

func TestSearchLongTerm(t *testing.T) {
	client, clock := setupClient(t)
	ctx := context.Background()

	create := func(content, category string, confidence float64, tags ...string) *types.ConsolidatedMemory {
		mem, err := client.CreateLongTerm(ctx, content, types.LongTermMetadata{
			Category:   category,
			Tags:       tags,
			Confidence: confidence,
		}, nil)
		require.NoError(t, err)
		clock.Advance(1e9)
		return mem
	}
	create("Go has goroutines", "fact", 0.9, "go")
	create("Rust has lifetimes", "fact", 0.4, "rust")
	create("Standup moved to 10", "event", 0.7)

	mems, err := client.SearchLongTerm(ctx, durable.Filter{Category: "fact"}, 0)
	require.NoError(t, err)
	assert.Len(t, mems, 2)

	minConfidence := 0.5
	mems, err = client.SearchLongTerm(ctx, durable.Filter{Category: "fact", MinConfidence: &minConfidence}, 0)
	require.NoError(t, err)
	require.Len(t, mems, 1)
	assert.Equal(t, "Go has goroutines", mems[0].Content)

	mems, err = client.SearchLongTerm(ctx, durable.Filter{Tags: []string{"rust"}}, 0)
	require.NoError(t, err)
	require.Len(t, mems, 1)
	assert.Equal(t, "Rust has lifetimes", mems[0].Content)

	mems, err = client.SearchLongTerm(ctx, durable.Filter{}, 2)
	require.NoError(t, err)
	assert.Len(t, mems, 2)

	_, err = client.SearchLongTerm(ctx, durable.Filter{}, -1)
	assert.ErrorIs(t, err, memtier.ErrValidation)
}

func TestSimilarity(t *testing.T) {
	client, _ := setupClient(t)
	ctx := context.Background()

	target, err := client.CreateLongTerm(ctx, "the quick brown fox", types.LongTermMetadata{Confidence: 0.8}, nil)
	require.NoError(t, err)
	_, err = client.CreateLongTerm(ctx, "an entirely different sentence about databases", types.LongTermMetadata{Confidence: 0.8}, nil)
	require.NoError(t, err)

	mems, err := client.Similarity(ctx, memtier.SimilarityQuery{Text: "the quick brown fox", Limit: 1})
	require.NoError(t, err)
	require.Len(t, mems, 1)
	assert.Equal(t, target.ID, mems[0].ID)
	assert.InDelta(t, 1.0, mems[0].Score, 1e-6)

	mems, err = client.Similarity(ctx, memtier.SimilarityQuery{Embedding: target.Embedding})
	require.NoError(t, err)
	require.NotEmpty(t, mems)
	assert.Equal(t, target.ID, mems[0].ID)

	t.Run("invalid queries", func(t *testing.T) {
		tests := []struct {
			name  string
			query memtier.SimilarityQuery
		}{
			{name: "neither text nor embedding", query: memtier.SimilarityQuery{}},
			{name: "both text and embedding", query: memtier.SimilarityQuery{Text: "x", Embedding: target.Embedding}},
			{name: "wrong dimensions", query: memtier.SimilarityQuery{Embedding: []float64{1, 0}}},
			{name: "threshold out of range", query: memtier.SimilarityQuery{Text: "x", Threshold: 2}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := client.Similarity(ctx, tt.query)
				assert.ErrorIs(t, err, memtier.ErrValidation)
			})
		}
	})
}

func TestLongTermGoalGate(t *testing.T) {
	client, _ := setupClient(t)
	ctx := context.Background()

	mem, err := client.CreateLongTerm(ctx, "launch checklist", types.LongTermMetadata{Category: "plan", Confidence: 0.7}, nil)
	require.NoError(t, err)

	g, err := client.CreateGoal(ctx, goal.Spec{Title: "launch", MemoryRefs: []string{mem.ID}})
	require.NoError(t, err)
	_, err = client.SetGoalStatus(ctx, g.ID, goal.StatusCompleted)
	require.NoError(t, err)

	tags := []string{"archived"}
	_, err = client.UpdateLongTerm(ctx, mem.ID, memtier.LongTermPatch{Tags: &tags})
	assert.ErrorIs(t, err, memtier.ErrDependencyViolation)

	assert.ErrorIs(t, client.Forget(ctx, mem.ID), memtier.ErrDependencyViolation)
	assert.ErrorIs(t, client.DeleteLongTerm(ctx, mem.ID), memtier.ErrDependencyViolation)

	_, err = client.GetLongTerm(ctx, mem.ID)
	assert.NoError(t, err)
}

func TestForgetWhileUpdating(t *testing.T) {
	emb := newStallingEmbedder("rewritten while forgetting")
	client, _ := setupClient(t, memtier.WithEmbedder(emb))
	ctx := context.Background()

	mem, err := client.CreateLongTerm(ctx, "original", types.LongTermMetadata{Confidence: 0.5}, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		content := "rewritten while forgetting"
		_, err := client.UpdateLongTerm(ctx, mem.ID, memtier.LongTermPatch{Content: &content})
		done <- err
	}()
	<-emb.entered

	err = client.Forget(ctx, mem.ID)
	assert.ErrorIs(t, err, memtier.ErrConflict)

	close(emb.release)
	require.NoError(t, <-done)

	require.NoError(t, client.Forget(ctx, mem.ID))
	_, err = client.GetLongTerm(ctx, mem.ID)
	assert.ErrorIs(t, err, memtier.ErrNotFound)

	events, err := client.AuditTrail(ctx, mem.ID, 0)
	require.NoError(t, err)
	var outcomes []types.Outcome
	for _, e := range events {
		if e.Op == "forget" {
			outcomes = append(outcomes, e.Outcome)
		}
	}
	assert.Equal(t, []types.Outcome{types.OutcomeFailure, types.OutcomeSuccess}, outcomes)
}

func TestRelationships(t *testing.T) {
	client, _ := setupClient(t)
	ctx := context.Background()

	mem, err := client.CreateLongTerm(ctx, "edges", types.LongTermMetadata{}, []types.Relationship{
		{Type: "part_of", TargetID: "project-x"},
	})
	require.NoError(t, err)

	rels, err := client.Relationships(ctx, mem.ID)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, "part_of", rels[0].Type)

	_, err = client.Relationships(ctx, "missing")
	assert.ErrorIs(t, err, memtier.ErrNotFound)
}
