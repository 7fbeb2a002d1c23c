package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/oceanbase/memtier-go/pkg/audit"
	"github.com/oceanbase/memtier-go/pkg/consolidation"
	"github.com/oceanbase/memtier-go/pkg/durable"
	"github.com/oceanbase/memtier-go/pkg/types"
	"github.com/oceanbase/memtier-go/pkg/value"
)

const defaultSimilarityLimit = 10

// CreateLongTerm stores a memory directly in the long-term tier.
//
// The document, its relationship edges and its vector are written as one
// unit: if any write fails the others are undone.
//
// Parameters:
//   - ctx: Context for cancellation
//   - content: Memory payload (embedded with the configured provider)
//   - md: Category, tags, confidence and attributes
//   - rels: Outgoing relationships, kept in order
//
// Returns the stored memory at version 1.
//
// Example:
//
//	mem, err := client.CreateLongTerm(ctx, "Paris is the capital of France",
//	    types.LongTermMetadata{Category: "fact", Confidence: 0.9},
//	    []types.Relationship{{Type: "related_to", TargetID: "france"}},
//	)
func (c *Client) CreateLongTerm(ctx context.Context, content string, md types.LongTermMetadata, rels []types.Relationship) (*types.ConsolidatedMemory, error) {
	mem, err := c.createLongTerm(ctx, content, md, rels)
	subject := ""
	if mem != nil {
		subject = mem.ID
	}
	c.recorder.Record(ctx, audit.OpLongTermCreate, subject, err, "")
	if err != nil {
		return nil, wrap("CreateLongTerm", err)
	}
	return mem, nil
}

func (c *Client) createLongTerm(ctx context.Context, content string, md types.LongTermMetadata, rels []types.Relationship) (*types.ConsolidatedMemory, error) {
	if strings.TrimSpace(content) == "" {
		return nil, types.Errorf(ErrValidation, "content is required")
	}
	md = md.Clone()
	if err := validateLongTermMetadata(&md); err != nil {
		return nil, err
	}
	for _, rel := range rels {
		if rel.Type == "" || rel.TargetID == "" {
			return nil, types.Errorf(ErrValidation, "relationship needs a type and a target")
		}
	}

	embedding, err := c.embed(ctx, content)
	if err != nil {
		return nil, err
	}

	now := c.registry.Now()
	mem := &types.ConsolidatedMemory{
		ID:            c.engine.NewLongTermID(),
		Content:       content,
		Metadata:      md,
		Embedding:     embedding,
		Version:       1,
		Relationships: cloneRelationships(rels),
		CreatedAt:     now,
		UpdatedAt:     now,
		Provenance: types.Provenance{
			Trail: []types.Transition{{Event: audit.OpLongTermCreate, At: now, Outcome: types.OutcomeSuccess}},
		},
	}

	release := c.engine.InFlight().Acquire(mem.ID)
	defer release()

	err = consolidation.NewSaga(c.capabilityTTL, c.logger).Run(ctx,
		consolidation.Step{
			Name: "document",
			Do:   func(ctx context.Context) error { return c.durable.Documents.InsertDocument(ctx, mem) },
			Undo: func(ctx context.Context) error {
				_, err := c.durable.Documents.DeleteDocument(ctx, mem.ID)
				return err
			},
		},
		consolidation.Step{
			Name: "edges",
			Do:   func(ctx context.Context) error { return c.durable.Graph.AddEdges(ctx, mem.ID, mem.Relationships) },
			Undo: func(ctx context.Context) error {
				_, err := c.durable.Graph.DeleteEdges(ctx, mem.ID)
				return err
			},
		},
		consolidation.Step{
			Name: "vector",
			Do:   func(ctx context.Context) error { return c.durable.Vectors.Upsert(ctx, mem.ID, mem.Embedding) },
			Undo: func(ctx context.Context) error { return c.durable.Vectors.DeleteVector(ctx, mem.ID) },
		},
	)
	if err != nil {
		return nil, err
	}
	return mem, nil
}

// GetLongTerm returns a long-term memory with its relationships.
func (c *Client) GetLongTerm(ctx context.Context, id string) (*types.ConsolidatedMemory, error) {
	mem, err := c.getDocument(ctx, id)
	if err != nil {
		return nil, wrap("GetLongTerm", err)
	}
	rels, err := c.edges(ctx, id)
	if err != nil {
		return nil, wrap("GetLongTerm", err)
	}
	mem.Relationships = rels
	return mem, nil
}

// UpdateLongTerm applies patch to a long-term memory and increments its
// version. A content change recomputes the embedding.
//
// Returns:
//   - ErrValidation for an empty or malformed patch
//   - ErrConflict when ExpectedVersion is stale or another write holds the id
//   - ErrDependencyViolation when the category or tags of a memory
//     referenced by a Completed goal would change
//
// Example:
//
//	confidence := 0.95
//	mem, err := client.UpdateLongTerm(ctx, id, core.LongTermPatch{
//	    Confidence:      &confidence,
//	    ExpectedVersion: mem.Version,
//	})
func (c *Client) UpdateLongTerm(ctx context.Context, id string, patch LongTermPatch) (*types.ConsolidatedMemory, error) {
	mem, err := c.updateLongTerm(ctx, id, patch)
	c.recorder.Record(ctx, audit.OpLongTermUpdate, id, err, versionDetail(mem))
	if err != nil {
		return nil, wrap("UpdateLongTerm", err)
	}
	return mem, nil
}

func (c *Client) updateLongTerm(ctx context.Context, id string, patch LongTermPatch) (*types.ConsolidatedMemory, error) {
	if patch.empty() {
		return nil, types.Errorf(ErrValidation, "empty patch")
	}
	if patch.Content != nil && strings.TrimSpace(*patch.Content) == "" {
		return nil, types.Errorf(ErrValidation, "content is required")
	}

	release, ok := c.engine.InFlight().TryAcquire(id)
	if !ok {
		return nil, types.Errorf(ErrConflict, "long-term memory %s is being written", id)
	}
	defer release()

	current, err := c.getDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.ExpectedVersion != 0 && patch.ExpectedVersion != current.Version {
		return nil, types.Errorf(ErrConflict, "long-term memory %s is at version %d, not %d", id, current.Version, patch.ExpectedVersion)
	}

	updated := current.Clone()
	md := &updated.Metadata
	if patch.Category != nil {
		md.Category = *patch.Category
	}
	if patch.Tags != nil {
		md.Tags = append([]string(nil), (*patch.Tags)...)
	}
	if patch.Confidence != nil {
		md.Confidence = *patch.Confidence
	}
	if len(patch.Attributes) > 0 {
		if md.Attributes == nil {
			md.Attributes = make(map[string]value.Value, len(patch.Attributes))
		}
		for k, v := range patch.Attributes {
			md.Attributes[k] = v
		}
	}
	if err := validateLongTermMetadata(md); err != nil {
		return nil, err
	}
	if md.Category != current.Metadata.Category || !sameTags(md.Tags, current.Metadata.Tags) {
		if err := c.gate(id); err != nil {
			return nil, err
		}
	}

	contentChanged := patch.Content != nil && *patch.Content != current.Content
	if contentChanged {
		updated.Content = *patch.Content
		if updated.Embedding, err = c.embed(ctx, updated.Content); err != nil {
			return nil, err
		}
	}

	now := c.registry.Now()
	updated.Version = current.Version + 1
	updated.UpdatedAt = now
	updated.Provenance.Trail = append(updated.Provenance.Trail, types.Transition{
		Event:   audit.OpLongTermUpdate,
		At:      now,
		Outcome: types.OutcomeSuccess,
		Detail:  fmt.Sprintf("version %d", updated.Version),
	})

	var steps []consolidation.Step
	if contentChanged {
		steps = append(steps, consolidation.Step{
			Name: "vector",
			Do:   func(ctx context.Context) error { return c.durable.Vectors.Upsert(ctx, id, updated.Embedding) },
			Undo: func(ctx context.Context) error { return c.durable.Vectors.Upsert(ctx, id, current.Embedding) },
		})
	}
	steps = append(steps, consolidation.Step{
		Name: "document",
		Do: func(ctx context.Context) error {
			return c.durable.Documents.UpdateDocument(ctx, updated, current.Version)
		},
	})
	if err := consolidation.NewSaga(c.capabilityTTL, c.logger).Run(ctx, steps...); err != nil {
		return nil, err
	}

	rels, err := c.edges(ctx, id)
	if err != nil {
		return nil, err
	}
	updated.Relationships = rels
	return updated, nil
}

// DeleteLongTerm removes a long-term memory with its edges and vector.
//
// Returns ErrNotFound for unknown ids, ErrConflict while another write holds
// the id and ErrDependencyViolation when a Completed goal references it.
func (c *Client) DeleteLongTerm(ctx context.Context, id string) error {
	err := c.removeLongTerm(ctx, id)
	c.recorder.Record(ctx, audit.OpLongTermDelete, id, err, "")
	return wrap("DeleteLongTerm", err)
}

// removeLongTerm deletes the vector and edges before the document, so a
// failed attempt can be retried until the document is gone.
func (c *Client) removeLongTerm(ctx context.Context, id string) error {
	if err := c.gate(id); err != nil {
		return err
	}
	release, ok := c.engine.InFlight().TryAcquire(id)
	if !ok {
		return types.Errorf(ErrConflict, "long-term memory %s is referenced by an in-flight operation", id)
	}
	defer release()

	if _, err := c.getDocument(ctx, id); err != nil {
		return err
	}

	callCtx, cancel := c.bounded(ctx)
	defer cancel()
	if err := c.durable.Vectors.DeleteVector(callCtx, id); err != nil {
		return types.Translate(err)
	}
	if _, err := c.durable.Graph.DeleteEdges(callCtx, id); err != nil {
		return types.Translate(err)
	}
	existed, err := c.durable.Documents.DeleteDocument(callCtx, id)
	if err != nil {
		return types.Translate(err)
	}
	if !existed {
		return types.Errorf(ErrNotFound, "long-term memory %s", id)
	}
	return nil
}

// SearchLongTerm returns long-term memories matching filter, newest first.
// Results do not carry relationships; use Relationships or GetLongTerm.
//
// Parameters:
//   - ctx: Context for cancellation
//   - filter: Category, tags, confidence range, content substring, offset
//   - limit: Maximum number of results; overrides filter.Limit when > 0
//
// Example:
//
//	minConfidence := 0.5
//	mems, _ := client.SearchLongTerm(ctx, durable.Filter{
//	    Category:      "fact",
//	    MinConfidence: &minConfidence,
//	}, 20)
func (c *Client) SearchLongTerm(ctx context.Context, filter durable.Filter, limit int) ([]*types.ConsolidatedMemory, error) {
	if limit < 0 || filter.Limit < 0 || filter.Offset < 0 {
		return nil, wrap("SearchLongTerm", types.Errorf(ErrValidation, "negative limit or offset"))
	}
	if limit > 0 {
		filter.Limit = limit
	}
	tags, err := types.NormalizeTags(filter.Tags)
	if err != nil {
		return nil, wrap("SearchLongTerm", err)
	}
	filter.Tags = tags

	callCtx, cancel := c.bounded(ctx)
	defer cancel()
	mems, err := c.durable.Documents.SearchDocuments(callCtx, filter)
	if err != nil {
		return nil, wrap("SearchLongTerm", err)
	}
	return mems, nil
}

// Similarity returns the long-term memories nearest to a text or an
// embedding, best first, with Score set to the cosine similarity.
//
// Example:
//
//	mems, _ := client.Similarity(ctx, core.SimilarityQuery{
//	    Text:      "programming languages",
//	    Limit:     5,
//	    Threshold: 0.2,
//	})
func (c *Client) Similarity(ctx context.Context, query SimilarityQuery) ([]*types.ConsolidatedMemory, error) {
	mems, err := c.similarity(ctx, query)
	if err != nil {
		return nil, wrap("Similarity", err)
	}
	return mems, nil
}

func (c *Client) similarity(ctx context.Context, query SimilarityQuery) ([]*types.ConsolidatedMemory, error) {
	hasText := strings.TrimSpace(query.Text) != ""
	if hasText == (len(query.Embedding) > 0) {
		return nil, types.Errorf(ErrValidation, "exactly one of text and embedding is required")
	}
	if query.Limit < 0 {
		return nil, types.Errorf(ErrValidation, "negative limit")
	}
	if query.Threshold < -1 || query.Threshold > 1 {
		return nil, types.Errorf(ErrValidation, "threshold %v outside [-1, 1]", query.Threshold)
	}
	limit := query.Limit
	if limit == 0 {
		limit = defaultSimilarityLimit
	}

	embedding := query.Embedding
	if hasText {
		var err error
		if embedding, err = c.embed(ctx, query.Text); err != nil {
			return nil, err
		}
	} else if dims := c.embedder.Dimensions(); dims > 0 && len(embedding) != dims {
		return nil, types.Errorf(ErrValidation, "embedding has %d dimensions, want %d", len(embedding), dims)
	}

	callCtx, cancel := c.bounded(ctx)
	matches, err := c.durable.Vectors.Query(callCtx, embedding, limit, query.Threshold)
	cancel()
	if err != nil {
		return nil, types.Translate(err)
	}

	out := make([]*types.ConsolidatedMemory, 0, len(matches))
	for _, m := range matches {
		mem, err := c.getDocument(ctx, m.ID)
		if errors.Is(err, ErrNotFound) {
			// Removed between the vector query and the read.
			continue
		}
		if err != nil {
			return nil, err
		}
		mem.Score = m.Score
		out = append(out, mem)
	}
	return out, nil
}

// Relationships returns the outgoing edges of a long-term memory in the
// order they were added.
func (c *Client) Relationships(ctx context.Context, id string) ([]types.Relationship, error) {
	if _, err := c.getDocument(ctx, id); err != nil {
		return nil, wrap("Relationships", err)
	}
	rels, err := c.edges(ctx, id)
	if err != nil {
		return nil, wrap("Relationships", err)
	}
	return rels, nil
}

func (c *Client) getDocument(ctx context.Context, id string) (*types.ConsolidatedMemory, error) {
	callCtx, cancel := c.bounded(ctx)
	defer cancel()
	mem, err := c.durable.Documents.GetDocument(callCtx, id)
	if err != nil {
		return nil, types.Translate(err)
	}
	return mem, nil
}

func (c *Client) edges(ctx context.Context, id string) ([]types.Relationship, error) {
	callCtx, cancel := c.bounded(ctx)
	defer cancel()
	rels, err := c.durable.Graph.Edges(callCtx, id)
	if err != nil {
		return nil, types.Translate(err)
	}
	return rels, nil
}

func (c *Client) embed(ctx context.Context, text string) ([]float64, error) {
	callCtx, cancel := c.bounded(ctx)
	defer cancel()
	embedding, err := c.embedder.Embed(callCtx, text)
	if err != nil {
		return nil, types.Translate(err)
	}
	return embedding, nil
}

func validateLongTermMetadata(md *types.LongTermMetadata) error {
	if md.Confidence < 0 || md.Confidence > 1 {
		return types.Errorf(ErrValidation, "confidence %v outside [0, 1]", md.Confidence)
	}
	tags, err := types.NormalizeTags(md.Tags)
	if err != nil {
		return err
	}
	md.Tags = tags
	return nil
}

func cloneRelationships(rels []types.Relationship) []types.Relationship {
	if len(rels) == 0 {
		return nil
	}
	out := make([]types.Relationship, len(rels))
	for i, r := range rels {
		r.Properties = value.CloneMap(r.Properties)
		out[i] = r
	}
	return out
}

func versionDetail(mem *types.ConsolidatedMemory) string {
	if mem == nil {
		return ""
	}
	return fmt.Sprintf("version %d", mem.Version)
}
