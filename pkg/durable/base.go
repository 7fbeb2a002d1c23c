// Package durable defines the capability interfaces behind the long-term
// tier: a document store, a relationship graph and a vector index.
//
// The engine never assumes the three live in one database. Consolidation
// writes to them in sequence and compensates on failure, so implementations
// only need single-call atomicity.
package durable

import (
	"context"

	"github.com/oceanbase/memtier-go/pkg/types"
)

// Filter selects long-term documents.
type Filter struct {
	// Category matches exactly when non-empty.
	Category string

	// Tags must all be present on a matching document.
	Tags []string

	// MinConfidence and MaxConfidence bound the confidence range (inclusive).
	MinConfidence *float64
	MaxConfidence *float64

	// Query is a case-insensitive substring match on content.
	Query string

	// Limit sets the maximum number of results (0 means no limit).
	Limit int

	// Offset skips results for pagination.
	Offset int
}

// DocumentStore persists consolidated memories keyed by id.
//
// Documents do not carry relationships; those belong to the GraphStore.
type DocumentStore interface {
	// InsertDocument stores a new document. It fails with types.ErrConflict
	// if the id already exists.
	InsertDocument(ctx context.Context, mem *types.ConsolidatedMemory) error

	// GetDocument returns the document with the given id or types.ErrNotFound.
	GetDocument(ctx context.Context, id string) (*types.ConsolidatedMemory, error)

	// UpdateDocument replaces a document if its stored version equals
	// expectedVersion. A version mismatch fails with types.ErrConflict.
	UpdateDocument(ctx context.Context, mem *types.ConsolidatedMemory, expectedVersion int64) error

	// DeleteDocument removes a document and reports whether it existed.
	DeleteDocument(ctx context.Context, id string) (bool, error)

	// SearchDocuments returns documents matching the filter, newest first.
	SearchDocuments(ctx context.Context, filter Filter) ([]*types.ConsolidatedMemory, error)

	// Close releases resources.
	Close() error
}

// GraphStore persists typed relationship edges between memories.
type GraphStore interface {
	// AddEdges appends edges from sourceID in the given order.
	AddEdges(ctx context.Context, sourceID string, rels []types.Relationship) error

	// Edges returns the outgoing edges of sourceID in insertion order.
	Edges(ctx context.Context, sourceID string) ([]types.Relationship, error)

	// DeleteEdges removes every edge from or to id and returns the count.
	DeleteEdges(ctx context.Context, id string) (int, error)
}

// VectorMatch is one nearest-neighbor result.
type VectorMatch struct {
	ID    string
	Score float64
}

// VectorIndex stores embeddings for nearest-neighbor queries.
type VectorIndex interface {
	// Upsert stores or replaces the embedding for id.
	Upsert(ctx context.Context, id string, embedding []float64) error

	// DeleteVector removes the embedding for id. Missing ids are not an error.
	DeleteVector(ctx context.Context, id string) error

	// Query returns up to limit matches with a cosine similarity of at
	// least threshold, best first.
	Query(ctx context.Context, embedding []float64, limit int, threshold float64) ([]VectorMatch, error)
}

// Store bundles the three capabilities.
type Store struct {
	Documents DocumentStore
	Graph     GraphStore
	Vectors   VectorIndex
}
