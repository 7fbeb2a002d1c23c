// Package chromemdb implements durable.VectorIndex on chromem-go, an
// embedded vector database with optional on-disk persistence.
package chromemdb

import (
	"context"
	"fmt"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/oceanbase/memtier-go/pkg/durable"
	"github.com/oceanbase/memtier-go/pkg/types"
)

// Config contains chromem configuration.
type Config struct {
	// PersistDir stores the collection on disk when non-empty; otherwise
	// the index lives in memory only.
	PersistDir string

	// Compress gzips persisted documents.
	Compress bool

	// Collection names the collection (default "memtier").
	Collection string
}

// Index is a durable.VectorIndex backed by a chromem collection.
type Index struct {
	// mu keeps Count and QueryEmbedding consistent: chromem rejects a
	// result count larger than the collection.
	mu         sync.RWMutex
	db         *chromem.DB
	collection *chromem.Collection
}

var _ durable.VectorIndex = (*Index)(nil)

// NewIndex opens or creates the collection described by cfg.
func NewIndex(cfg *Config) (*Index, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	name := cfg.Collection
	if name == "" {
		name = "memtier"
	}

	var (
		db  *chromem.DB
		err error
	)
	if cfg.PersistDir != "" {
		db, err = chromem.NewPersistentDB(cfg.PersistDir, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("NewIndex: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	// Embeddings are always supplied by the caller, so the collection never
	// needs an embedding function of its own.
	collection, err := db.GetOrCreateCollection(name, nil, noEmbedding)
	if err != nil {
		return nil, fmt.Errorf("NewIndex: %w", err)
	}
	return &Index{db: db, collection: collection}, nil
}

func noEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("chromemdb: embeddings must be supplied by the caller")
}

// Upsert implements durable.VectorIndex.
func (i *Index) Upsert(ctx context.Context, id string, embedding []float64) error {
	vec, err := toFloat32(embedding)
	if err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.collection.AddDocument(ctx, chromem.Document{ID: id, Embedding: vec}); err != nil {
		return fmt.Errorf("Upsert: %w", err)
	}
	return nil
}

// DeleteVector implements durable.VectorIndex.
func (i *Index) DeleteVector(ctx context.Context, id string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.collection.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("DeleteVector: %w", err)
	}
	return nil
}

// Query implements durable.VectorIndex.
func (i *Index) Query(ctx context.Context, embedding []float64, limit int, threshold float64) ([]durable.VectorMatch, error) {
	vec, err := toFloat32(embedding)
	if err != nil {
		return nil, err
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	count := i.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > count {
		limit = count
	}
	results, err := i.collection.QueryEmbedding(ctx, vec, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("Query: %w", err)
	}

	matches := make([]durable.VectorMatch, 0, len(results))
	for _, r := range results {
		score := float64(r.Similarity)
		if score < threshold {
			continue
		}
		matches = append(matches, durable.VectorMatch{ID: r.ID, Score: score})
	}
	return matches, nil
}

// Count returns the number of stored vectors.
func (i *Index) Count() int {
	return i.collection.Count()
}

// toFloat32 converts an embedding for chromem. A zero vector has no
// direction and cannot be normalized, so it is rejected.
func toFloat32(embedding []float64) ([]float32, error) {
	if len(embedding) == 0 {
		return nil, types.Errorf(types.ErrValidation, "empty embedding")
	}
	out := make([]float32, len(embedding))
	nonZero := false
	for j, v := range embedding {
		out[j] = float32(v)
		if out[j] != 0 {
			nonZero = true
		}
	}
	if !nonZero {
		return nil, types.Errorf(types.ErrValidation, "zero embedding")
	}
	return out, nil
}
