// Package embedder provides interfaces for text embedding providers.
//
// Consolidation calls a Provider to derive the embedding of a short-term
// memory before it is written to the vector index. The engine never computes
// embeddings itself.
package embedder

import (
	"context"
	"math"
)

// Provider defines the interface for embedding providers.
//
// All embedding implementations (OpenAI, hash) must implement this interface.
type Provider interface {
	// Embed converts a text string into a vector embedding.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout
	//   - text: The input text to embed
	//
	// Returns the embedding vector and any error.
	Embed(ctx context.Context, text string) ([]float64, error)

	// EmbedBatch converts multiple text strings into vector embeddings.
	//
	// Returns a slice of embedding vectors in input order and any error.
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)

	// Dimensions returns the dimension of embedding vectors produced by this provider.
	Dimensions() int

	// Close closes the provider and releases resources.
	Close() error
}

// CosineSimilarity returns the cosine similarity of a and b, or 0 when the
// lengths differ or either vector is zero.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
