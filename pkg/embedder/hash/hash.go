// Package hash provides a deterministic, offline embedding provider.
//
// Each lowercase word is hashed into one of the vector's buckets (feature
// hashing), so texts that share words get a positive cosine similarity and
// identical texts get 1. It needs no network and is used by tests and the
// default local configuration.
package hash

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultDimensions matches the default long-term vector dimension.
const DefaultDimensions = 384

// Client implements embedder.Provider with feature hashing.
type Client struct {
	dimensions int
}

// NewClient creates a hash embedder producing vectors of the given size
// (DefaultDimensions when dims <= 0).
func NewClient(dims int) *Client {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &Client{dimensions: dims}
}

// Embed implements embedder.Provider.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float64, c.dimensions)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if len(words) == 0 {
		// Keep the vector non-zero so cosine similarity stays defined.
		words = []string{""}
	}
	for _, w := range words {
		h := fnv.New64a()
		_, _ = h.Write([]byte(w))
		sum := h.Sum64()
		idx := int(sum % uint64(c.dimensions))
		sign := 1.0
		if (sum>>63)&1 == 1 {
			sign = -1.0
		}
		vec[idx] += sign
	}

	return normalize(vec), nil
}

// EmbedBatch implements embedder.Provider.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		vec, err := c.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions implements embedder.Provider.
func (c *Client) Dimensions() int {
	return c.dimensions
}

// Close implements embedder.Provider.
func (c *Client) Close() error {
	return nil
}

// normalize converts vec to a unit vector.
func normalize(vec []float64) []float64 {
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
