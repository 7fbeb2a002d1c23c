// Package openai provides an embedder.Provider backed by the OpenAI
// Embeddings API (or any compatible endpoint via BaseURL).
package openai

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// Client is an OpenAI Embedder client.
// It implements the embedder.Provider interface.
type Client struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
}

// Config is the configuration for OpenAI Embedder.
//
// APIKey is required. Model defaults to text-embedding-ada-002 and must be a
// model name the SDK knows. BaseURL overrides the API address for compatible
// servers. Dimensions is the vector size reported to the engine; it must
// match what the model returns (1536 for text-embedding-ada-002).
type Config struct {
	APIKey     string
	Model      string
	BaseURL    string
	Dimensions int
}

// NewClient creates a new OpenAI Embedder client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("NewOpenAIEmbedder: API key is required")
	}
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	dimensions := cfg.Dimensions
	if dimensions == 0 {
		dimensions = 1536 // Default dimension for AdaEmbeddingV2
	}

	model := openai.AdaEmbeddingV2
	if cfg.Model != "" {
		// UnmarshalText maps names the SDK does not know to Unknown.
		if err := model.UnmarshalText([]byte(cfg.Model)); err != nil || model == openai.Unknown {
			return nil, fmt.Errorf("NewOpenAIEmbedder: unknown model %q", cfg.Model)
		}
	}

	return &Client{
		client:     openai.NewClientWithConfig(config),
		model:      model,
		dimensions: dimensions,
	}, nil
}

// Embed converts a single text to a vector.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch converts multiple texts to vectors in one request.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: c.model,
	})
	if err != nil {
		return nil, fmt.Errorf("CreateEmbeddings: %w", err)
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("CreateEmbeddings: got %d embeddings for %d inputs", len(resp.Data), len(texts))
	}

	embeddings := make([][]float64, len(texts))
	for i, data := range resp.Data {
		if len(data.Embedding) != c.dimensions {
			return nil, fmt.Errorf("CreateEmbeddings: embedding %d has %d dimensions, want %d",
				i, len(data.Embedding), c.dimensions)
		}
		embeddings[i] = toFloat64(data.Embedding)
	}

	return embeddings, nil
}

// Dimensions returns the vector dimensions.
func (c *Client) Dimensions() int {
	return c.dimensions
}

// Close is a no-op; the SDK client holds no resources.
func (c *Client) Close() error {
	return nil
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
