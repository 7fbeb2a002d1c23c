package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/oceanbase/memtier-go/pkg/durable"
	"github.com/oceanbase/memtier-go/pkg/embedder"
)

// Upsert implements durable.VectorIndex.
//
// Vectors are stored as JSON strings in a TEXT column.
func (c *Client) Upsert(ctx context.Context, id string, embedding []float64) error {
	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("Upsert: %w", err)
	}
	query := c.dialect.rebind(fmt.Sprintf(c.dialect.upsertVector, c.vectors))
	if _, err := c.db.ExecContext(ctx, query, id, string(embeddingJSON)); err != nil {
		return fmt.Errorf("Upsert: %w", err)
	}
	return nil
}

// DeleteVector implements durable.VectorIndex.
func (c *Client) DeleteVector(ctx context.Context, id string) error {
	query := c.dialect.rebind(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, c.vectors))
	if _, err := c.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("DeleteVector: %w", err)
	}
	return nil
}

// Query implements durable.VectorIndex.
//
// There is no vector index in plain SQL, so every stored vector is loaded
// and scored with cosine similarity in memory.
func (c *Client) Query(ctx context.Context, embedding []float64, limit int, threshold float64) ([]durable.VectorMatch, error) {
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, embedding FROM %s ORDER BY id`, c.vectors))
	if err != nil {
		return nil, fmt.Errorf("Query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []durable.VectorMatch
	for rows.Next() {
		var (
			id            string
			embeddingJSON string
			stored        []float64
		)
		if err := rows.Scan(&id, &embeddingJSON); err != nil {
			return nil, fmt.Errorf("Query: %w", err)
		}
		if err := json.Unmarshal([]byte(embeddingJSON), &stored); err != nil {
			return nil, fmt.Errorf("Query: parse embedding: %w", err)
		}
		score := embedder.CosineSimilarity(embedding, stored)
		if score >= threshold {
			matches = append(matches, durable.VectorMatch{ID: id, Score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Query: %w", err)
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}
