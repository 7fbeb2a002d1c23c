package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/oceanbase/memtier-go/pkg/durable"
	"github.com/oceanbase/memtier-go/pkg/types"
	"github.com/oceanbase/memtier-go/pkg/value"
)

const documentColumns = `id, content, category, confidence, tags, attributes, version,
	provenance, embedding, created_at, updated_at`

// InsertDocument implements durable.DocumentStore.
func (c *Client) InsertDocument(ctx context.Context, mem *types.ConsolidatedMemory) error {
	row, err := encodeDocument(mem)
	if err != nil {
		return fmt.Errorf("InsertDocument: %w", err)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("InsertDocument: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := c.dialect.rebind(fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.documents, documentColumns))
	_, err = tx.ExecContext(ctx, query, row.args()...)
	if isDuplicate(err) {
		return types.Errorf(types.ErrConflict, "document %s already exists", mem.ID)
	}
	if err != nil {
		return fmt.Errorf("InsertDocument: %w", err)
	}
	if err := c.writeTags(ctx, tx, mem.ID, mem.Metadata.Tags); err != nil {
		return fmt.Errorf("InsertDocument: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("InsertDocument: %w", err)
	}
	return nil
}

// GetDocument implements durable.DocumentStore.
func (c *Client) GetDocument(ctx context.Context, id string) (*types.ConsolidatedMemory, error) {
	query := c.dialect.rebind(fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, documentColumns, c.documents))
	mem, err := scanDocument(c.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.Errorf(types.ErrNotFound, "document %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("GetDocument: %w", err)
	}
	return mem, nil
}

// UpdateDocument implements durable.DocumentStore.
func (c *Client) UpdateDocument(ctx context.Context, mem *types.ConsolidatedMemory, expectedVersion int64) error {
	row, err := encodeDocument(mem)
	if err != nil {
		return fmt.Errorf("UpdateDocument: %w", err)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("UpdateDocument: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := c.dialect.rebind(fmt.Sprintf(`
		UPDATE %s
		SET content = ?, category = ?, confidence = ?, tags = ?, attributes = ?,
		    version = ?, provenance = ?, embedding = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`, c.documents))
	result, err := tx.ExecContext(ctx, query,
		row.content, row.category, row.confidence, row.tags, row.attributes,
		row.version, row.provenance, row.embedding, row.updatedAt,
		mem.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("UpdateDocument: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("UpdateDocument: %w", err)
	}
	if rowsAffected == 0 {
		var one int
		err := tx.QueryRowContext(ctx, c.dialect.rebind(fmt.Sprintf(`SELECT 1 FROM %s WHERE id = ?`, c.documents)), mem.ID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return types.Errorf(types.ErrNotFound, "document %s", mem.ID)
		}
		if err != nil {
			return fmt.Errorf("UpdateDocument: %w", err)
		}
		return types.Errorf(types.ErrConflict, "document %s is no longer at version %d", mem.ID, expectedVersion)
	}

	if _, err := tx.ExecContext(ctx, c.dialect.rebind(fmt.Sprintf(`DELETE FROM %s WHERE memory_id = ?`, c.tags)), mem.ID); err != nil {
		return fmt.Errorf("UpdateDocument: %w", err)
	}
	if err := c.writeTags(ctx, tx, mem.ID, mem.Metadata.Tags); err != nil {
		return fmt.Errorf("UpdateDocument: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("UpdateDocument: %w", err)
	}
	return nil
}

// DeleteDocument implements durable.DocumentStore.
func (c *Client) DeleteDocument(ctx context.Context, id string) (bool, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("DeleteDocument: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, c.dialect.rebind(fmt.Sprintf(`DELETE FROM %s WHERE memory_id = ?`, c.tags)), id); err != nil {
		return false, fmt.Errorf("DeleteDocument: %w", err)
	}
	result, err := tx.ExecContext(ctx, c.dialect.rebind(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, c.documents)), id)
	if err != nil {
		return false, fmt.Errorf("DeleteDocument: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("DeleteDocument: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("DeleteDocument: %w", err)
	}
	return rowsAffected > 0, nil
}

// SearchDocuments implements durable.DocumentStore.
func (c *Client) SearchDocuments(ctx context.Context, filter durable.Filter) ([]*types.ConsolidatedMemory, error) {
	whereClause, args := c.buildWhereClause(filter)

	query := fmt.Sprintf(`SELECT %s FROM %s %s ORDER BY created_at DESC, id`, documentColumns, c.documents, whereClause)
	if filter.Limit > 0 || filter.Offset > 0 {
		limit := filter.Limit
		if limit <= 0 {
			limit = math.MaxInt32
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, filter.Offset)
	}

	rows, err := c.db.QueryContext(ctx, c.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("SearchDocuments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var memories []*types.ConsolidatedMemory
	for rows.Next() {
		mem, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("SearchDocuments: %w", err)
		}
		memories = append(memories, mem)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("SearchDocuments: %w", err)
	}
	return memories, nil
}

// buildWhereClause translates a filter into a WHERE clause with ?
// placeholders.
func (c *Client) buildWhereClause(filter durable.Filter) (string, []interface{}) {
	conditions := []string{}
	args := []interface{}{}

	if filter.Category != "" {
		conditions = append(conditions, "category = ?")
		args = append(args, filter.Category)
	}
	if filter.MinConfidence != nil {
		conditions = append(conditions, "confidence >= ?")
		args = append(args, *filter.MinConfidence)
	}
	if filter.MaxConfidence != nil {
		conditions = append(conditions, "confidence <= ?")
		args = append(args, *filter.MaxConfidence)
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		conditions = append(conditions, c.dialect.contains)
		args = append(args, strings.ToLower(q))
	}
	if tags, _ := types.NormalizeTags(filter.Tags); len(tags) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(tags)), ", ")
		conditions = append(conditions, fmt.Sprintf(
			`id IN (SELECT memory_id FROM %s WHERE tag IN (%s) GROUP BY memory_id HAVING COUNT(DISTINCT tag) = ?)`,
			c.tags, placeholders))
		for _, t := range tags {
			args = append(args, t)
		}
		args = append(args, len(tags))
	}

	if len(conditions) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

func (c *Client) writeTags(ctx context.Context, tx *sql.Tx, id string, tags []string) error {
	tags, err := types.NormalizeTags(tags)
	if err != nil {
		return err
	}
	if len(tags) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, c.dialect.rebind(fmt.Sprintf(`INSERT INTO %s (memory_id, tag) VALUES (?, ?)`, c.tags)))
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()
	for _, tag := range tags {
		if _, err := stmt.ExecContext(ctx, id, tag); err != nil {
			return err
		}
	}
	return nil
}

// documentRow is the column encoding of a ConsolidatedMemory.
type documentRow struct {
	id         string
	content    string
	category   string
	confidence float64
	tags       string
	attributes string
	version    int64
	provenance string
	embedding  string
	createdAt  int64
	updatedAt  int64
}

func (r documentRow) args() []interface{} {
	return []interface{}{
		r.id, r.content, r.category, r.confidence, r.tags, r.attributes, r.version,
		r.provenance, r.embedding, r.createdAt, r.updatedAt,
	}
}

func encodeDocument(mem *types.ConsolidatedMemory) (documentRow, error) {
	tags, err := json.Marshal(mem.Metadata.Tags)
	if err != nil {
		return documentRow{}, err
	}
	attrs := mem.Metadata.Attributes
	if attrs == nil {
		attrs = map[string]value.Value{}
	}
	attributes, err := json.Marshal(attrs)
	if err != nil {
		return documentRow{}, err
	}
	provenance, err := json.Marshal(mem.Provenance)
	if err != nil {
		return documentRow{}, err
	}
	embedding, err := json.Marshal(mem.Embedding)
	if err != nil {
		return documentRow{}, err
	}
	return documentRow{
		id:         mem.ID,
		content:    mem.Content,
		category:   mem.Metadata.Category,
		confidence: mem.Metadata.Confidence,
		tags:       string(tags),
		attributes: string(attributes),
		version:    mem.Version,
		provenance: string(provenance),
		embedding:  string(embedding),
		createdAt:  mem.CreatedAt.UnixNano(),
		updatedAt:  mem.UpdatedAt.UnixNano(),
	}, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(s rowScanner) (*types.ConsolidatedMemory, error) {
	var (
		mem                                     types.ConsolidatedMemory
		tags, attributes, provenance, embedding sql.NullString
		createdAt, updatedAt                    int64
	)
	err := s.Scan(
		&mem.ID,
		&mem.Content,
		&mem.Metadata.Category,
		&mem.Metadata.Confidence,
		&tags,
		&attributes,
		&mem.Version,
		&provenance,
		&embedding,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &mem.Metadata.Tags); err != nil {
			return nil, fmt.Errorf("parse tags: %w", err)
		}
	}
	if attributes.Valid && attributes.String != "" {
		if err := json.Unmarshal([]byte(attributes.String), &mem.Metadata.Attributes); err != nil {
			return nil, fmt.Errorf("parse attributes: %w", err)
		}
		if len(mem.Metadata.Attributes) == 0 {
			mem.Metadata.Attributes = nil
		}
	}
	if provenance.Valid && provenance.String != "" {
		if err := json.Unmarshal([]byte(provenance.String), &mem.Provenance); err != nil {
			return nil, fmt.Errorf("parse provenance: %w", err)
		}
	}
	if embedding.Valid && embedding.String != "" {
		if err := json.Unmarshal([]byte(embedding.String), &mem.Embedding); err != nil {
			return nil, fmt.Errorf("parse embedding: %w", err)
		}
	}
	mem.CreatedAt = time.Unix(0, createdAt).UTC()
	mem.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &mem, nil
}
