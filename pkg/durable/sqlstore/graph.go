package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/oceanbase/memtier-go/pkg/types"
)

// AddEdges implements durable.GraphStore. Edges keep their insertion order
// through a per-source sequence number.
func (c *Client) AddEdges(ctx context.Context, sourceID string, rels []types.Relationship) error {
	if len(rels) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("AddEdges: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxSeq sql.NullInt64
	err = tx.QueryRowContext(ctx,
		c.dialect.rebind(fmt.Sprintf(`SELECT MAX(seq) FROM %s WHERE source_id = ?`, c.edges)),
		sourceID,
	).Scan(&maxSeq)
	if err != nil {
		return fmt.Errorf("AddEdges: %w", err)
	}
	next := int64(0)
	if maxSeq.Valid {
		next = maxSeq.Int64 + 1
	}

	stmt, err := tx.PrepareContext(ctx, c.dialect.rebind(fmt.Sprintf(`
		INSERT INTO %s (source_id, seq, rel_type, target_id, properties)
		VALUES (?, ?, ?, ?, ?)
	`, c.edges)))
	if err != nil {
		return fmt.Errorf("AddEdges: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, rel := range rels {
		props, err := json.Marshal(rel.Properties)
		if err != nil {
			return fmt.Errorf("AddEdges: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, sourceID, next+int64(i), rel.Type, rel.TargetID, string(props)); err != nil {
			if isDuplicate(err) {
				return types.Errorf(types.ErrConflict, "concurrent edge write on %s", sourceID)
			}
			return fmt.Errorf("AddEdges: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("AddEdges: %w", err)
	}
	return nil
}

// Edges implements durable.GraphStore.
func (c *Client) Edges(ctx context.Context, sourceID string) ([]types.Relationship, error) {
	rows, err := c.db.QueryContext(ctx,
		c.dialect.rebind(fmt.Sprintf(`SELECT rel_type, target_id, properties FROM %s WHERE source_id = ? ORDER BY seq`, c.edges)),
		sourceID,
	)
	if err != nil {
		return nil, fmt.Errorf("Edges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rels []types.Relationship
	for rows.Next() {
		var (
			rel   types.Relationship
			props sql.NullString
		)
		if err := rows.Scan(&rel.Type, &rel.TargetID, &props); err != nil {
			return nil, fmt.Errorf("Edges: %w", err)
		}
		if props.Valid && props.String != "" && props.String != "null" {
			if err := json.Unmarshal([]byte(props.String), &rel.Properties); err != nil {
				return nil, fmt.Errorf("Edges: parse properties: %w", err)
			}
		}
		rels = append(rels, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Edges: %w", err)
	}
	return rels, nil
}

// DeleteEdges implements durable.GraphStore.
func (c *Client) DeleteEdges(ctx context.Context, id string) (int, error) {
	result, err := c.db.ExecContext(ctx,
		c.dialect.rebind(fmt.Sprintf(`DELETE FROM %s WHERE source_id = ? OR target_id = ?`, c.edges)),
		id, id,
	)
	if err != nil {
		return 0, fmt.Errorf("DeleteEdges: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("DeleteEdges: %w", err)
	}
	return int(n), nil
}
