package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oceanbase/memtier-go/pkg/types"
	"github.com/oceanbase/memtier-go/pkg/worldstate"
)

const stateColumns = `version, state, updated_at, rolled_back_from, rolled_back_to`

// StateLog is the world state log kept in the world_state table.
type StateLog struct {
	c *Client
}

// StateLog returns the client's worldstate.StateLog view.
func (c *Client) StateLog() *StateLog {
	return &StateLog{c: c}
}

// Append implements worldstate.StateLog.
//
// The version check and the insert share a transaction; the primary key on
// version catches a writer that slipped in between.
func (l *StateLog) Append(ctx context.Context, snap worldstate.Snapshot) error {
	c := l.c
	stateJSON, err := json.Marshal(snap.Clone().State)
	if err != nil {
		return fmt.Errorf("AppendState: %w", err)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("AppendState: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var latest sql.NullInt64
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT MAX(version) FROM %s`, c.states)).Scan(&latest)
	if err != nil {
		return fmt.Errorf("AppendState: %w", err)
	}
	next := int64(0)
	if latest.Valid {
		next = latest.Int64 + 1
	}
	if snap.Version != next {
		return types.Errorf(types.ErrConflict, "version %d already committed or out of order (next is %d)",
			snap.Version, next)
	}

	query := c.dialect.rebind(fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?)`, c.states, stateColumns))
	_, err = tx.ExecContext(ctx, query,
		snap.Version, string(stateJSON), snap.UpdatedAt.UnixNano(),
		nullInt64(snap.RolledBackFrom), nullInt64(snap.RolledBackTo),
	)
	if isDuplicate(err) {
		return types.Errorf(types.ErrConflict, "version %d already committed", snap.Version)
	}
	if err != nil {
		return fmt.Errorf("AppendState: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("AppendState: %w", err)
	}
	return nil
}

// Latest implements worldstate.StateLog.
func (l *StateLog) Latest(ctx context.Context) (worldstate.Snapshot, bool, error) {
	c := l.c
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY version DESC LIMIT 1`, stateColumns, c.states)
	snap, err := scanSnapshot(c.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return worldstate.Snapshot{}, false, nil
	}
	if err != nil {
		return worldstate.Snapshot{}, false, fmt.Errorf("LatestState: %w", err)
	}
	return snap, true, nil
}

// Range implements worldstate.StateLog.
func (l *StateLog) Range(ctx context.Context, from int64) ([]worldstate.Snapshot, error) {
	c := l.c
	if from < 0 {
		from = 0
	}
	query := c.dialect.rebind(fmt.Sprintf(`SELECT %s FROM %s WHERE version >= ? ORDER BY version`, stateColumns, c.states))
	rows, err := c.db.QueryContext(ctx, query, from)
	if err != nil {
		return nil, fmt.Errorf("RangeState: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snaps []worldstate.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("RangeState: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("RangeState: %w", err)
	}
	return snaps, nil
}

func scanSnapshot(s rowScanner) (worldstate.Snapshot, error) {
	var (
		snap       worldstate.Snapshot
		stateJSON  string
		updatedAt  int64
		fromV, toV sql.NullInt64
	)
	if err := s.Scan(&snap.Version, &stateJSON, &updatedAt, &fromV, &toV); err != nil {
		return worldstate.Snapshot{}, err
	}
	if err := json.Unmarshal([]byte(stateJSON), &snap.State); err != nil {
		return worldstate.Snapshot{}, fmt.Errorf("parse state: %w", err)
	}
	snap.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if fromV.Valid {
		v := fromV.Int64
		snap.RolledBackFrom = &v
	}
	if toV.Valid {
		v := toV.Int64
		snap.RolledBackTo = &v
	}
	return snap.Clone(), nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
