package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oceanbase/memtier-go/pkg/types"
)

// AuditLog is the audit trail kept in the audit table.
type AuditLog struct {
	c *Client
}

// AuditLog returns the client's audit.Log view.
func (c *Client) AuditLog() *AuditLog {
	return &AuditLog{c: c}
}

// Append implements audit.Log.
func (l *AuditLog) Append(ctx context.Context, ev types.AuditEvent) error {
	query := l.c.dialect.rebind(fmt.Sprintf(`
		INSERT INTO %s (id, op, subject_id, outcome, error_text, detail, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, l.c.audit))
	_, err := l.c.db.ExecContext(ctx, query,
		ev.ID, ev.Op, ev.SubjectID, string(ev.Outcome), ev.Error, ev.Detail, ev.At.UnixNano())
	if isDuplicate(err) {
		return types.Errorf(types.ErrConflict, "audit event %s already recorded", ev.ID)
	}
	if err != nil {
		return fmt.Errorf("AppendAudit: %w", err)
	}
	return nil
}

// List implements audit.Log.
func (l *AuditLog) List(ctx context.Context, subjectID string, limit int) ([]types.AuditEvent, error) {
	query := fmt.Sprintf(`SELECT id, op, subject_id, outcome, error_text, detail, occurred_at FROM %s`, l.c.audit)
	var args []interface{}
	if subjectID != "" {
		query += " WHERE subject_id = ?"
		args = append(args, subjectID)
	}
	if limit > 0 {
		// Newest first so the limit keeps the most recent events.
		query += " ORDER BY id DESC LIMIT ?"
		args = append(args, limit)
	} else {
		query += " ORDER BY id"
	}

	rows, err := l.c.db.QueryContext(ctx, l.c.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("ListAudit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []types.AuditEvent
	for rows.Next() {
		var (
			ev              types.AuditEvent
			outcome         string
			errText, detail sql.NullString
			occurredAt      int64
		)
		if err := rows.Scan(&ev.ID, &ev.Op, &ev.SubjectID, &outcome, &errText, &detail, &occurredAt); err != nil {
			return nil, fmt.Errorf("ListAudit: %w", err)
		}
		ev.Outcome = types.Outcome(outcome)
		ev.Error = errText.String
		ev.Detail = detail.String
		ev.At = time.Unix(0, occurredAt).UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListAudit: %w", err)
	}

	if limit > 0 {
		for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
			events[i], events[j] = events[j], events[i]
		}
	}
	return events, nil
}
