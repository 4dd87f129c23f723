package store

import (
	"context"
	"fmt"
	"time"

	"github.com/kirimkit/kirimkit/internal/engine/id"
)

// BroadcastLog is one append-only trace event for a broadcast.
type BroadcastLog struct {
	ID          string
	BroadcastID string
	Action      string
	Detail      string
	CreatedAt   time.Time
}

// AppendLog writes one trace row for a broadcast. Log writes are
// best-effort from the caller's perspective; most call sites ignore
// the returned error after logging it.
func (s *Store) AppendLog(ctx context.Context, broadcastID, action, detail string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO broadcast_logs (id, broadcast_id, action, detail) VALUES (?, ?, ?, ?)",
		id.Generate(), broadcastID, action, detail)
	if err != nil {
		return fmt.Errorf("append broadcast log: %w", err)
	}
	return nil
}

// ListLogs returns all trace rows for a broadcast, oldest first.
func (s *Store) ListLogs(ctx context.Context, broadcastID string) ([]*BroadcastLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, broadcast_id, action, detail, created_at FROM broadcast_logs
		WHERE broadcast_id = ? ORDER BY created_at ASC, rowid ASC`, broadcastID)
	if err != nil {
		return nil, fmt.Errorf("list broadcast logs: %w", err)
	}
	defer rows.Close()

	var out []*BroadcastLog
	for rows.Next() {
		var l BroadcastLog
		var created int64
		if err := rows.Scan(&l.ID, &l.BroadcastID, &l.Action, &l.Detail, &created); err != nil {
			return nil, err
		}
		l.CreatedAt = unixToTime(created)
		out = append(out, &l)
	}
	return out, rows.Err()
}
