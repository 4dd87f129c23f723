package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Message is one recipient slot within a broadcast, the unit of
// delivery accounting.
type Message struct {
	ID             string
	BroadcastID    string
	Recipient      string
	Status         string
	SentAt         time.Time // zero when unsent
	Error          string
	Content        string // the spintax-resolved text actually sent
	AntiBannedMeta string // opaque JSON record of pacing decisions
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

const messageCols = "id, broadcast_id, recipient, status, sent_at, error, content, anti_banned_meta, created_at, updated_at"

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	var sentAt sql.NullInt64
	var created, updated int64
	err := row.Scan(&m.ID, &m.BroadcastID, &m.Recipient, &m.Status, &sentAt,
		&m.Error, &m.Content, &m.AntiBannedMeta, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if sentAt.Valid {
		m.SentAt = unixToTime(sentAt.Int64)
	}
	m.CreatedAt = unixToTime(created)
	m.UpdatedAt = unixToTime(updated)
	return &m, nil
}

// ListPendingMessages returns up to limit PENDING messages for a
// broadcast in claim order.
func (s *Store) ListPendingMessages(ctx context.Context, broadcastID string, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageCols+` FROM messages
		WHERE broadcast_id = ? AND status = ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?`, broadcastID, MessagePending, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountPendingMessages returns the number of PENDING messages left in
// a broadcast.
func (s *Store) CountPendingMessages(ctx context.Context, broadcastID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE broadcast_id = ? AND status = ?",
		broadcastID, MessagePending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending messages: %w", err)
	}
	return n, nil
}

// GetMessage returns one message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+messageCols+" FROM messages WHERE id = ?", id)
	return scanMessage(row)
}

// MarkMessageSent records a successful delivery in one transaction:
// the message flips PENDING -> SENT, the broadcast's sent counter is
// incremented, and one credit is deducted from the user. The credit
// decrement is guarded (credit > 0) so concurrent processors on
// multi-instance users cannot drive it negative. Returns false when
// the message was no longer PENDING (another writer got there first).
func (s *Store) MarkMessageSent(ctx context.Context, msgID, broadcastID, userID, content, meta string, sentAt time.Time) (bool, error) {
	var marked bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE messages SET status = ?, sent_at = ?, content = ?, anti_banned_meta = ?, updated_at = unixepoch()
			WHERE id = ? AND status = ?`,
			MessageSent, sentAt.Unix(), content, meta, msgID, MessagePending)
		if err != nil {
			return fmt.Errorf("mark message sent: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return nil
		}
		marked = true

		if _, err := tx.ExecContext(ctx,
			"UPDATE broadcasts SET sent = sent + 1, updated_at = unixepoch() WHERE id = ?", broadcastID); err != nil {
			return fmt.Errorf("increment broadcast sent: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE users SET credit = credit - 1, updated_at = unixepoch() WHERE id = ? AND credit > 0", userID); err != nil {
			return fmt.Errorf("decrement user credit: %w", err)
		}
		return nil
	})
	return marked, err
}

// MarkMessageFailed records a failed delivery: the message flips
// PENDING -> FAILED with the error string and the broadcast's failed
// counter is incremented. Returns false when the message was no longer
// PENDING.
func (s *Store) MarkMessageFailed(ctx context.Context, msgID, broadcastID, errMsg string) (bool, error) {
	var marked bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE messages SET status = ?, error = ?, updated_at = unixepoch()
			WHERE id = ? AND status = ?`,
			MessageFailed, errMsg, msgID, MessagePending)
		if err != nil {
			return fmt.Errorf("mark message failed: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return nil
		}
		marked = true

		if _, err := tx.ExecContext(ctx,
			"UPDATE broadcasts SET failed = failed + 1, updated_at = unixepoch() WHERE id = ?", broadcastID); err != nil {
			return fmt.Errorf("increment broadcast failed: %w", err)
		}
		return nil
	})
	return marked, err
}

// CreateMessage inserts a message row. Test/seeding helper.
func (s *Store) CreateMessage(ctx context.Context, m *Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, broadcast_id, recipient, status, error, content, anti_banned_meta)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.BroadcastID, m.Recipient, m.Status, m.Error, m.Content, m.AntiBannedMeta)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}
