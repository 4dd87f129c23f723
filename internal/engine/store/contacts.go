package store

import (
	"context"
	"fmt"
	"time"
)

// Contact is one address-book entry awaiting registration verification.
type Contact struct {
	ID        string
	UserID    string
	Phone     string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ListPendingContacts returns up to limit PENDING contacts, oldest
// first.
func (s *Store) ListPendingContacts(ctx context.Context, limit int) ([]*Contact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, phone, status, created_at, updated_at FROM contacts
		WHERE status = ? ORDER BY created_at ASC, rowid ASC LIMIT ?`,
		ContactPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending contacts: %w", err)
	}
	defer rows.Close()

	var out []*Contact
	for rows.Next() {
		var c Contact
		var created, updated int64
		if err := rows.Scan(&c.ID, &c.UserID, &c.Phone, &c.Status, &created, &updated); err != nil {
			return nil, err
		}
		c.CreatedAt = unixToTime(created)
		c.UpdatedAt = unixToTime(updated)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// UpdateContactStatus flips a contact's verification status.
func (s *Store) UpdateContactStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE contacts SET status = ?, updated_at = unixepoch() WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("update contact status: %w", err)
	}
	return nil
}

// CreateContact inserts a contact row. Test/seeding helper.
func (s *Store) CreateContact(ctx context.Context, c *Contact) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO contacts (id, user_id, phone, status) VALUES (?, ?, ?, ?)",
		c.ID, c.UserID, c.Phone, c.Status)
	if err != nil {
		return fmt.Errorf("create contact: %w", err)
	}
	return nil
}
