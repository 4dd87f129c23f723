package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// User carries the fields the engine touches: the credit balance.
type User struct {
	ID        string
	Credit    int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// GetUser returns one user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id, credit, created_at, updated_at FROM users WHERE id = ?", id).
		Scan(&u.ID, &u.Credit, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.CreatedAt = unixToTime(created)
	u.UpdatedAt = unixToTime(updated)
	return &u, nil
}

// CreateUser inserts a user row. Test/seeding helper.
func (s *Store) CreateUser(ctx context.Context, id string, credit int) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, credit) VALUES (?, ?)", id, credit)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}
