package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Instance is one tenant's paired session to the protocol network.
type Instance struct {
	ID          string
	PhoneNumber string
	Name        string
	Status      string
	QRCode      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func scanInstance(row interface{ Scan(...any) error }) (*Instance, error) {
	var in Instance
	var created, updated int64
	err := row.Scan(&in.ID, &in.PhoneNumber, &in.Name, &in.Status, &in.QRCode, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	in.CreatedAt = unixToTime(created)
	in.UpdatedAt = unixToTime(updated)
	return &in, nil
}

const instanceCols = "id, phone_number, name, status, qr_code, created_at, updated_at"

// GetInstance returns one instance by id.
func (s *Store) GetInstance(ctx context.Context, id string) (*Instance, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+instanceCols+" FROM instances WHERE id = ?", id)
	return scanInstance(row)
}

// UpdateInstanceStatus persists a status transition, replacing the QR
// payload at the same time (pass "" to clear it).
func (s *Store) UpdateInstanceStatus(ctx context.Context, id, status, qrCode string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE instances SET status = ?, qr_code = ?, updated_at = unixepoch() WHERE id = ?",
		status, qrCode, id)
	if err != nil {
		return fmt.Errorf("update instance %s status: %w", id, err)
	}
	return nil
}

// UpdateInstanceStatusIf flips status only when the current persisted
// status matches from. Returns true when the row was changed.
func (s *Store) UpdateInstanceStatusIf(ctx context.Context, id, from, to, qrCode string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE instances SET status = ?, qr_code = ?, updated_at = unixepoch() WHERE id = ? AND status = ?",
		to, qrCode, id, from)
	if err != nil {
		return false, fmt.Errorf("update instance %s status: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListInstancesByStatus returns instances with the given status, oldest
// updated first.
func (s *Store) ListInstancesByStatus(ctx context.Context, status string) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+instanceCols+" FROM instances WHERE status = ? ORDER BY updated_at ASC", status)
	if err != nil {
		return nil, fmt.Errorf("list instances by status: %w", err)
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// ListConnectCandidates returns up to limit INITIALIZING instances that
// have at least one linked user, oldest updated first.
func (s *Store) ListConnectCandidates(ctx context.Context, limit int) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+instanceCols+` FROM instances i
		WHERE i.status = ?
		  AND EXISTS (SELECT 1 FROM instance_users iu WHERE iu.instance_id = i.id)
		ORDER BY i.updated_at ASC
		LIMIT ?`, InstanceInitializing, limit)
	if err != nil {
		return nil, fmt.Errorf("list connect candidates: %w", err)
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// LinkInstanceUser associates a user with an instance. Used by tests
// and the standalone seeding path; the dashboard owns this in prod.
func (s *Store) LinkInstanceUser(ctx context.Context, instanceID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO instance_users (instance_id, user_id) VALUES (?, ?)",
		instanceID, userID)
	if err != nil {
		return fmt.Errorf("link instance user: %w", err)
	}
	return nil
}

// CreateInstance inserts an instance row. Test/seeding helper.
func (s *Store) CreateInstance(ctx context.Context, in *Instance) error {
	created := in.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (id, phone_number, name, status, qr_code, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, unixepoch())`,
		in.ID, in.PhoneNumber, in.Name, in.Status, in.QRCode, created.Unix())
	if err != nil {
		return fmt.Errorf("create instance: %w", err)
	}
	return nil
}
