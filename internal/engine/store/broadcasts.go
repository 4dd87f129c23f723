package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Broadcast is one authored campaign.
type Broadcast struct {
	ID               string
	UserID           string
	InstanceID       string
	Name             string
	Message          string
	ImageURL         string
	Status           string
	Total            int
	Sent             int
	Failed           int
	DelayMin         int // seconds
	DelayMax         int // seconds
	DailyLimit       int // 0 = unlimited
	WorkingHourStart int
	WorkingHourEnd   int
	IsTurboMode      bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

const broadcastCols = `id, user_id, instance_id, name, message, image_url, status,
	total, sent, failed, delay_min, delay_max, daily_limit,
	working_hour_start, working_hour_end, is_turbo_mode, created_at, updated_at`

func scanBroadcast(row interface{ Scan(...any) error }) (*Broadcast, error) {
	var b Broadcast
	var turbo int
	var created, updated int64
	err := row.Scan(&b.ID, &b.UserID, &b.InstanceID, &b.Name, &b.Message, &b.ImageURL, &b.Status,
		&b.Total, &b.Sent, &b.Failed, &b.DelayMin, &b.DelayMax, &b.DailyLimit,
		&b.WorkingHourStart, &b.WorkingHourEnd, &turbo, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	b.IsTurboMode = turbo != 0
	b.CreatedAt = unixToTime(created)
	b.UpdatedAt = unixToTime(updated)
	return &b, nil
}

// GetActiveBroadcast returns the oldest PENDING or RUNNING broadcast
// for an instance, or ErrNotFound. Oldest-first gives the exclusive
// drain order the processor relies on.
func (s *Store) GetActiveBroadcast(ctx context.Context, instanceID string) (*Broadcast, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+broadcastCols+` FROM broadcasts
		WHERE instance_id = ? AND status IN (?, ?)
		ORDER BY created_at ASC
		LIMIT 1`, instanceID, BroadcastPending, BroadcastRunning)
	return scanBroadcast(row)
}

// GetBroadcast returns one broadcast by id.
func (s *Store) GetBroadcast(ctx context.Context, id string) (*Broadcast, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+broadcastCols+" FROM broadcasts WHERE id = ?", id)
	return scanBroadcast(row)
}

// UpdateBroadcastStatus persists a broadcast status transition.
func (s *Store) UpdateBroadcastStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE broadcasts SET status = ?, updated_at = unixepoch() WHERE id = ?",
		status, id)
	if err != nil {
		return fmt.Errorf("update broadcast %s status: %w", id, err)
	}
	return nil
}

// PauseRunningBroadcasts flips every RUNNING broadcast of an instance
// to the given paused status. Used on rate-limit closes.
func (s *Store) PauseRunningBroadcasts(ctx context.Context, instanceID, pausedStatus string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE broadcasts SET status = ?, updated_at = unixepoch() WHERE instance_id = ? AND status = ?",
		pausedStatus, instanceID, BroadcastRunning)
	if err != nil {
		return 0, fmt.Errorf("pause running broadcasts: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ResumePausedBroadcasts flips PAUSED_RATE_LIMIT and
// PAUSED_WORKING_HOURS broadcasts of an instance back to RUNNING.
// Called when a supervisor re-enters CONNECTED.
func (s *Store) ResumePausedBroadcasts(ctx context.Context, instanceID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE broadcasts SET status = ?, updated_at = unixepoch() WHERE instance_id = ? AND status IN (?, ?)",
		BroadcastRunning, instanceID, BroadcastPausedRateLimit, BroadcastPausedWorkHours)
	if err != nil {
		return 0, fmt.Errorf("resume paused broadcasts: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CreateBroadcast inserts a broadcast row. Test/seeding helper.
func (s *Store) CreateBroadcast(ctx context.Context, b *Broadcast) error {
	turbo := 0
	if b.IsTurboMode {
		turbo = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO broadcasts (id, user_id, instance_id, name, message, image_url, status,
			total, sent, failed, delay_min, delay_max, daily_limit,
			working_hour_start, working_hour_end, is_turbo_mode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.UserID, b.InstanceID, b.Name, b.Message, b.ImageURL, b.Status,
		b.Total, b.Sent, b.Failed, b.DelayMin, b.DelayMax, b.DailyLimit,
		b.WorkingHourStart, b.WorkingHourEnd, turbo)
	if err != nil {
		return fmt.Errorf("create broadcast: %w", err)
	}
	return nil
}
