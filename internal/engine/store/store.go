// Package store is the engine's view of the shared relational rows it
// coordinates with the dashboard tier through. Every status flip the
// engine makes is written here; ephemeral supervisor state never is.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Instance statuses. The persisted row is the source of truth for
// cross-component transitions.
const (
	InstanceDisconnected  = "DISCONNECTED"
	InstanceInitializing  = "INITIALIZING"
	InstanceQRReady       = "QR_READY"
	InstanceConnected     = "CONNECTED"
	InstanceDisconnecting = "DISCONNECTING"
)

// Broadcast statuses.
const (
	BroadcastPending         = "PENDING"
	BroadcastRunning         = "RUNNING"
	BroadcastPausedRateLimit = "PAUSED_RATE_LIMIT"
	BroadcastPausedWorkHours = "PAUSED_WORKING_HOURS"
	BroadcastPausedNoCredit  = "PAUSED_NO_CREDIT"
	BroadcastCompleted       = "COMPLETED"
	BroadcastFailed          = "FAILED"
)

// Message statuses.
const (
	MessagePending = "PENDING"
	MessageSent    = "SENT"
	MessageFailed  = "FAILED"
)

// Contact statuses.
const (
	ContactPending  = "PENDING"
	ContactVerified = "VERIFIED"
	ContactInvalid  = "INVALID"
)

// Store wraps the shared SQL database.
type Store struct {
	db *sql.DB
}

// New creates a Store over an opened database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for lifecycle management.
func (s *Store) DB() *sql.DB {
	return s.db
}

func unixToTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0)
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
