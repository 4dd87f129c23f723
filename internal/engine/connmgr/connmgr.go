// Package connmgr turns persisted instance rows into live supervisors.
// The dashboard tier expresses intent by writing statuses; the manager
// and watcher loops here react to them.
package connmgr

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/kirimkit/kirimkit/internal/engine/memguard"
	"github.com/kirimkit/kirimkit/internal/engine/store"
	"github.com/kirimkit/kirimkit/internal/engine/supervisor"
)

const (
	scanInterval = 10 * time.Second
	admitGap     = 2 * time.Second
	admitBatch   = 5

	// staleIntent is how long an INITIALIZING row may sit unclaimed
	// before it is treated as abandoned and reverted.
	staleIntent = 120 * time.Second
)

// Manager admits connect intents from the store into the pool.
type Manager struct {
	store *store.Store
	pool  *supervisor.Pool
	guard *memguard.Guard

	// Cadences. Defaults match production; tests shrink them.
	scanEvery time.Duration
	admitGap  time.Duration

	// now is the clock seam for stale-intent checks.
	now func() time.Time
}

// New creates a connection manager.
func New(st *store.Store, pool *supervisor.Pool, guard *memguard.Guard) *Manager {
	return &Manager{
		store:     st,
		pool:      pool,
		guard:     guard,
		scanEvery: scanInterval,
		admitGap:  admitGap,
		now:       time.Now,
	}
}

// Run drives the admit loop until ctx is cancelled. Store errors back
// off exponentially (1s to 60s) instead of hot-looping.
func (m *Manager) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.MaxInterval = 60 * time.Second
	bo.Reset()

	for {
		if err := m.scan(ctx); err != nil {
			wait := bo.NextBackOff()
			slog.Warn("connmgr: scan failed", "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.scanEvery):
		}
	}
}

// scan is one admit pass: reconcile pooled supervisors against their
// rows, then admit pending connect intents.
func (m *Manager) scan(ctx context.Context) error {
	m.reconcile(ctx)

	candidates, err := m.store.ListConnectCandidates(ctx, admitBatch)
	if err != nil {
		return err
	}

	for _, in := range candidates {
		if ctx.Err() != nil {
			return nil
		}
		if m.pool.Get(in.ID) != nil || m.pool.IsConnecting(in.ID) {
			continue
		}

		// An intent nobody claimed for two minutes is abandoned
		// (typically a crash between write and connect).
		if m.now().Sub(in.UpdatedAt) > staleIntent {
			if _, err := m.store.UpdateInstanceStatusIf(ctx, in.ID,
				store.InstanceInitializing, store.InstanceDisconnected, ""); err != nil {
				slog.Warn("connmgr: stale intent revert failed", "instance_id", in.ID, "error", err)
			} else {
				slog.Info("connmgr: reverted stale connect intent", "instance_id", in.ID)
			}
			continue
		}

		if m.guard != nil && !m.guard.AdmitsNew() {
			slog.Warn("connmgr: memory pressure, deferring connect",
				"instance_id", in.ID, "usage_mb", m.guard.UsageMB())
			break
		}

		if err := m.pool.Connect(ctx, in.ID, false); err != nil {
			slog.Warn("connmgr: connect failed", "instance_id", in.ID, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.admitGap):
		}
	}
	return nil
}

// reconcile tears down supervisors whose rows were flipped to
// DISCONNECTED behind the engine's back.
func (m *Manager) reconcile(ctx context.Context) {
	for _, id := range m.pool.IDs() {
		in, err := m.store.GetInstance(ctx, id)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				slog.Warn("connmgr: reconcile read failed", "instance_id", id, "error", err)
				continue
			}
			// Row deleted out from under us: release the socket.
			slog.Info("connmgr: instance row gone, tearing down", "instance_id", id)
			m.pool.Teardown(id)
			continue
		}
		if in.Status == store.InstanceDisconnected {
			slog.Info("connmgr: row disconnected, tearing down", "instance_id", id)
			m.pool.Teardown(id)
		}
	}
}
