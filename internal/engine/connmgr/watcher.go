package connmgr

import (
	"context"
	"log/slog"
	"time"

	"github.com/kirimkit/kirimkit/internal/engine/session"
	"github.com/kirimkit/kirimkit/internal/engine/store"
	"github.com/kirimkit/kirimkit/internal/engine/supervisor"
)

const (
	watchInterval = 3 * time.Second
	logoutTimeout = 15 * time.Second
)

// Watcher executes DISCONNECTING intents: protocol logout, supervisor
// teardown, session wipe, DISCONNECTED.
type Watcher struct {
	store    *store.Store
	pool     *supervisor.Pool
	sessions *session.Store
}

// NewWatcher creates a disconnect watcher.
func NewWatcher(st *store.Store, pool *supervisor.Pool, sessions *session.Store) *Watcher {
	return &Watcher{store: st, pool: pool, sessions: sessions}
}

// Run drives the watcher until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		w.sweep(ctx)
	}
}

func (w *Watcher) sweep(ctx context.Context) {
	rows, err := w.store.ListInstancesByStatus(ctx, store.InstanceDisconnecting)
	if err != nil {
		slog.Warn("connmgr: disconnect sweep failed", "error", err)
		return
	}

	for _, in := range rows {
		if ctx.Err() != nil {
			return
		}
		w.disconnect(ctx, in.ID)
	}
}

// disconnect unlinks one instance. Each step is best-effort; the final
// DISCONNECTED write happens regardless so the intent cannot wedge.
func (w *Watcher) disconnect(ctx context.Context, instanceID string) {
	slog.Info("connmgr: disconnecting instance", "instance_id", instanceID)

	if s := w.pool.Get(instanceID); s != nil && s.Connected() {
		loCtx, cancel := context.WithTimeout(ctx, logoutTimeout)
		if err := s.Socket().Logout(loCtx); err != nil {
			slog.Warn("connmgr: logout failed", "instance_id", instanceID, "error", err)
		}
		cancel()
	}

	w.pool.Teardown(instanceID)

	if err := w.sessions.Wipe(instanceID); err != nil {
		slog.Warn("connmgr: session wipe failed", "instance_id", instanceID, "error", err)
	}

	if err := w.store.UpdateInstanceStatus(ctx, instanceID, store.InstanceDisconnected, ""); err != nil {
		slog.Warn("connmgr: persist DISCONNECTED failed", "instance_id", instanceID, "error", err)
	}
}
