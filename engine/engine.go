// Package engine provides the reusable worker engine that can be
// embedded in other binaries. It wires the store, the supervisor pool,
// the connection manager, the disconnect watcher, the verification
// worker, the memory guard, and the metrics endpoint.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirimkit/kirimkit/internal/engine/broadcast"
	"github.com/kirimkit/kirimkit/internal/engine/config"
	"github.com/kirimkit/kirimkit/internal/engine/connmgr"
	"github.com/kirimkit/kirimkit/internal/engine/db"
	"github.com/kirimkit/kirimkit/internal/engine/memguard"
	"github.com/kirimkit/kirimkit/internal/engine/session"
	"github.com/kirimkit/kirimkit/internal/engine/store"
	"github.com/kirimkit/kirimkit/internal/engine/supervisor"
	"github.com/kirimkit/kirimkit/internal/engine/verify"
	"github.com/kirimkit/kirimkit/internal/util/randx"
	"github.com/kirimkit/kirimkit/internal/wa"
)

const shutdownTimeout = 5 * time.Second

// Engine is one worker engine instance. Create with New, run with
// Serve.
type Engine struct {
	cfg      *config.Config
	sqlDB    *sql.DB
	store    *store.Store
	sessions *session.Store
	guard    *memguard.Guard
	rand     *randx.Rand
	pool     *supervisor.Pool

	metricsSrv *http.Server
}

// New creates an Engine. It opens the database, applies the schema
// mirror, and wires all components. Call Serve to start.
func New(cfg *config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	sqlDB, err := db.Open(cfg.ResolveDBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		sqlDB:    sqlDB,
		store:    store.New(sqlDB),
		sessions: session.NewStore(cfg.ResolveSessionsDir()),
		guard:    memguard.New(cfg.MemoryLimitMB),
		rand:     randx.New(),
	}

	e.pool = supervisor.NewPool(supervisor.Deps{
		Store:       e.store,
		Sessions:    e.sessions,
		Dialer:      wa.NewDialer(),
		Rand:        e.rand,
		Endpoint:    cfg.WAEndpoint,
		Origin:      cfg.WAOrigin,
		OnConnected: e.launchProcessor,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	e.metricsSrv = &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return e, nil
}

// Store exposes the row store for embedding binaries and tests.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Pool exposes the supervisor pool for embedding binaries and tests.
func (e *Engine) Pool() *supervisor.Pool {
	return e.pool
}

// launchProcessor starts the single-flight broadcast processor each
// time a supervisor reaches CONNECTED.
func (e *Engine) launchProcessor(s *supervisor.Supervisor) {
	if !s.TryBeginProcessing() {
		return
	}
	proc := broadcast.New(broadcast.Deps{
		Store:      e.store,
		Guard:      e.guard,
		Rand:       e.rand,
		PublicDirs: e.cfg.ResolvePublicDirs(),
	}, s)
	go func() {
		defer s.EndProcessing()
		proc.Run(s.Context())
	}()
}

// Serve runs the engine until ctx is cancelled or the memory guard
// trips its hard threshold, then shuts down gracefully: every instance
// row is persisted DISCONNECTED and all sockets released. Session
// directories are preserved so pairings survive restarts.
func (e *Engine) Serve(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.guard.OnHard = func(usageMB float64) {
		slog.Error("engine: memory ceiling reached, shutting down", "usage_mb", int(usageMB))
		cancel()
	}
	e.pool.SetRootContext(runCtx)

	if cwd, err := os.Getwd(); err == nil {
		e.sessions.CleanupLegacy(cwd)
	}

	ln, err := net.Listen("tcp", e.cfg.MetricsAddr)
	if err != nil {
		return fmt.Errorf("listen metrics %s: %w", e.cfg.MetricsAddr, err)
	}
	go func() {
		if err := e.metricsSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("engine: metrics server failed", "error", err)
		}
	}()
	slog.Info("engine: metrics endpoint up", "addr", ln.Addr().String())

	go e.guard.Run(runCtx)
	go connmgr.New(e.store, e.pool, e.guard).Run(runCtx)
	go connmgr.NewWatcher(e.store, e.pool, e.sessions).Run(runCtx)
	go verify.New(e.store, e.pool, e.rand).Run(runCtx)

	slog.Info("engine: started", "db", e.cfg.ResolveDBPath(),
		"sessions", e.sessions.Root(), "memory_limit_mb", e.cfg.MemoryLimitMB)

	<-runCtx.Done()
	return e.shutdown()
}

func (e *Engine) shutdown() error {
	slog.Info("engine: shutting down")
	shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	e.pool.ShutdownAll(shCtx)

	if err := e.metricsSrv.Shutdown(shCtx); err != nil {
		slog.Warn("engine: metrics server shutdown failed", "error", err)
	}
	if err := e.sqlDB.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	slog.Info("engine: shutdown complete")
	return nil
}
