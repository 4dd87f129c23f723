// Package supervisor drives the per-instance connection state machine:
// socket lifecycle, QR pairing, close classification, reconnects, and
// the ephemeral anti-ban counters the broadcast processor reads.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kirimkit/kirimkit/internal/engine/session"
	"github.com/kirimkit/kirimkit/internal/engine/store"
	"github.com/kirimkit/kirimkit/internal/metrics"
	"github.com/kirimkit/kirimkit/internal/util/randx"
	"github.com/kirimkit/kirimkit/internal/wa"
)

// Deps carries the pool's collaborators.
type Deps struct {
	Store    *store.Store
	Sessions *session.Store
	Dialer   wa.Dialer
	Rand     *randx.Rand

	Endpoint string
	Origin   string

	// Now is the clock seam; defaults to time.Now.
	Now func() time.Time

	// OnConnected is invoked each time a supervisor reaches CONNECTED.
	// The engine wires the broadcast processor launch here.
	OnConnected func(s *Supervisor)

	// FetchVersion overrides wire-version discovery in tests.
	FetchVersion func(ctx context.Context) [3]int

	// HandshakeDelay overrides the randomised 2-5s pre-dial delay in
	// tests. Nil means the default draw.
	HandshakeDelay func() time.Duration

	// AutoReadDelay overrides the randomised 2-8s read-receipt delay
	// in tests. Nil means the default draw.
	AutoReadDelay func() time.Duration

	// StuckWindow overrides the 90s connect watchdog in tests. Zero
	// means the default.
	StuckWindow time.Duration
}

// Pool is the in-process map from instance id to its supervisor.
type Pool struct {
	deps Deps

	mu     sync.RWMutex
	supers map[string]*Supervisor

	// connectMu serializes Connect per instance id so concurrent
	// requests coalesce instead of racing the teardown.
	connectMu   sync.Mutex
	connectBusy map[string]*sync.Mutex

	// failCounts tracks connection-lost streaks across socket
	// generations. Reset when a session reaches open.
	failMu     sync.Mutex
	failCounts map[string]int

	// root is the engine's run context. Reconnect goroutines bind to
	// it instead of the torn-down supervisor's context.
	rootMu sync.Mutex
	root   context.Context
}

// SetRootContext installs the engine run context used for scheduled
// reconnects. Call once before the first Connect.
func (p *Pool) SetRootContext(ctx context.Context) {
	p.rootMu.Lock()
	defer p.rootMu.Unlock()
	p.root = ctx
}

func (p *Pool) runCtx() context.Context {
	p.rootMu.Lock()
	defer p.rootMu.Unlock()
	if p.root != nil {
		return p.root
	}
	return context.Background()
}

// NewPool creates an empty supervisor pool.
func NewPool(deps Deps) *Pool {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.FetchVersion == nil {
		deps.FetchVersion = wa.FetchLatestVersion
	}
	return &Pool{
		deps:        deps,
		supers:      make(map[string]*Supervisor),
		connectBusy: make(map[string]*sync.Mutex),
		failCounts:  make(map[string]int),
	}
}

// Get returns the supervisor for an instance, or nil.
func (p *Pool) Get(instanceID string) *Supervisor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.supers[instanceID]
}

// IDs returns the ids of all pooled supervisors.
func (p *Pool) IDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.supers))
	for id := range p.supers {
		out = append(out, id)
	}
	return out
}

// IsConnecting reports whether a Connect for the id is in flight.
func (p *Pool) IsConnecting(instanceID string) bool {
	p.connectMu.Lock()
	defer p.connectMu.Unlock()
	if m, ok := p.connectBusy[instanceID]; ok {
		if m.TryLock() {
			m.Unlock()
			return false
		}
		return true
	}
	return false
}

// AnyConnected returns one connected supervisor's socket, or nil.
// Used by the verification worker, which borrows any healthy socket.
func (p *Pool) AnyConnected() wa.Socket {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, s := range p.supers {
		if s.Connected() {
			return s.Socket()
		}
	}
	return nil
}

func (p *Pool) lockFor(instanceID string) *sync.Mutex {
	p.connectMu.Lock()
	defer p.connectMu.Unlock()
	m, ok := p.connectBusy[instanceID]
	if !ok {
		m = &sync.Mutex{}
		p.connectBusy[instanceID] = m
	}
	return m
}

// Connect opens (or reopens) the session for an instance. It holds the
// per-id connecting lock for the whole attempt so concurrent requests
// coalesce. A fresh connect (isReconnect == false) against a persisted
// INITIALIZING status wipes the session directory first: that is the
// dashboard's fresh-pair intent.
func (p *Pool) Connect(ctx context.Context, instanceID string, isReconnect bool) error {
	lock := p.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	// Tear down whatever is currently running for this id.
	p.teardown(instanceID)

	in, err := p.deps.Store.GetInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("load instance %s: %w", instanceID, err)
	}

	if !isReconnect && in.Status == store.InstanceInitializing {
		if err := p.deps.Sessions.Wipe(instanceID); err != nil {
			slog.Warn("supervisor: fresh-pair wipe failed", "instance_id", instanceID, "error", err)
		}
	}

	// A corrupt credential file is deleted here and treated as a
	// fresh start.
	hasCreds, err := p.deps.Sessions.Validate(instanceID)
	if err != nil {
		slog.Warn("supervisor: session validation failed", "instance_id", instanceID, "error", err)
		hasCreds = false
	}

	if err := p.deps.Store.UpdateInstanceStatus(ctx, instanceID, store.InstanceInitializing, ""); err != nil {
		return err
	}

	// Randomised pre-dial delay avoids burst-collision with the
	// upstream handshake limiter.
	delay := p.deps.Rand.Duration(2*time.Second, 5*time.Second)
	if p.deps.HandshakeDelay != nil {
		delay = p.deps.HandshakeDelay()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
	}

	var creds []byte
	if hasCreds {
		creds, _ = p.deps.Sessions.LoadCreds(instanceID)
	}

	opts := wa.Options{
		Endpoint:    p.deps.Endpoint,
		Origin:      p.deps.Origin,
		Version:     p.deps.FetchVersion(ctx),
		Fingerprint: wa.PickFingerprint(p.deps.Rand.IntN),
		KeepAlive:   p.deps.Rand.Duration(25*time.Second, 45*time.Second),
		Creds:       creds,
	}

	sock, err := p.deps.Dialer.Dial(ctx, opts)
	if err != nil {
		_ = p.deps.Store.UpdateInstanceStatus(ctx, instanceID, store.InstanceDisconnected, "")
		return fmt.Errorf("dial instance %s: %w", instanceID, err)
	}

	supCtx, cancel := context.WithCancel(ctx)
	s := &Supervisor{
		ID:        instanceID,
		createdAt: in.CreatedAt,
		pool:      p,
		deps:      &p.deps,
		ctx:       supCtx,
		cancel:    cancel,
		sock:      sock,
		state:     newSessionState(p.deps.Now()),
	}

	p.mu.Lock()
	p.supers[instanceID] = s
	p.mu.Unlock()
	metrics.ActiveSessions.Inc()

	go s.run()

	slog.Info("supervisor: connected socket", "instance_id", instanceID,
		"reconnect", isReconnect, "has_creds", hasCreds)
	return nil
}

// Teardown removes an instance's supervisor, closing its socket and
// cancelling its timers. Safe to call when none exists.
func (p *Pool) Teardown(instanceID string) {
	p.teardown(instanceID)
}

func (p *Pool) teardown(instanceID string) {
	p.mu.Lock()
	s := p.supers[instanceID]
	if s != nil {
		delete(p.supers, instanceID)
	}
	p.mu.Unlock()

	if s == nil {
		return
	}
	s.stop()
	metrics.ActiveSessions.Dec()
}

// unregister removes s only if it is still the pooled supervisor for
// its id, so a stale goroutine cannot evict a newer replacement.
func (p *Pool) unregister(s *Supervisor) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.supers[s.ID] == s {
		delete(p.supers, s.ID)
		metrics.ActiveSessions.Dec()
		return true
	}
	return false
}

func (p *Pool) bumpFailCount(instanceID string) int {
	p.failMu.Lock()
	defer p.failMu.Unlock()
	p.failCounts[instanceID]++
	return p.failCounts[instanceID]
}

func (p *Pool) resetFailCount(instanceID string) {
	p.failMu.Lock()
	defer p.failMu.Unlock()
	delete(p.failCounts, instanceID)
}

// ShutdownAll persists DISCONNECTED for every pooled instance and
// releases all sockets. Session directories are preserved so pairings
// survive restarts.
func (p *Pool) ShutdownAll(ctx context.Context) {
	for _, id := range p.IDs() {
		if err := p.deps.Store.UpdateInstanceStatus(ctx, id, store.InstanceDisconnected, ""); err != nil {
			slog.Warn("supervisor: shutdown status write failed", "instance_id", id, "error", err)
		}
		p.teardown(id)
	}
}
