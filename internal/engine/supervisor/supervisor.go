package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kirimkit/kirimkit/internal/engine/store"
	"github.com/kirimkit/kirimkit/internal/metrics"
	"github.com/kirimkit/kirimkit/internal/wa"
)

// Pairing and connect watchdog windows.
const (
	qrWindow     = 60 * time.Second
	qrMaxCycles  = 6
	stuckWindow  = 90 * time.Second
	autoReadMin  = 2 * time.Second
	autoReadMax  = 8 * time.Second
	heartbeatMin = 30 * time.Second
	heartbeatMax = 90 * time.Second
)

// heartbeatChance is the probability of actually sending the presence
// update on each heartbeat tick.
const heartbeatChance = 0.4

// Supervisor owns one instance's socket and drives its state machine.
type Supervisor struct {
	ID        string
	createdAt time.Time

	pool *Pool
	deps *Deps

	ctx    context.Context
	cancel context.CancelFunc

	sock  wa.Socket
	state *sessionState

	mu          sync.Mutex
	qrAttempts  int
	qrExpiries  int
	pauseReason string

	paused     atomic.Bool
	connected  atomic.Bool
	processing atomic.Bool
	stopOnce   sync.Once
}

// CreatedAt returns the instance row's creation time (tier age basis).
func (s *Supervisor) CreatedAt() time.Time { return s.createdAt }

// Socket returns the owned protocol socket.
func (s *Supervisor) Socket() wa.Socket { return s.sock }

// Connected reports whether the session is authenticated and open.
func (s *Supervisor) Connected() bool { return s.connected.Load() }

// Done returns a channel closed when the supervisor is torn down.
func (s *Supervisor) Done() <-chan struct{} { return s.ctx.Done() }

// Context returns the supervisor's lifetime context. The broadcast
// processor binds to it so teardown cancels mid-pipeline sleeps.
func (s *Supervisor) Context() context.Context { return s.ctx }

// Pause marks the supervisor paused (rate-limit discipline). The
// broadcast processor polls this between messages.
func (s *Supervisor) Pause(reason string) {
	s.mu.Lock()
	s.pauseReason = reason
	s.mu.Unlock()
	s.paused.Store(true)
	slog.Warn("supervisor: paused", "instance_id", s.ID, "reason", reason)
}

// IsPaused reports the pause flag.
func (s *Supervisor) IsPaused() bool { return s.paused.Load() }

// TryBeginProcessing claims the single-flight broadcast processor
// slot. Returns false when a processor is already running.
func (s *Supervisor) TryBeginProcessing() bool {
	return s.processing.CompareAndSwap(false, true)
}

// EndProcessing releases the processor slot.
func (s *Supervisor) EndProcessing() {
	s.processing.Store(false)
}

// IsProcessing reports whether a broadcast processor is attached.
func (s *Supervisor) IsProcessing() bool { return s.processing.Load() }

func (s *Supervisor) stuckWindow() time.Duration {
	if s.deps.StuckWindow > 0 {
		return s.deps.StuckWindow
	}
	return stuckWindow
}

func (s *Supervisor) stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		_ = s.sock.Close()
	})
}

// run is the supervisor's event loop. It owns the QR and stuck timers
// and is the only goroutine that mutates persisted instance status for
// this id while the supervisor lives.
func (s *Supervisor) run() {
	var qrC, stuckC <-chan time.Time
	var qrTimer, stuckTimer *time.Timer

	disarm := func(t *time.Timer) {
		if t != nil {
			t.Stop()
		}
	}
	defer func() {
		disarm(qrTimer)
		disarm(stuckTimer)
	}()

	for {
		select {
		case <-s.ctx.Done():
			return

		case <-stuckC:
			// Connecting for 90s without progress: give up and let
			// the connection manager re-admit.
			slog.Warn("supervisor: stuck connecting, tearing down", "instance_id", s.ID)
			s.giveUp()
			return

		case <-qrC:
			s.mu.Lock()
			s.qrExpiries++
			expiries := s.qrExpiries
			s.mu.Unlock()
			qrC = nil
			if expiries >= qrMaxCycles {
				slog.Warn("supervisor: QR expired too many times, tearing down",
					"instance_id", s.ID, "expiries", expiries)
				s.giveUp()
				return
			}

		case ev, ok := <-s.sock.Events():
			if !ok {
				// Transport died without a close update. Treat it as
				// an unclassified close so neither the pool entry nor
				// the persisted status can go stale.
				s.handleClose(nil)
				return
			}
			switch e := ev.(type) {
			case wa.ConnectionUpdate:
				switch {
				case e.State == wa.StateConnecting && e.QR == "":
					disarm(stuckTimer)
					stuckTimer = time.NewTimer(s.stuckWindow())
					stuckC = stuckTimer.C

				case e.QR != "":
					// A QR payload is progress. The pairing budget
					// governs from here, not the connect watchdog.
					disarm(stuckTimer)
					stuckC = nil
					s.mu.Lock()
					s.qrAttempts++
					attempts := s.qrAttempts
					s.mu.Unlock()
					if attempts >= qrMaxCycles {
						slog.Warn("supervisor: QR attempts exhausted, tearing down",
							"instance_id", s.ID, "attempts", attempts)
						s.giveUp()
						return
					}
					metrics.QRCodesTotal.Inc()
					wa.LogQR(s.ID, e.QR)
					if err := s.deps.Store.UpdateInstanceStatus(s.ctx, s.ID, store.InstanceQRReady, e.QR); err != nil {
						slog.Warn("supervisor: persist QR failed", "instance_id", s.ID, "error", err)
					}
					disarm(qrTimer)
					qrTimer = time.NewTimer(qrWindow)
					qrC = qrTimer.C

				case e.State == wa.StateOpen:
					disarm(qrTimer)
					disarm(stuckTimer)
					qrC, stuckC = nil, nil
					s.onOpen()

				case e.State == wa.StateClose:
					s.handleClose(e.Err)
					return
				}

			case wa.CredsUpdate:
				s.onCreds(e)

			case wa.InboundMessage:
				s.autoRead(e)
			}
		}
	}
}

// onOpen handles the authenticated-open transition.
func (s *Supervisor) onOpen() {
	s.mu.Lock()
	s.qrAttempts = 0
	s.qrExpiries = 0
	s.pauseReason = ""
	s.mu.Unlock()
	s.paused.Store(false)
	s.connected.Store(true)
	s.pool.resetFailCount(s.ID)

	s.state.mu.Lock()
	s.state.sessionStart = s.deps.Now()
	s.state.totalSentSession = 0
	s.state.consecutiveFails = 0
	s.state.mu.Unlock()

	if err := s.deps.Store.UpdateInstanceStatus(s.ctx, s.ID, store.InstanceConnected, ""); err != nil {
		slog.Warn("supervisor: persist CONNECTED failed", "instance_id", s.ID, "error", err)
	}

	if n, err := s.deps.Store.ResumePausedBroadcasts(s.ctx, s.ID); err != nil {
		slog.Warn("supervisor: broadcast resume failed", "instance_id", s.ID, "error", err)
	} else if n > 0 {
		slog.Info("supervisor: resumed paused broadcasts", "instance_id", s.ID, "count", n)
	}

	go s.presenceHeartbeat()

	if s.deps.OnConnected != nil {
		s.deps.OnConnected(s)
	}

	slog.Info("supervisor: session open", "instance_id", s.ID, "user", userJID(s.sock))
}

func userJID(sock wa.Socket) string {
	if u := sock.User(); u != nil {
		return u.JID
	}
	return ""
}

// onCreds persists updated credentials. Once a user identity exists,
// a lingering QR_READY status flips to INITIALIZING so the dashboard
// shows a sync state instead of a stale QR.
func (s *Supervisor) onCreds(e wa.CredsUpdate) {
	if err := s.deps.Sessions.SaveCreds(s.ID, e.Data); err != nil {
		slog.Warn("supervisor: persist creds failed", "instance_id", s.ID, "error", err)
	}

	if s.sock.User() != nil {
		flipped, err := s.deps.Store.UpdateInstanceStatusIf(s.ctx, s.ID,
			store.InstanceQRReady, store.InstanceInitializing, "")
		if err != nil {
			slog.Warn("supervisor: QR->sync flip failed", "instance_id", s.ID, "error", err)
		} else if flipped {
			slog.Info("supervisor: pairing accepted, syncing", "instance_id", s.ID)
		}
	}
}

// autoRead schedules a human-looking read receipt for inbound traffic.
// Best-effort: every error is swallowed.
func (s *Supervisor) autoRead(m wa.InboundMessage) {
	if m.Key.FromMe || m.IsStatus {
		return
	}
	delay := s.deps.Rand.Duration(autoReadMin, autoReadMax)
	if s.deps.AutoReadDelay != nil {
		delay = s.deps.AutoReadDelay()
	}
	go func() {
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(delay):
		}
		ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
		defer cancel()
		_ = s.sock.ReadMessages(ctx, []wa.MessageKey{m.Key})
	}()
}

// presenceHeartbeat keeps a human-like online footprint while the
// session is open.
func (s *Supervisor) presenceHeartbeat() {
	for {
		interval := s.deps.Rand.Duration(heartbeatMin, heartbeatMax)
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(interval):
		}
		if s.IsPaused() || !s.Connected() {
			continue
		}
		if !s.deps.Rand.Chance(heartbeatChance) {
			continue
		}
		ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
		err := s.sock.SendPresence(ctx, wa.PresenceAvailable, "")
		cancel()
		if err != nil {
			slog.Debug("supervisor: heartbeat presence failed", "instance_id", s.ID, "error", err)
		}
	}
}

// giveUp tears the supervisor down and persists DISCONNECTED. The
// connection manager re-admits when the dashboard asks again.
func (s *Supervisor) giveUp() {
	s.connected.Store(false)
	if s.pool.unregister(s) {
		if err := s.deps.Store.UpdateInstanceStatus(context.Background(), s.ID,
			store.InstanceDisconnected, ""); err != nil {
			slog.Warn("supervisor: persist DISCONNECTED failed", "instance_id", s.ID, "error", err)
		}
	}
	s.stop()
}

// handleClose classifies the disconnect and either schedules a
// reconnect or retires the instance.
func (s *Supervisor) handleClose(derr *wa.DisconnectError) {
	act := classifyClose(derr)
	metrics.ReconnectsTotal.WithLabelValues(act.reason).Inc()
	s.connected.Store(false)

	msg := ""
	if derr != nil {
		msg = derr.Message
	}
	slog.Info("supervisor: connection closed", "instance_id", s.ID,
		"reason", act.reason, "detail", msg)

	// If another Connect already replaced this supervisor, its
	// lifecycle is no longer ours to drive.
	if !s.pool.unregister(s) {
		s.stop()
		return
	}
	s.stop()

	ctx := s.pool.runCtx()

	if act.wipeSession {
		if err := s.deps.Sessions.Wipe(s.ID); err != nil {
			slog.Warn("supervisor: session wipe failed", "instance_id", s.ID, "error", err)
		}
	}

	if act.rateLimit {
		if n, err := s.deps.Store.PauseRunningBroadcasts(ctx, s.ID, store.BroadcastPausedRateLimit); err != nil {
			slog.Warn("supervisor: rate-limit pause failed", "instance_id", s.ID, "error", err)
		} else if n > 0 {
			slog.Warn("supervisor: rate limited, paused broadcasts", "instance_id", s.ID, "count", n)
		}
	}

	if act.countLoss {
		losses := s.pool.bumpFailCount(s.ID)
		if losses >= 4 {
			slog.Warn("supervisor: repeated connection loss, starting fresh",
				"instance_id", s.ID, "losses", losses)
			s.pool.resetFailCount(s.ID)
			if err := s.deps.Sessions.Wipe(s.ID); err != nil {
				slog.Warn("supervisor: session wipe failed", "instance_id", s.ID, "error", err)
			}
			if err := s.deps.Store.UpdateInstanceStatus(ctx, s.ID, store.InstanceDisconnected, ""); err != nil {
				slog.Warn("supervisor: persist DISCONNECTED failed", "instance_id", s.ID, "error", err)
			}
			return
		}
	}

	if !act.reconnect {
		if err := s.deps.Store.UpdateInstanceStatus(ctx, s.ID, store.InstanceDisconnected, ""); err != nil {
			slog.Warn("supervisor: persist DISCONNECTED failed", "instance_id", s.ID, "error", err)
		}
		return
	}

	delay := s.deps.Rand.Duration(act.delayMin, act.delayMax)
	slog.Info("supervisor: reconnecting", "instance_id", s.ID, "delay", delay)
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if err := s.pool.Connect(ctx, s.ID, true); err != nil {
			slog.Warn("supervisor: reconnect failed", "instance_id", s.ID, "error", err)
		}
	}()
}
