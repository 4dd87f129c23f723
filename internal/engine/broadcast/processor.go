// Package broadcast drains one instance's campaigns through the
// anti-ban pipeline: trust-tier pacing, working-hours and daily gates,
// presence simulation, circuit breaking, and transactional delivery
// accounting.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kirimkit/kirimkit/internal/engine/humanclock"
	"github.com/kirimkit/kirimkit/internal/engine/memguard"
	"github.com/kirimkit/kirimkit/internal/engine/store"
	"github.com/kirimkit/kirimkit/internal/engine/supervisor"
	"github.com/kirimkit/kirimkit/internal/engine/trust"
	"github.com/kirimkit/kirimkit/internal/metrics"
	"github.com/kirimkit/kirimkit/internal/util/randx"
	"github.com/kirimkit/kirimkit/internal/wa"
)

// Trace row actions written to broadcast_logs.
const (
	actionTrustTier      = "TRUST_TIER"
	actionLinkWarning    = "LINK_WARNING"
	actionSpintax        = "SPINTAX"
	actionUniqueSuffix   = "UNIQUE_SUFFIX"
	actionSkipInvalid    = "SKIP_INVALID"
	actionCircuitBreaker = "CIRCUIT_BREAKER"
	actionRateLimitPause = "RATE_LIMIT_PAUSE"
)

// Deps carries the processor's collaborators.
type Deps struct {
	Store *store.Store
	Guard *memguard.Guard
	Rand  *randx.Rand

	// PublicDirs are searched in order for local media paths.
	PublicDirs []string

	// HTTPClient fetches remote media. Nil means a default client.
	HTTPClient *http.Client

	// Now is the clock seam; defaults to time.Now.
	Now func() time.Time
}

// Processor drains broadcasts for one connected supervisor. At most
// one runs per supervisor (single-flight via TryBeginProcessing).
type Processor struct {
	deps Deps
	sup  *supervisor.Supervisor

	// Loop cadences. Defaults match production; tests shrink them.
	idleSleep   time.Duration
	pauseSleep  time.Duration
	reloadSleep time.Duration
	warmupChunk time.Duration
	hoursChunk  time.Duration
	dailyChunk  time.Duration

	// sleepScale shrinks every pipeline sleep proportionally. Tests
	// set it well below 1; production leaves it at 1.
	sleepScale float64

	// Per-broadcast once-only bookkeeping.
	probed map[string]bool
}

const (
	batchSize     = 10
	warmupPeriod  = 24 * time.Hour
	sendTimeout   = 30 * time.Second
	mediaTimeout  = 60 * time.Second
	breakerMin    = 60 * time.Second
	breakerMax    = 180 * time.Second
	probeTimeout  = 10 * time.Second
	jitterLow     = 0.85
	jitterHigh    = 1.15
	typingFloorMS = 3000
	typingPerRune = 50 * time.Millisecond
	typingImageMS = 5000
)

// New creates a processor bound to a connected supervisor.
func New(deps Deps, sup *supervisor.Supervisor) *Processor {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Processor{
		deps:        deps,
		sup:         sup,
		idleSleep:   10 * time.Second,
		pauseSleep:  10 * time.Second,
		reloadSleep: 2 * time.Second,
		warmupChunk: 5 * time.Minute,
		hoursChunk:  time.Minute,
		dailyChunk:  5 * time.Minute,
		sleepScale:  1,
		probed:      make(map[string]bool),
	}
}

// Run drains broadcasts until ctx (the supervisor's lifetime) ends.
func (p *Processor) Run(ctx context.Context) {
	slog.Info("broadcast: processor started", "instance_id", p.sup.ID)
	defer slog.Info("broadcast: processor stopped", "instance_id", p.sup.ID)

	for {
		if ctx.Err() != nil {
			return
		}
		if !p.iterate(ctx) {
			return
		}
	}
}

// iterate is one pass of the claim loop. Returns false to stop.
func (p *Processor) iterate(ctx context.Context) bool {
	if p.sup.IsPaused() {
		return p.sleep(ctx, p.pauseSleep)
	}
	if p.deps.Guard != nil && p.deps.Guard.OverSoft() {
		p.deps.Guard.Collect()
	}

	b, err := p.deps.Store.GetActiveBroadcast(ctx, p.sup.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("broadcast: claim failed", "instance_id", p.sup.ID, "error", err)
		}
		return p.sleep(ctx, p.idleSleep)
	}

	u, err := p.deps.Store.GetUser(ctx, b.UserID)
	if err != nil {
		slog.Warn("broadcast: user load failed", "broadcast_id", b.ID, "error", err)
		return p.sleep(ctx, p.idleSleep)
	}

	if u.Credit <= 0 {
		slog.Warn("broadcast: out of credit, pausing", "broadcast_id", b.ID, "user_id", u.ID)
		p.setStatus(ctx, b, store.BroadcastPausedNoCredit)
		return p.sleep(ctx, p.idleSleep)
	}

	now := p.deps.Now()
	tier := trust.Classify(p.sup.CreatedAt(), p.sup.SessionStart(), now)

	if !p.warmupGate(ctx, b, now) {
		return ctx.Err() == nil
	}

	if b.Status == store.BroadcastPending {
		p.beginBroadcast(ctx, b, tier)
	}

	if !p.livenessProbe(ctx, b) {
		return p.sleep(ctx, p.idleSleep)
	}

	if !p.workingHoursGate(ctx, b) {
		return ctx.Err() == nil
	}
	if !p.dailyGate(ctx, b, tier) {
		return ctx.Err() == nil
	}

	msgs, err := p.deps.Store.ListPendingMessages(ctx, b.ID, batchSize)
	if err != nil {
		slog.Warn("broadcast: batch load failed", "broadcast_id", b.ID, "error", err)
		return p.sleep(ctx, p.idleSleep)
	}
	if len(msgs) == 0 {
		pending, err := p.deps.Store.CountPendingMessages(ctx, b.ID)
		if err != nil {
			slog.Warn("broadcast: pending count failed", "broadcast_id", b.ID, "error", err)
			return p.sleep(ctx, p.idleSleep)
		}
		if pending == 0 {
			p.complete(ctx, b)
			return true
		}
		return p.sleep(ctx, p.reloadSleep)
	}

	for i, m := range msgs {
		if ctx.Err() != nil {
			return false
		}
		if p.sup.IsPaused() {
			break
		}
		if !p.sendOne(ctx, b, u, tier, m, i) {
			break
		}
	}
	return true
}

// beginBroadcast handles the PENDING to RUNNING transition: tier log,
// link scan, status flip.
func (p *Processor) beginBroadcast(ctx context.Context, b *store.Broadcast, tier trust.Profile) {
	ageDays := int(p.deps.Now().Sub(p.sup.CreatedAt()).Hours() / 24)
	p.log(ctx, b.ID, actionTrustTier, fmt.Sprintf(
		"tier=%s age_days=%d batch=%d delay_x=%.1f daily_cap=%d",
		tier.Tier, ageDays, tier.BatchSize, tier.DelayMultiplier, tier.DailySoftCap))

	p.scanLinks(ctx, b, tier)

	if err := p.deps.Store.UpdateBroadcastStatus(ctx, b.ID, store.BroadcastRunning); err != nil {
		slog.Warn("broadcast: start transition failed", "broadcast_id", b.ID, "error", err)
		return
	}
	b.Status = store.BroadcastRunning
	slog.Info("broadcast: started", "broadcast_id", b.ID, "instance_id", p.sup.ID,
		"total", b.Total, "tier", tier.Tier.String(), "turbo", b.IsTurboMode)
}

// warmupGate blocks broadcasting during the account's first 24 hours
// unless Turbo is on. Returns false when the iteration should restart.
func (p *Processor) warmupGate(ctx context.Context, b *store.Broadcast, now time.Time) bool {
	if b.IsTurboMode || p.sup.CreatedAt().IsZero() {
		return true
	}
	age := now.Sub(p.sup.CreatedAt())
	if age >= warmupPeriod {
		return true
	}

	remaining := warmupPeriod - age
	slog.Warn("broadcast: account in warm-up, holding", "broadcast_id", b.ID,
		"instance_id", p.sup.ID, "remaining", remaining.Round(time.Minute))
	p.setStatus(ctx, b, store.BroadcastPausedWorkHours)

	for p.deps.Now().Sub(p.sup.CreatedAt()) < warmupPeriod {
		if !p.sleep(ctx, p.warmupChunk) || p.sup.IsPaused() {
			return false
		}
	}
	p.setStatus(ctx, b, store.BroadcastRunning)
	return false
}

// livenessProbe validates the session once per broadcast by
// subscribing to our own presence.
func (p *Processor) livenessProbe(ctx context.Context, b *store.Broadcast) bool {
	if p.probed[b.ID] {
		return true
	}
	self := p.sup.Socket().User()
	if self == nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	err := p.sup.Socket().PresenceSubscribe(probeCtx, self.JID)
	cancel()
	if err != nil {
		slog.Warn("broadcast: liveness probe failed", "broadcast_id", b.ID, "error", err)
		return false
	}
	p.probed[b.ID] = true
	return true
}

// workingHoursGate pauses outside the campaign's sending window.
// Returns false when the iteration should restart.
func (p *Processor) workingHoursGate(ctx context.Context, b *store.Broadcast) bool {
	if b.IsTurboMode {
		return true
	}
	now := p.deps.Now()
	if humanclock.InWindow(b.WorkingHourStart, b.WorkingHourEnd, now.Hour()) {
		return true
	}

	wait := humanclock.UntilOpen(b.WorkingHourStart, b.WorkingHourEnd, now)
	slog.Info("broadcast: outside working hours, pausing", "broadcast_id", b.ID,
		"window", fmt.Sprintf("%02d-%02d", b.WorkingHourStart, b.WorkingHourEnd),
		"reopens_in", wait.Round(time.Minute))
	p.setStatus(ctx, b, store.BroadcastPausedWorkHours)
	p.presence(ctx, wa.PresenceUnavailable, "")

	for !humanclock.InWindow(b.WorkingHourStart, b.WorkingHourEnd, p.deps.Now().Hour()) {
		if !p.sleep(ctx, p.hoursChunk) || p.sup.IsPaused() {
			return false
		}
	}

	p.presence(ctx, wa.PresenceAvailable, "")
	p.setStatus(ctx, b, store.BroadcastRunning)
	return false
}

// dailyGate holds the broadcast once the tier-clamped daily cap is
// reached, until the local date rolls or the window reopens.
func (p *Processor) dailyGate(ctx context.Context, b *store.Broadcast, tier trust.Profile) bool {
	limit := tier.ClampDailyLimit(b.DailyLimit)
	if limit == 0 {
		return true
	}
	if p.sup.DailyCount(p.deps.Now()) < limit {
		return true
	}

	slog.Info("broadcast: daily limit reached, holding", "broadcast_id", b.ID,
		"instance_id", p.sup.ID, "limit", limit)
	p.setStatus(ctx, b, store.BroadcastPausedWorkHours)

	for p.sup.DailyCount(p.deps.Now()) >= limit {
		if !p.sleep(ctx, p.dailyChunk) || p.sup.IsPaused() {
			return false
		}
	}
	p.setStatus(ctx, b, store.BroadcastRunning)
	return false
}

// complete finishes a drained broadcast and drops its cached media.
func (p *Processor) complete(ctx context.Context, b *store.Broadcast) {
	if err := p.deps.Store.UpdateBroadcastStatus(ctx, b.ID, store.BroadcastCompleted); err != nil {
		slog.Warn("broadcast: completion write failed", "broadcast_id", b.ID, "error", err)
		return
	}
	p.sup.MediaClear()
	p.sup.ResetBatch()
	delete(p.probed, b.ID)
	metrics.BroadcastsCompletedTotal.Inc()
	slog.Info("broadcast: completed", "broadcast_id", b.ID, "instance_id", p.sup.ID,
		"sent", b.Sent, "failed", b.Failed, "total", b.Total)
}

// setStatus persists a broadcast status flip, logging failures. The
// row is the source of truth, so a failed write converges next loop.
func (p *Processor) setStatus(ctx context.Context, b *store.Broadcast, status string) {
	if err := p.deps.Store.UpdateBroadcastStatus(ctx, b.ID, status); err != nil {
		slog.Warn("broadcast: status write failed", "broadcast_id", b.ID,
			"status", status, "error", err)
		return
	}
	b.Status = status
}

// log appends a trace row, best-effort.
func (p *Processor) log(ctx context.Context, broadcastID, action, detail string) {
	if err := p.deps.Store.AppendLog(ctx, broadcastID, action, detail); err != nil {
		slog.Warn("broadcast: trace write failed", "broadcast_id", broadcastID,
			"action", action, "error", err)
	}
}

// presence sends a best-effort presence update.
func (p *Processor) presence(ctx context.Context, state wa.Presence, jid string) {
	pCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := p.sup.Socket().SendPresence(pCtx, state, jid); err != nil {
		slog.Debug("broadcast: presence update failed", "instance_id", p.sup.ID,
			"state", state, "error", err)
	}
}

// sleep pauses for d (scaled by sleepScale), returning false when ctx
// ends first.
func (p *Processor) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(time.Duration(float64(d) * p.sleepScale)):
		return true
	}
}
