package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kirimkit/kirimkit/internal/engine/phone"
	"github.com/kirimkit/kirimkit/internal/engine/spintax"
	"github.com/kirimkit/kirimkit/internal/engine/store"
	"github.com/kirimkit/kirimkit/internal/engine/trust"
	"github.com/kirimkit/kirimkit/internal/engine/zerowidth"
	"github.com/kirimkit/kirimkit/internal/metrics"
	"github.com/kirimkit/kirimkit/internal/wa"
)

// failsafeReason marks messages no pipeline branch accounted for.
const failsafeReason = "Unhandled Error/Timeout"

// sendOne runs the per-message pipeline. Returns false when the batch
// must be abandoned (rate-limit pause or cancellation).
func (p *Processor) sendOne(ctx context.Context, b *store.Broadcast, u *store.User,
	tier trust.Profile, m *store.Message, batchIdx int) bool {

	handled := false
	defer func() {
		if handled || ctx.Err() != nil {
			return
		}
		if marked, err := p.deps.Store.MarkMessageFailed(ctx, m.ID, b.ID, failsafeReason); err != nil {
			slog.Warn("broadcast: failsafe write failed", "message_id", m.ID, "error", err)
		} else if marked {
			metrics.MessagesFailedTotal.Inc()
			slog.Warn("broadcast: message fell through pipeline", "message_id", m.ID)
		}
	}()

	p.breaker(ctx, b, tier)
	if ctx.Err() != nil {
		return false
	}

	number := phone.Normalize(m.Recipient)
	if !phone.Valid(number) {
		p.markFailed(ctx, b, m, "invalid recipient number")
		handled = true
		return true
	}
	jid := phone.JID(number)

	if tier.PreVerify && !b.IsTurboMode {
		exists, err := p.verify(ctx, jid)
		if err == nil && !exists {
			p.markFailed(ctx, b, m, "recipient not on WhatsApp")
			p.log(ctx, b.ID, actionSkipInvalid, "recipient "+number+" not registered")
			handled = true
			p.sleep(ctx, p.deps.Rand.Duration(time.Second, 3*time.Second))
			return true
		}
		// Probe errors never block the send.
	}

	if !b.IsTurboMode && p.deps.Rand.Chance(tier.ActivityChance) {
		p.randomActivity(ctx, b)
	}

	content := spintax.Expand(b.Message, p.deps.Rand)
	p.log(ctx, b.ID, actionSpintax, truncate(content, 100))

	tagged, zwToken := zerowidth.Tag(content, p.deps.Rand)
	p.log(ctx, b.ID, actionUniqueSuffix, zwToken)

	hasImage := b.ImageURL != ""
	typingDur := p.typing(ctx, jid, content, hasImage, tier)

	failsBefore := p.sup.ConsecutiveFails()
	delay := p.postSendDelay(b, tier)

	opts := wa.SendOpts{Text: tagged}
	if hasImage {
		media, err := p.fetchMedia(ctx, b)
		if err != nil {
			slog.Warn("broadcast: media fetch failed, sending by url",
				"broadcast_id", b.ID, "url", b.ImageURL, "error", err)
			opts = wa.SendOpts{ImageURL: b.ImageURL, Caption: tagged}
		} else {
			opts = wa.SendOpts{Image: media, Caption: tagged}
		}
	}

	timeout := sendTimeout
	if hasImage {
		timeout = mediaTimeout
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	_, err := p.sup.Socket().SendMessage(sendCtx, jid, opts)
	metrics.SendDuration.Observe(time.Since(start).Seconds())
	cancel()

	switch {
	case err == nil:
		meta := p.buildMeta(b, tier, metaInputs{
			variant:     content,
			zwToken:     zwToken,
			typingMS:    typingDur.Milliseconds(),
			delayMS:     delay.Milliseconds(),
			batchIdx:    batchIdx,
			failsBefore: failsBefore,
		})
		marked, merr := p.deps.Store.MarkMessageSent(ctx, m.ID, b.ID, u.ID, content, meta, p.deps.Now())
		if merr != nil {
			slog.Warn("broadcast: sent accounting failed", "message_id", m.ID, "error", merr)
		}
		if marked {
			p.sup.RecordSent()
			metrics.MessagesSentTotal.Inc()
		}
		handled = true
		slog.Info("broadcast: message sent", "broadcast_id", b.ID,
			"recipient", number, "typing_ms", typingDur.Milliseconds())

	case isRateLimit(err):
		p.markFailed(ctx, b, m, err.Error())
		p.sup.Pause("rate limited on send: " + err.Error())
		p.setStatus(ctx, b, store.BroadcastPausedRateLimit)
		p.log(ctx, b.ID, actionRateLimitPause, err.Error())
		handled = true
		slog.Warn("broadcast: rate limited, pausing campaign",
			"broadcast_id", b.ID, "instance_id", p.sup.ID, "error", err)
		return false

	default:
		p.markFailed(ctx, b, m, err.Error())
		streak := p.sup.RecordFailure()
		handled = true
		slog.Warn("broadcast: send failed", "broadcast_id", b.ID,
			"recipient", number, "streak", streak, "error", err)
	}

	p.coolBatch(ctx, b, tier)

	return p.sleep(ctx, delay)
}

// breaker holds the pipeline when the consecutive-failure streak trips
// the tier threshold, cosplaying a user stepping away.
func (p *Processor) breaker(ctx context.Context, b *store.Broadcast, tier trust.Profile) {
	if p.sup.ConsecutiveFails() < tier.CircuitThreshold {
		return
	}
	hold := p.deps.Rand.Duration(breakerMin, breakerMax)
	p.log(ctx, b.ID, actionCircuitBreaker, fmt.Sprintf(
		"fails=%d threshold=%d hold=%s", p.sup.ConsecutiveFails(), tier.CircuitThreshold, hold))
	slog.Warn("broadcast: circuit breaker tripped", "broadcast_id", b.ID,
		"instance_id", p.sup.ID, "hold", hold)

	p.presence(ctx, wa.PresenceUnavailable, "")
	p.sleep(ctx, hold)
	p.presence(ctx, wa.PresenceAvailable, "")
	p.sup.ResetFails()
}

// verify probes recipient registration.
func (p *Processor) verify(ctx context.Context, jid string) (bool, error) {
	vCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return p.sup.Socket().OnWhatsApp(vCtx, jid)
}

// randomActivity injects one of four human-looking behaviours. All
// failures are swallowed.
func (p *Processor) randomActivity(ctx context.Context, b *store.Broadcast) {
	r := p.deps.Rand
	switch r.IntN(4) {
	case 0:
		d := r.Duration(5*time.Second, 15*time.Second)
		p.log(ctx, b.ID, "STEALTH_OFFLINE", d.String())
		p.sup.SetLastActivity("offline")
		p.presence(ctx, wa.PresenceUnavailable, "")
		p.sleep(ctx, d)
		p.presence(ctx, wa.PresenceAvailable, "")
	case 1:
		d := r.Duration(3*time.Second, 8*time.Second)
		p.log(ctx, b.ID, "STEALTH_READ", d.String())
		p.sup.SetLastActivity("read")
		p.sleep(ctx, d)
	case 2:
		d := r.Duration(8*time.Second, 20*time.Second)
		p.log(ctx, b.ID, "STEALTH_BROWSE", d.String())
		p.sup.SetLastActivity("browse")
		p.sleep(ctx, d)
	case 3:
		d := r.Duration(2*time.Second, 5*time.Second)
		p.log(ctx, b.ID, "STEALTH_TYPING", d.String())
		p.sup.SetLastActivity("typing")
		p.presence(ctx, wa.PresenceComposing, "")
		p.sleep(ctx, d)
		p.presence(ctx, wa.PresencePaused, "")
	}
}

// typing simulates composing the message and returns the simulated
// duration. Pacing is per visible rune, so multi-byte text and the
// invisible suffix do not inflate it.
func (p *Processor) typing(ctx context.Context, jid, text string, hasImage bool, tier trust.Profile) time.Duration {
	baseMS := int64(utf8.RuneCountInString(text)) * typingPerRune.Milliseconds()
	if baseMS < typingFloorMS {
		baseMS = typingFloorMS
	}
	if hasImage {
		baseMS += typingImageMS
	}
	dur := time.Duration(float64(baseMS)*tier.TypingMultiplier) * time.Millisecond
	dur += p.deps.Rand.Duration(0, 3*time.Second)

	sCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	_ = p.sup.Socket().PresenceSubscribe(sCtx, jid)
	cancel()

	p.presence(ctx, wa.PresenceComposing, jid)
	p.sleep(ctx, dur)
	p.presence(ctx, wa.PresencePaused, jid)
	return dur
}

// coolBatch applies the tier's batch cooldown when the batch counter
// reaches the tier's batch size.
func (p *Processor) coolBatch(ctx context.Context, b *store.Broadcast, tier trust.Profile) {
	if p.sup.IncBatch() < tier.BatchSize {
		return
	}
	hold := p.deps.Rand.Duration(tier.CooldownMin, tier.CooldownMax)
	slog.Info("broadcast: batch cooldown", "broadcast_id", b.ID,
		"batch", tier.BatchSize, "hold", hold.Round(time.Second))
	p.presence(ctx, wa.PresenceUnavailable, "")
	p.sleep(ctx, hold)
	p.presence(ctx, wa.PresenceAvailable, "")
	p.sup.ResetBatch()
}

// postSendDelay draws the inter-message delay: the campaign's range,
// scaled by the tier multiplier, jittered by a factor in [0.85, 1.15].
func (p *Processor) postSendDelay(b *store.Broadcast, tier trust.Profile) time.Duration {
	lo := time.Duration(b.DelayMin) * time.Second
	hi := time.Duration(b.DelayMax) * time.Second
	if hi < lo {
		hi = lo
	}
	d := p.deps.Rand.Duration(lo, hi)
	d = time.Duration(float64(d) * tier.DelayMultiplier)
	return p.deps.Rand.Scale(d, jitterLow, jitterHigh)
}

// markFailed records a per-message failure, best-effort.
func (p *Processor) markFailed(ctx context.Context, b *store.Broadcast, m *store.Message, reason string) {
	marked, err := p.deps.Store.MarkMessageFailed(ctx, m.ID, b.ID, reason)
	if err != nil {
		slog.Warn("broadcast: failure accounting failed", "message_id", m.ID, "error", err)
		return
	}
	if marked {
		metrics.MessagesFailedTotal.Inc()
	}
}

var rateLimitPhrases = []string{"rate-overlimit", "too many", "spam", "blocked", "banned"}

// isRateLimit classifies a send error as an upstream rate-limit
// signal.
func isRateLimit(err error) bool {
	var derr *wa.DisconnectError
	if errors.As(err, &derr) {
		switch derr.StatusCode {
		case wa.CodeRateOverLimit, wa.CodeMethodNotAllowed, wa.CodeUnavailableService:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range rateLimitPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
