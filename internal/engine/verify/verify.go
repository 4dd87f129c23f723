// Package verify runs the background contact verification pass,
// probing PENDING contacts for protocol registration over any healthy
// socket in the pool.
package verify

import (
	"context"
	"log/slog"
	"time"

	"github.com/kirimkit/kirimkit/internal/engine/phone"
	"github.com/kirimkit/kirimkit/internal/engine/store"
	"github.com/kirimkit/kirimkit/internal/engine/supervisor"
	"github.com/kirimkit/kirimkit/internal/metrics"
	"github.com/kirimkit/kirimkit/internal/util/randx"
	"github.com/kirimkit/kirimkit/internal/wa"
)

const (
	idleSleep    = 10 * time.Second
	errorSleep   = 2 * time.Second
	probeGapMin  = 300 * time.Millisecond
	probeGapMax  = 500 * time.Millisecond
	probeTimeout = 10 * time.Second
	batchSize    = 50
)

// Worker drains PENDING contacts through registration probes.
type Worker struct {
	store *store.Store
	pool  *supervisor.Pool
	rand  *randx.Rand
}

// New creates a verification worker.
func New(st *store.Store, pool *supervisor.Pool, rnd *randx.Rand) *Worker {
	return &Worker{store: st, pool: pool, rand: rnd}
}

// Run drives the worker until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if !w.pass(ctx) {
			return
		}
	}
}

// pass is one verification sweep. Returns false to stop.
func (w *Worker) pass(ctx context.Context) bool {
	sock := w.pool.AnyConnected()
	if sock == nil {
		return w.sleep(ctx, idleSleep)
	}

	contacts, err := w.store.ListPendingContacts(ctx, batchSize)
	if err != nil {
		slog.Warn("verify: contact list failed", "error", err)
		return w.sleep(ctx, errorSleep)
	}
	if len(contacts) == 0 {
		return w.sleep(ctx, idleSleep)
	}

	for _, c := range contacts {
		if ctx.Err() != nil {
			return false
		}
		w.probe(ctx, sock, c)
		if !w.sleep(ctx, w.rand.Duration(probeGapMin, probeGapMax)) {
			return false
		}
	}
	return true
}

// probe checks one contact. Probe errors leave the contact untouched
// for the next sweep.
func (w *Worker) probe(ctx context.Context, sock wa.Socket, c *store.Contact) {
	number := phone.NormalizeValid(c.Phone)
	if number == "" {
		w.mark(ctx, c, store.ContactInvalid)
		return
	}

	pCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	exists, err := sock.OnWhatsApp(pCtx, phone.JID(number))
	cancel()
	if err != nil {
		slog.Warn("verify: probe failed", "contact_id", c.ID, "error", err)
		w.sleep(ctx, errorSleep)
		return
	}

	if exists {
		w.mark(ctx, c, store.ContactVerified)
	} else {
		w.mark(ctx, c, store.ContactInvalid)
	}
}

func (w *Worker) mark(ctx context.Context, c *store.Contact, status string) {
	if err := w.store.UpdateContactStatus(ctx, c.ID, status); err != nil {
		slog.Warn("verify: status write failed", "contact_id", c.ID, "error", err)
		return
	}
	result := "invalid"
	if status == store.ContactVerified {
		result = "verified"
	}
	metrics.VerificationsTotal.WithLabelValues(result).Inc()
	slog.Debug("verify: contact marked", "contact_id", c.ID, "status", status)
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
