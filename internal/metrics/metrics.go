// Package metrics provides Prometheus instrumentation for KirimKit.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session metrics.
var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kirimkit_active_sessions",
		Help: "Number of instances with a live socket supervisor.",
	})

	ReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kirimkit_reconnects_total",
		Help: "Total socket reconnects, by close classification.",
	}, []string{"reason"})

	QRCodesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kirimkit_qr_codes_total",
		Help: "Total pairing QR codes emitted.",
	})
)

// Broadcast metrics.
var (
	MessagesSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kirimkit_messages_sent_total",
		Help: "Total messages delivered.",
	})

	MessagesFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kirimkit_messages_failed_total",
		Help: "Total messages that could not be delivered.",
	})

	BroadcastsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kirimkit_broadcasts_completed_total",
		Help: "Total broadcasts drained to completion.",
	})

	SendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kirimkit_send_duration_seconds",
		Help:    "Wall-clock duration of a single send, excluding pacing sleeps.",
		Buckets: prometheus.DefBuckets,
	})
)

// Contact verification metrics.
var (
	VerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kirimkit_contact_verifications_total",
		Help: "Total contact registration probes, by outcome.",
	}, []string{"result"})
)

// Process metrics.
var (
	MemoryUsageMB = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kirimkit_memory_usage_mb",
		Help: "Resident heap usage in megabytes as sampled by the memory guard.",
	})
)
