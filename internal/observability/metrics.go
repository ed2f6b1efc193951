// Package observability provides Prometheus metrics for NeighborGuard Edge.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: neighborguard_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for NeighborGuard Edge.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Ingest ───────────────────────────────────────────────────────────────

	// IngestProcessedTotal counts normalized signals delivered to a decision
	// core mailbox. Labels: sensor_kind
	IngestProcessedTotal *prometheus.CounterVec

	// IngestDroppedTotal counts signals dropped by the ingest router.
	// Labels: reason (stale_order, mailbox_full)
	IngestDroppedTotal *prometheus.CounterVec

	// ─── Track ────────────────────────────────────────────────────────────────

	// TracksOpenedTotal counts tracks opened by the aggregator.
	TracksOpenedTotal prometheus.Counter

	// TracksClosedTotal counts tracks closed, by reason (gap, window).
	TracksClosedTotal *prometheus.CounterVec

	// ─── Rules ────────────────────────────────────────────────────────────────

	// RuleFiredTotal counts rule-engine matches, by rule_id.
	RuleFiredTotal *prometheus.CounterVec

	// ─── Security ─────────────────────────────────────────────────────────────

	// StateTransitionsTotal counts entry-point state transitions.
	// Labels: from_state, to_state, accepted
	StateTransitionsTotal *prometheus.CounterVec

	// ActiveEntryPoints is the current number of entry points under
	// management.
	ActiveEntryPoints prometheus.Gauge

	// ─── Tamper ───────────────────────────────────────────────────────────────

	// TamperPathEvaluatedTotal counts Tamper-C corroboration checks that
	// found a matching path. Labels: path
	TamperPathEvaluatedTotal *prometheus.CounterVec

	// ─── Notify ───────────────────────────────────────────────────────────────

	// NotificationsSentTotal counts notification-level classifications.
	// Labels: level
	NotificationsSentTotal *prometheus.CounterVec

	// ─── Evidence ─────────────────────────────────────────────────────────────

	// EvidenceObjectsByStatus is the current count of evidence objects, by
	// status.
	EvidenceObjectsByStatus *prometheus.GaugeVec

	// EvidenceSweptTotal counts evidence objects expired by the TTL sweep.
	EvidenceSweptTotal prometheus.Counter

	// ─── Outbox ───────────────────────────────────────────────────────────────

	// OutboxQueueDepth is the current outbox queue length.
	OutboxQueueDepth prometheus.Gauge

	// OutboxSentTotal counts successfully delivered outbox entries.
	OutboxSentTotal prometheus.Counter

	// OutboxTerminalTotal counts entries that reached max_attempts.
	OutboxTerminalTotal prometheus.Counter

	// ─── Cloud ledger ─────────────────────────────────────────────────────────

	// CloudLedgerRequestLatency records outbound HTTP request latency.
	CloudLedgerRequestLatency prometheus.Histogram

	// CloudLedgerDuplicatesTotal counts idempotency-key duplicates the
	// server treated as success.
	CloudLedgerDuplicatesTotal prometheus.Counter

	// ─── Storage ──────────────────────────────────────────────────────────────

	// StorageWriteLatency records BoltDB write transaction latency.
	StorageWriteLatency prometheus.Histogram

	// ─── Daemon ───────────────────────────────────────────────────────────────

	// EdgeUptimeSeconds is the number of seconds since the daemon started.
	EdgeUptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all NeighborGuard Edge Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		IngestProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "neighborguard",
			Subsystem: "ingest",
			Name:      "processed_total",
			Help:      "Total normalized signals delivered to a decision core mailbox, by sensor kind.",
		}, []string{"sensor_kind"}),

		IngestDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "neighborguard",
			Subsystem: "ingest",
			Name:      "dropped_total",
			Help:      "Total signals dropped by the ingest router, by reason.",
		}, []string{"reason"}),

		TracksOpenedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "neighborguard",
			Subsystem: "track",
			Name:      "opened_total",
			Help:      "Total tracks opened by the aggregator.",
		}),

		TracksClosedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "neighborguard",
			Subsystem: "track",
			Name:      "closed_total",
			Help:      "Total tracks closed, by reason.",
		}, []string{"reason"}),

		RuleFiredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "neighborguard",
			Subsystem: "rules",
			Name:      "fired_total",
			Help:      "Total rule-engine matches, by rule_id.",
		}, []string{"rule_id"}),

		StateTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "neighborguard",
			Subsystem: "security",
			Name:      "state_transitions_total",
			Help:      "Total entry-point state transitions, by from_state, to_state, and acceptance.",
		}, []string{"from_state", "to_state", "accepted"}),

		ActiveEntryPoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "neighborguard",
			Subsystem: "security",
			Name:      "active_entry_points",
			Help:      "Current number of entry points under active management.",
		}),

		TamperPathEvaluatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "neighborguard",
			Subsystem: "tamper",
			Name:      "path_evaluated_total",
			Help:      "Total Tamper-C corroboration evaluations that matched a path.",
		}, []string{"path"}),

		NotificationsSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "neighborguard",
			Subsystem: "notify",
			Name:      "sent_total",
			Help:      "Total notification-level classifications, by level.",
		}, []string{"level"}),

		EvidenceObjectsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "neighborguard",
			Subsystem: "evidence",
			Name:      "objects",
			Help:      "Current number of evidence objects, by lifecycle status.",
		}, []string{"status"}),

		EvidenceSweptTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "neighborguard",
			Subsystem: "evidence",
			Name:      "swept_total",
			Help:      "Total evidence objects expired by the TTL sweep.",
		}),

		OutboxQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "neighborguard",
			Subsystem: "outbox",
			Name:      "queue_depth",
			Help:      "Current outbox queue length.",
		}),

		OutboxSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "neighborguard",
			Subsystem: "outbox",
			Name:      "sent_total",
			Help:      "Total successfully delivered outbox entries.",
		}),

		OutboxTerminalTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "neighborguard",
			Subsystem: "outbox",
			Name:      "terminal_total",
			Help:      "Total outbox entries that reached max_attempts.",
		}),

		CloudLedgerRequestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "neighborguard",
			Subsystem: "cloudledger",
			Name:      "request_latency_seconds",
			Help:      "Outbound cloud ledger request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		CloudLedgerDuplicatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "neighborguard",
			Subsystem: "cloudledger",
			Name:      "duplicates_total",
			Help:      "Total idempotency-key duplicates treated as success.",
		}),

		StorageWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "neighborguard",
			Subsystem: "storage",
			Name:      "write_latency_seconds",
			Help:      "BoltDB write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		EdgeUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "neighborguard",
			Subsystem: "edge",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the daemon started.",
		}),
	}

	reg.MustRegister(
		m.IngestProcessedTotal,
		m.IngestDroppedTotal,
		m.TracksOpenedTotal,
		m.TracksClosedTotal,
		m.RuleFiredTotal,
		m.StateTransitionsTotal,
		m.ActiveEntryPoints,
		m.TamperPathEvaluatedTotal,
		m.NotificationsSentTotal,
		m.EvidenceObjectsByStatus,
		m.EvidenceSweptTotal,
		m.OutboxQueueDepth,
		m.OutboxSentTotal,
		m.OutboxTerminalTotal,
		m.CloudLedgerRequestLatency,
		m.CloudLedgerDuplicatesTotal,
		m.StorageWriteLatency,
		m.EdgeUptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr, serving
// GET /metrics and GET /healthz. Blocks until ctx is cancelled.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.EdgeUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
