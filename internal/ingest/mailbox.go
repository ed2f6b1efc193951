// Package ingest fans normalized SensorEvents out to one single-threaded
// decision core per entry point.
//
// Each entry point owns exactly one goroutine and one buffered mailbox
// channel, mirroring the producer/worker-pool shape of a ring-buffer
// consumer: a full mailbox drops the incoming signal and increments a
// drop counter rather than blocking the normalizer, and every signal is
// delivered to its owning core in occurred_at order. Stale out-of-order
// arrivals (older than the last delivered signal for that entry point)
// are dropped with a warning; there is no cross-entry-point ordering
// guarantee.
package ingest

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/neighborguard/edge/internal/normalize"
	"github.com/neighborguard/edge/internal/observability"
)

// Handler processes a single SensorEvent for one entry point's decision
// core. It must not block on anything but its own in-process work: no
// timer wait, no network I/O, no evidence I/O — those are offloaded to
// other components via message passing.
type Handler func(normalize.SensorEvent)

// Mailbox is the single-threaded decision-core entry point for one
// EntryPointID.
type Mailbox struct {
	entryPointID string
	ch           chan normalize.SensorEvent
	handler      Handler
	log          *zap.Logger
	metrics      *observability.Metrics

	mu          sync.Mutex
	lastSeenAt  int64 // UnixNano of the last delivered signal's OccurredAt
}

// Router owns one Mailbox per entry point and dispatches normalized
// signals to the correct one, creating mailboxes lazily.
type Router struct {
	mu       sync.Mutex
	mailbox  map[string]*Mailbox
	size     int
	handler  func(entryPointID string) Handler
	log      *zap.Logger
	metrics  *observability.Metrics
}

// NewRouter creates a Router. handlerFor must return the Handler that owns
// decisions for a given entry point; it is called once per newly seen
// entry point.
func NewRouter(size int, handlerFor func(entryPointID string) Handler, log *zap.Logger, metrics *observability.Metrics) *Router {
	return &Router{
		mailbox: make(map[string]*Mailbox),
		size:    size,
		handler: handlerFor,
		log:     log,
		metrics: metrics,
	}
}

// Dispatch routes a normalized signal to its entry point's mailbox,
// starting the mailbox's goroutine on first use.
func (r *Router) Dispatch(ctx context.Context, ev normalize.SensorEvent) {
	if ev.EntryPointID == "" {
		return
	}
	mb := r.mailboxFor(ctx, ev.EntryPointID)
	mb.deliver(ev, r.metrics)
}

func (r *Router) mailboxFor(ctx context.Context, entryPointID string) *Mailbox {
	r.mu.Lock()
	defer r.mu.Unlock()

	if mb, ok := r.mailbox[entryPointID]; ok {
		return mb
	}

	mb := &Mailbox{
		entryPointID: entryPointID,
		ch:           make(chan normalize.SensorEvent, r.size),
		handler:      r.handler(entryPointID),
		log:          r.log,
		metrics:      r.metrics,
	}
	r.mailbox[entryPointID] = mb
	go mb.run(ctx)
	return mb
}

func (mb *Mailbox) deliver(ev normalize.SensorEvent, metrics *observability.Metrics) {
	mb.mu.Lock()
	stale := ev.OccurredAt.UnixNano() < mb.lastSeenAt
	mb.mu.Unlock()
	if stale {
		mb.log.Warn("ingest: dropping stale out-of-order signal",
			zap.String("entry_point_id", mb.entryPointID),
			zap.String("event_id", ev.EventID))
		metrics.IngestDroppedTotal.WithLabelValues("stale_order").Inc()
		return
	}

	select {
	case mb.ch <- ev:
	default:
		mb.log.Warn("ingest: mailbox full, dropping signal",
			zap.String("entry_point_id", mb.entryPointID),
			zap.String("event_id", ev.EventID))
		metrics.IngestDroppedTotal.WithLabelValues("mailbox_full").Inc()
	}
}

func (mb *Mailbox) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-mb.ch:
			if !ok {
				return
			}
			mb.mu.Lock()
			mb.lastSeenAt = ev.OccurredAt.UnixNano()
			mb.mu.Unlock()
			mb.metrics.IngestProcessedTotal.WithLabelValues(ev.SensorKind).Inc()
			mb.handler(ev)
		}
	}
}
