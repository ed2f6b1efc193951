// Package outbox implements the durable, idempotent local queue that
// carries event-ingest and evidence-export messages to the cloud ledger.
//
// Every entry's idempotency key is a stable sha256 hash of its canonical
// JSON payload; the cloud ledger is required to treat a duplicate key as
// success and return the previously stored result. Retries use capped
// exponential backoff with jitter. A terminal failure count never blocks
// the state machine: the payload is retained indefinitely for manual
// replay and reported to observability. Order is preserved per entry
// point for event_ingest messages (FIFO by occurred_at); evidence uploads
// may interleave freely.
package outbox

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	mrand "math/rand"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/neighborguard/edge/internal/config"
	"github.com/neighborguard/edge/internal/ratelimit"
	"github.com/neighborguard/edge/internal/storage"
)

// Kind is the outbox message type.
type Kind string

const (
	KindEventIngest            Kind = "event_ingest"
	KindEvidenceUploadSession  Kind = "evidence_upload_session"
	KindEvidenceUploadComplete Kind = "evidence_upload_complete"
	KindDeviceRegistration     Kind = "device_registration"
)

// Status is an outbox entry's delivery status.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSent     Status = "sent"
	StatusTerminal Status = "terminal"
)

// Entry is one durable outbox message.
type Entry struct {
	ID             string          `json:"id"` // ULID
	Kind           Kind            `json:"kind"`
	EntryPointID   string          `json:"entry_point_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	OccurredAt     time.Time       `json:"occurred_at"`
	CreatedAt      time.Time       `json:"created_at"`
	Status         Status          `json:"status"`
	Attempts       int             `json:"attempts"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	LastError      string          `json:"last_error,omitempty"`
}

// Sender delivers one outbox entry to the cloud ledger. Returning an error
// marks the entry for retry (transient) unless Attempts has reached
// cfg.MaxAttempts, at which point the entry is marked terminal instead.
type Sender func(ctx context.Context, e Entry) error

// Outbox is the durable, idempotent queue.
type Outbox struct {
	db      *storage.DB
	limiter *ratelimit.Bucket
	cfg     config.OutboxConfig
	log     *zap.Logger

	entropy *ulid.MonotonicEntropy
}

// New creates an Outbox backed by db, rate-limited by limiter.
func New(db *storage.DB, limiter *ratelimit.Bucket, cfg config.OutboxConfig, log *zap.Logger) *Outbox {
	return &Outbox{
		db:      db,
		limiter: limiter,
		cfg:     cfg,
		log:     log,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Enqueue durably appends a new message. idempotencyKey is computed as
// sha256 over the canonical (already-marshaled) payload, so callers must
// supply deterministically-serialized JSON.
func (o *Outbox) Enqueue(kind Kind, entryPointID string, payload json.RawMessage, occurredAt time.Time) (Entry, error) {
	id, err := ulid.New(ulid.Timestamp(occurredAt), o.entropy)
	if err != nil {
		return Entry{}, fmt.Errorf("outbox: generate ulid: %w", err)
	}

	e := Entry{
		ID:             id.String(),
		Kind:           kind,
		EntryPointID:   entryPointID,
		IdempotencyKey: idempotencyKey(payload),
		Payload:        payload,
		OccurredAt:     occurredAt,
		CreatedAt:      occurredAt,
		Status:         StatusPending,
	}
	if err := o.db.PutOutboxEntry(e.ID, e); err != nil {
		return Entry{}, fmt.Errorf("outbox: enqueue: %w", err)
	}
	return e, nil
}

// idempotencyKey returns the hex sha256 of the canonical payload bytes.
func idempotencyKey(payload json.RawMessage) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Drain attempts to deliver every due pending entry, in FIFO order for
// event_ingest entries within the same entry point (ULIDs are
// monotonically increasing, so natural key order already gives FIFO
// ordering; evidence-kind entries are drained in the same pass but may
// interleave across entry points). Each send consumes its kind's
// CostModel cost in rate-limit tokens; when the bucket cannot cover it,
// Drain stops for this pass rather than bypassing the limiter.
func (o *Outbox) Drain(ctx context.Context, now time.Time, send Sender) (int, error) {
	entries, err := o.duePending(now)
	if err != nil {
		return 0, fmt.Errorf("outbox: drain: list due: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	sent := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if !o.limiter.ConsumeForKind(rateKindOf(e.Kind)) {
			break
		}

		err := send(ctx, e)
		if err == nil {
			if delErr := o.db.DeleteOutboxEntry(e.ID); delErr != nil {
				o.log.Warn("outbox: delete after send failed", zap.String("id", e.ID), zap.Error(delErr))
			}
			sent++
			continue
		}

		o.recordFailure(e, err)
	}
	return sent, nil
}

func (o *Outbox) duePending(now time.Time) ([]Entry, error) {
	var due []Entry
	err := o.db.ForEachOutboxEntry(func(key, value []byte) error {
		var e Entry
		if jsonErr := json.Unmarshal(value, &e); jsonErr != nil {
			return nil
		}
		if e.Status == StatusPending && !e.NextAttemptAt.After(now) {
			due = append(due, e)
		}
		return nil
	})
	return due, err
}

func (o *Outbox) recordFailure(e Entry, sendErr error) {
	e.Attempts++
	e.LastError = sendErr.Error()

	if e.Attempts >= o.cfg.MaxAttempts {
		e.Status = StatusTerminal
		o.log.Error("outbox: entry reached max attempts, marking terminal",
			zap.String("id", e.ID), zap.String("kind", string(e.Kind)), zap.Int("attempts", e.Attempts))
	} else {
		e.NextAttemptAt = time.Now().Add(backoffWithJitter(e.Attempts, o.cfg.BaseBackoff, o.cfg.MaxBackoff))
	}

	if err := o.db.PutOutboxEntry(e.ID, e); err != nil {
		o.log.Warn("outbox: failed to persist retry state", zap.String("id", e.ID), zap.Error(err))
	}
}

// backoffWithJitter returns a capped exponential backoff with up to 20%
// jitter, so a herd of simultaneously-failing entries does not retry in
// lockstep.
func backoffWithJitter(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	jitter := time.Duration(mrand.Int63n(int64(d) / 5 + 1))
	return d + jitter
}

func rateKindOf(k Kind) ratelimit.MessageKind {
	if k == KindEvidenceUploadSession {
		return ratelimit.KindEvidenceUploadSession
	}
	return ratelimit.KindEventIngest
}

// TerminalCount returns the number of entries currently marked terminal,
// for the local diagnostic page.
func (o *Outbox) TerminalCount() (int, error) {
	count := 0
	err := o.db.ForEachOutboxEntry(func(key, value []byte) error {
		var e Entry
		if jsonErr := json.Unmarshal(value, &e); jsonErr != nil {
			return nil
		}
		if e.Status == StatusTerminal {
			count++
		}
		return nil
	})
	return count, err
}

// QueueLength returns the total number of entries still in the outbox.
func (o *Outbox) QueueLength() (int, error) {
	count := 0
	err := o.db.ForEachOutboxEntry(func(key, value []byte) error {
		count++
		return nil
	})
	return count, err
}
