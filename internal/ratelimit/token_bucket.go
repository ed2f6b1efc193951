// Package ratelimit implements the outbox's send-rate token bucket.
//
// Cost model:
//   - event_ingest message:            cost 1
//   - evidence_upload_session message: cost 3
//
// This bucket throttles how fast the outbox drains toward the cloud
// ledger; it is never consulted by the security state machine or rule
// engine, so a drained bucket can only delay a cloud upload, never create
// or block a TRIGGER path.
//
// Invariants:
//   - tokens ∈ [0, capacity] at all times.
//   - Consume() is atomic under mutex.
//   - Refill goroutine runs for the lifetime of the Bucket.
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
)

// MessageKind is the outbox message type a Consume call is charging for.
type MessageKind int

const (
	KindEventIngest MessageKind = iota
	KindEvidenceUploadSession
)

// CostModel defines the token cost for each outbox message kind.
var CostModel = map[MessageKind]int{
	KindEventIngest:           1,
	KindEvidenceUploadSession: 3,
}

// Bucket is a thread-safe token bucket for rate-limiting outbox sends.
type Bucket struct {
	mu           sync.Mutex
	capacity     int
	tokens       int
	refillPeriod time.Duration

	consumedTotal atomic.Uint64
	refillCount   atomic.Uint64

	stop chan struct{}
}

// New creates a Bucket with the given capacity and starts the refill
// goroutine. capacity and refillPeriod must be > 0. Call Close to stop
// the refill goroutine.
func New(capacity int, refillPeriod time.Duration) *Bucket {
	if capacity <= 0 {
		panic("ratelimit.Bucket: capacity must be > 0")
	}
	if refillPeriod <= 0 {
		panic("ratelimit.Bucket: refillPeriod must be > 0")
	}
	b := &Bucket{
		capacity:     capacity,
		tokens:       capacity,
		refillPeriod: refillPeriod,
		stop:         make(chan struct{}),
	}
	go b.refillLoop()
	return b
}

// refillLoop refills the bucket to full capacity every refillPeriod.
func (b *Bucket) refillLoop() {
	ticker := time.NewTicker(b.refillPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			b.tokens = b.capacity
			b.mu.Unlock()
			b.refillCount.Add(1)
		case <-b.stop:
			return
		}
	}
}

// Consume attempts to consume cost tokens. Returns true if available.
func (b *Bucket) Consume(cost int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokens >= cost {
		b.tokens -= cost
		b.consumedTotal.Add(uint64(cost))
		return true
	}
	return false
}

// ConsumeForKind consumes the standard cost for a given message kind.
func (b *Bucket) ConsumeForKind(kind MessageKind) bool {
	cost, ok := CostModel[kind]
	if !ok {
		return true
	}
	return b.Consume(cost)
}

// Remaining returns the current token count.
func (b *Bucket) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// Capacity returns the maximum token capacity.
func (b *Bucket) Capacity() int { return b.capacity }

// ConsumedTotal returns the lifetime total of tokens consumed.
func (b *Bucket) ConsumedTotal() uint64 { return b.consumedTotal.Load() }

// RefillCount returns the number of refill cycles completed.
func (b *Bucket) RefillCount() uint64 { return b.refillCount.Load() }

// Close stops the refill goroutine. Safe to call once.
func (b *Bucket) Close() { close(b.stop) }
