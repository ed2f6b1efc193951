package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/neighborguard/edge/internal/config"
	"github.com/neighborguard/edge/internal/ratelimit"
	"github.com/neighborguard/edge/internal/storage"
)

func newTestOutbox(t *testing.T, cfg config.OutboxConfig) *Outbox {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "edge.db"), 30)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	limiter := ratelimit.New(50, time.Minute)
	t.Cleanup(limiter.Close)
	return New(db, limiter, cfg, zap.NewNop())
}

func defaultOutboxConfig() config.OutboxConfig {
	return config.OutboxConfig{
		MaxAttempts: 3,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  time.Second,
	}
}

func TestEnqueue_IdempotencyKeyIsStableHashOfPayload(t *testing.T) {
	o := newTestOutbox(t, defaultOutboxConfig())

	payload := json.RawMessage(`{"event_id":"evt-1"}`)
	e1, err := o.Enqueue(KindEventIngest, "front_door", payload, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	e2, err := o.Enqueue(KindEventIngest, "front_door", payload, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	if e1.IdempotencyKey != e2.IdempotencyKey {
		t.Fatal("identical payloads must produce identical idempotency keys")
	}

	different, err := o.Enqueue(KindEventIngest, "front_door", json.RawMessage(`{"event_id":"evt-2"}`), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if different.IdempotencyKey == e1.IdempotencyKey {
		t.Fatal("different payloads must produce different idempotency keys")
	}
}

func TestDrain_SendsAndRemovesOnSuccess(t *testing.T) {
	o := newTestOutbox(t, defaultOutboxConfig())
	now := time.Now()
	o.Enqueue(KindEventIngest, "front_door", json.RawMessage(`{"a":1}`), now)

	sent, err := o.Drain(context.Background(), now, func(ctx context.Context, e Entry) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if sent != 1 {
		t.Fatalf("expected 1 sent, got %d", sent)
	}

	qlen, err := o.QueueLength()
	if err != nil {
		t.Fatal(err)
	}
	if qlen != 0 {
		t.Fatalf("expected empty queue after successful drain, got %d", qlen)
	}
}

func TestDrain_RetriesOnTransientFailureThenTerminal(t *testing.T) {
	cfg := defaultOutboxConfig()
	cfg.MaxAttempts = 2
	o := newTestOutbox(t, cfg)
	now := time.Now()
	o.Enqueue(KindEventIngest, "front_door", json.RawMessage(`{"a":1}`), now)

	failSend := func(ctx context.Context, e Entry) error { return errors.New("transient") }

	if _, err := o.Drain(context.Background(), now, failSend); err != nil {
		t.Fatal(err)
	}
	qlen, _ := o.QueueLength()
	if qlen != 1 {
		t.Fatal("expected the entry to remain queued after a transient failure below max attempts")
	}

	// Second attempt reaches MaxAttempts and must be marked terminal, never
	// blocking further drains or dropping the payload.
	future := now.Add(time.Hour)
	if _, err := o.Drain(context.Background(), future, failSend); err != nil {
		t.Fatal(err)
	}

	terminal, err := o.TerminalCount()
	if err != nil {
		t.Fatal(err)
	}
	if terminal != 1 {
		t.Fatalf("expected 1 terminal entry, got %d", terminal)
	}
	qlen, _ = o.QueueLength()
	if qlen != 1 {
		t.Fatal("expected terminal entry to remain retained for manual replay, not dropped")
	}
}

func TestDrain_StopsWhenRateLimited(t *testing.T) {
	o := newTestOutbox(t, defaultOutboxConfig())
	// Drain the limiter's budget entirely (shares the same limiter instance).
	for o.limiter.Consume(1) {
	}

	now := time.Now()
	o.Enqueue(KindEventIngest, "front_door", json.RawMessage(`{"a":1}`), now)

	sent, err := o.Drain(context.Background(), now, func(ctx context.Context, e Entry) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if sent != 0 {
		t.Fatal("expected Drain to stop rather than bypass an exhausted rate limiter")
	}
}

func TestDrain_PreservesFIFOOrderByOccurredAt(t *testing.T) {
	o := newTestOutbox(t, defaultOutboxConfig())
	base := time.Now()

	o.Enqueue(KindEventIngest, "front_door", json.RawMessage(`{"seq":1}`), base)
	o.Enqueue(KindEventIngest, "front_door", json.RawMessage(`{"seq":2}`), base.Add(time.Second))
	o.Enqueue(KindEventIngest, "front_door", json.RawMessage(`{"seq":3}`), base.Add(2*time.Second))

	var order []string
	_, err := o.Drain(context.Background(), base.Add(time.Hour), func(ctx context.Context, e Entry) error {
		order = append(order, string(e.Payload))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(order) != 3 {
		t.Fatalf("expected 3 entries drained, got %d", len(order))
	}
	if order[0] != `{"seq":1}` || order[1] != `{"seq":2}` || order[2] != `{"seq":3}` {
		t.Fatalf("expected FIFO order by occurred_at, got %v", order)
	}
}
