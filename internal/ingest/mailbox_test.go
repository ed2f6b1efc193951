package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/neighborguard/edge/internal/normalize"
	"github.com/neighborguard/edge/internal/observability"
)

func TestDispatch_DeliversInOrderToOwningEntryPoint(t *testing.T) {
	var mu sync.Mutex
	var delivered []string

	r := NewRouter(8, func(entryPointID string) Handler {
		return func(ev normalize.SensorEvent) {
			mu.Lock()
			delivered = append(delivered, ev.EventID)
			mu.Unlock()
		}
	}, zap.NewNop(), observability.NewMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"evt-1", "evt-2", "evt-3"} {
		r.Dispatch(ctx, normalize.SensorEvent{
			EventID:      id,
			EntryPointID: "front_door",
			OccurredAt:   base.Add(time.Duration(i) * time.Second),
		})
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(delivered)
		mu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 3 {
		t.Fatalf("expected 3 events delivered, got %d", len(delivered))
	}
	if delivered[0] != "evt-1" || delivered[1] != "evt-2" || delivered[2] != "evt-3" {
		t.Fatalf("expected delivery in occurred_at order, got %v", delivered)
	}
}

func TestDispatch_EmptyEntryPointIDIsDropped(t *testing.T) {
	called := false
	r := NewRouter(8, func(entryPointID string) Handler {
		return func(ev normalize.SensorEvent) { called = true }
	}, zap.NewNop(), observability.NewMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Dispatch(ctx, normalize.SensorEvent{EventID: "evt-1"})
	time.Sleep(10 * time.Millisecond)

	if called {
		t.Fatal("expected a signal with no entry point id to be dropped, not routed")
	}
}

func TestDispatch_StaleOutOfOrderSignalIsDropped(t *testing.T) {
	var mu sync.Mutex
	var delivered []string

	r := NewRouter(8, func(entryPointID string) Handler {
		return func(ev normalize.SensorEvent) {
			mu.Lock()
			delivered = append(delivered, ev.EventID)
			mu.Unlock()
		}
	}, zap.NewNop(), observability.NewMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.Dispatch(ctx, normalize.SensorEvent{EventID: "evt-recent", EntryPointID: "front_door", OccurredAt: base.Add(10 * time.Second)})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(delivered)
		mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	r.Dispatch(ctx, normalize.SensorEvent{EventID: "evt-stale", EntryPointID: "front_door", OccurredAt: base})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, id := range delivered {
		if id == "evt-stale" {
			t.Fatal("expected an out-of-order stale signal to be dropped, not delivered")
		}
	}
	if len(delivered) != 1 {
		t.Fatalf("expected exactly 1 delivered event, got %d: %v", len(delivered), delivered)
	}
}

func TestDispatch_FullMailboxDropsRatherThanBlocks(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{}, 1)

	r := NewRouter(1, func(entryPointID string) Handler {
		return func(ev normalize.SensorEvent) {
			select {
			case started <- struct{}{}:
			default:
			}
			<-block
		}
	}, zap.NewNop(), observability.NewMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer close(block)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	// First event is picked up by the handler goroutine and blocks there.
	r.Dispatch(ctx, normalize.SensorEvent{EventID: "evt-1", EntryPointID: "front_door", OccurredAt: base})
	<-started

	// Mailbox capacity 1: second event fills the buffered channel, third
	// must be dropped rather than block the caller.
	r.Dispatch(ctx, normalize.SensorEvent{EventID: "evt-2", EntryPointID: "front_door", OccurredAt: base.Add(time.Second)})

	done := make(chan struct{})
	go func() {
		r.Dispatch(ctx, normalize.SensorEvent{EventID: "evt-3", EntryPointID: "front_door", OccurredAt: base.Add(2 * time.Second)})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Dispatch to return immediately (drop) rather than block on a full mailbox")
	}
}
