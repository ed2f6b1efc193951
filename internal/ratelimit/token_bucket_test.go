package ratelimit

import (
	"testing"
	"time"
)

func TestConsume_RespectsCapacityBound(t *testing.T) {
	b := New(3, time.Hour)
	defer b.Close()

	if !b.Consume(1) || !b.Consume(1) || !b.Consume(1) {
		t.Fatal("expected 3 tokens to be consumable from a capacity-3 bucket")
	}
	if b.Consume(1) {
		t.Fatal("expected a drained bucket to refuse further consumption")
	}
	if b.Remaining() != 0 {
		t.Fatalf("expected 0 tokens remaining, got %d", b.Remaining())
	}
}

func TestConsume_NeverGoesNegative(t *testing.T) {
	b := New(2, time.Hour)
	defer b.Close()

	if b.Consume(5) {
		t.Fatal("expected a request costing more than capacity to be refused outright")
	}
	if b.Remaining() != 2 {
		t.Fatalf("expected tokens untouched on a refused request, got %d", b.Remaining())
	}
}

func TestConsumeForKind_UsesCostModel(t *testing.T) {
	b := New(3, time.Hour)
	defer b.Close()

	if !b.ConsumeForKind(KindEvidenceUploadSession) {
		t.Fatal("expected a cost-3 evidence upload to succeed against a capacity-3 bucket")
	}
	if b.Remaining() != 0 {
		t.Fatalf("expected evidence_upload_session to cost 3 tokens, got %d remaining", b.Remaining())
	}

	b2 := New(3, time.Hour)
	defer b2.Close()
	if !b2.ConsumeForKind(KindEventIngest) {
		t.Fatal("expected event_ingest to succeed")
	}
	if b2.Remaining() != 2 {
		t.Fatalf("expected event_ingest to cost 1 token, got %d remaining", b2.Remaining())
	}
}

func TestRefillLoop_RestoresCapacity(t *testing.T) {
	b := New(2, 20*time.Millisecond)
	defer b.Close()

	if !b.Consume(2) {
		t.Fatal("expected initial consumption to succeed")
	}
	if b.Consume(1) {
		t.Fatal("expected bucket to be empty before refill")
	}

	deadline := time.After(2 * time.Second)
	for b.RefillCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a refill cycle")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if b.Remaining() != b.Capacity() {
		t.Fatalf("expected full capacity after refill, got %d/%d", b.Remaining(), b.Capacity())
	}
}

func TestConsumedTotal_AccumulatesAcrossCalls(t *testing.T) {
	b := New(10, time.Hour)
	defer b.Close()

	b.Consume(2)
	b.Consume(3)
	b.Consume(100) // refused, must not count toward consumed total

	if b.ConsumedTotal() != 5 {
		t.Fatalf("expected consumed total of 5, got %d", b.ConsumedTotal())
	}
}

func TestNew_PanicsOnInvalidCapacityOrPeriod(t *testing.T) {
	mustPanic := func(name string, fn func()) {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatal("expected panic")
				}
			}()
			fn()
		})
	}

	mustPanic("zero capacity", func() { New(0, time.Second) })
	mustPanic("negative capacity", func() { New(-1, time.Second) })
	mustPanic("zero refill period", func() { New(1, 0) })
}
