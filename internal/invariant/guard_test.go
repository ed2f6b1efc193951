package invariant

import (
	"math"
	"testing"
	"time"

	"go.uber.org/zap"
)

func decisionAt(ts time.Time, score float64) *Decision {
	return &Decision{
		EntryPointID: "front_door",
		FromState:    "PENDING",
		ToState:      "TRIGGER",
		Reason:       "entry_delay_expired",
		Score:        score,
		Timestamp:    ts,
		Inputs:       map[string]interface{}{"dwell_sec": 31.0},
	}
}

func TestValidate_StampsHashAndParentHashOnSuccess(t *testing.T) {
	g := NewGuard(zap.NewNop(), false)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	d1 := decisionAt(base, 0.9)
	if err := g.Validate(d1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d1.Valid || d1.DecisionHash == "" {
		t.Fatal("expected a valid decision with a stamped hash")
	}
	if d1.ParentHash != "" {
		t.Fatal("expected the first decision to have no parent hash")
	}

	d2 := decisionAt(base.Add(time.Second), 0.9)
	if err := g.Validate(d2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d2.ParentHash != d1.DecisionHash {
		t.Fatal("expected the second decision's parent hash to chain to the first")
	}
}

func TestValidate_SameInputsProduceSameHash(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	g1 := NewGuard(zap.NewNop(), false)
	d1 := decisionAt(base, 0.5)
	if err := g1.Validate(d1); err != nil {
		t.Fatal(err)
	}

	g2 := NewGuard(zap.NewNop(), false)
	d2 := decisionAt(base, 0.5)
	if err := g2.Validate(d2); err != nil {
		t.Fatal(err)
	}

	if d1.DecisionHash != d2.DecisionHash {
		t.Fatal("expected identical decisions to produce identical hashes (determinism/reproducibility)")
	}
}

func TestValidate_RejectsNonMonotonicTime(t *testing.T) {
	g := NewGuard(zap.NewNop(), false)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := g.Validate(decisionAt(base, 0.5)); err != nil {
		t.Fatal(err)
	}

	backwards := decisionAt(base.Add(-time.Second), 0.5)
	err := g.Validate(backwards)
	if err == nil {
		t.Fatal("expected a backwards timestamp to be rejected")
	}
	v, ok := err.(*Violation)
	if !ok || v.Type != ViolationNonMonotonicTime {
		t.Fatalf("expected ViolationNonMonotonicTime, got %v", err)
	}
	if backwards.Valid {
		t.Fatal("a rejected decision must never be marked valid")
	}
}

func TestValidate_RejectsOutOfBoundsScore(t *testing.T) {
	g := NewGuard(zap.NewNop(), false)
	d := decisionAt(time.Now(), 1.5)
	err := g.Validate(d)
	if err == nil {
		t.Fatal("expected score outside [0,1] to be rejected")
	}
	v, ok := err.(*Violation)
	if !ok || v.Type != ViolationUnboundedParameter {
		t.Fatalf("expected ViolationUnboundedParameter, got %v", err)
	}
}

func TestValidate_RejectsNaNAndInfScores(t *testing.T) {
	g := NewGuard(zap.NewNop(), false)

	nanCase := decisionAt(time.Now(), math.NaN())
	if err := g.Validate(nanCase); err == nil {
		t.Fatal("expected NaN score to be rejected")
	}

	g2 := NewGuard(zap.NewNop(), false)
	infCase := decisionAt(time.Now(), math.Inf(1))
	if err := g2.Validate(infCase); err == nil {
		t.Fatal("expected +Inf score to be rejected")
	}
}

func TestValidate_RejectsMissingAuditInputs(t *testing.T) {
	g := NewGuard(zap.NewNop(), false)
	d := decisionAt(time.Now(), 0.5)
	d.Inputs = nil

	err := g.Validate(d)
	if err == nil {
		t.Fatal("expected a decision with no recorded inputs to be rejected")
	}
	v, ok := err.(*Violation)
	if !ok || v.Type != ViolationMissingAudit {
		t.Fatalf("expected ViolationMissingAudit, got %v", err)
	}
}

func TestValidate_StrictModePanicsOnViolation(t *testing.T) {
	g := NewGuard(zap.NewNop(), true)
	defer func() {
		if recover() == nil {
			t.Fatal("expected strict mode to panic on a violation")
		}
	}()
	g.Validate(decisionAt(time.Now(), 2.0))
}

func TestStats_TracksVerifiedAndViolationCounts(t *testing.T) {
	g := NewGuard(zap.NewNop(), false)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	g.Validate(decisionAt(base, 0.5))
	g.Validate(decisionAt(base.Add(time.Second), 0.5))
	g.Validate(decisionAt(base, 0.5)) // non-monotonic, rejected

	stats := g.Stats()
	if stats.DecisionsVerified != 2 {
		t.Fatalf("expected 2 verified decisions, got %d", stats.DecisionsVerified)
	}
	if stats.ViolationCount != 1 {
		t.Fatalf("expected 1 violation, got %d", stats.ViolationCount)
	}
	if stats.LastDecisionHash == "" {
		t.Fatal("expected a non-empty last decision hash")
	}
}
