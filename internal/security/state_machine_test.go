package security

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/neighborguard/edge/internal/clock"
	"github.com/neighborguard/edge/internal/config"
	"github.com/neighborguard/edge/internal/invariant"
)

func testSecurityConfig() config.SecurityConfig {
	return config.SecurityConfig{
		PreL1DwellThresholdSec:   10,
		PreL2DwellThresholdSec:   90,
		PreL2DwellAcceleratedSec: 30,
		EntryDelaySec:            30,
		SirenMaxDurationSec:      180,
		NoPresenceClearSec:       60,
		ConfirmWindowSec:         60,
		PreRollSec:               10,
		PostRollSec:              10,
	}
}

func testTamperConfig() config.TamperConfig {
	return config.TamperConfig{
		DualOfflineIndependentSec: 90,
		CorroborationWindowSec:    10,
		ObservationTTL:            120 * time.Second,
	}
}

// waitUntil polls cond on real wall-clock time, since the Wheel's Arm
// callbacks run on their own goroutine even when the logical clock is a
// FakeClock; Advance only decides *when* they become runnable.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %v", timeout)
	}
}

func newTestMachine(t *testing.T, fc *clock.FakeClock, mode func() HouseMode) *Machine {
	t.Helper()
	wheel := clock.NewWheel(fc)
	var transitions []TransitionEvent
	audit := func(ev TransitionEvent) { transitions = append(transitions, ev) }
	armer := func(entryPointID string, at time.Time) string { return "evidence-" + entryPointID }
	guard := invariant.NewGuard(zap.NewNop(), false)
	return NewMachine("front_door", CameraTier2, testSecurityConfig(), testTamperConfig(), wheel, fc, zap.NewNop(), guard, audit, armer, mode)
}

func TestPending_OnlyEnteredViaDoorContactOpenWhileArmed(t *testing.T) {
	fc := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	mode := ModeHome
	m := newTestMachine(t, fc, func() HouseMode { return mode })

	if err := m.DoorContactOpen(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Snapshot().CurrentState == StatePending {
		t.Fatal("door-contact-open in HOME mode must not enter PENDING")
	}

	mode = ModeAway
	if err := m.DoorContactOpen(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := m.Snapshot().CurrentState; got != StatePending {
		t.Fatalf("expected PENDING after door-contact-open while AWAY, got %s", got)
	}
}

func TestNightBreakIn_EntryDelayExpiredTriggersAtThreshold(t *testing.T) {
	// Scenario 1: mode=NIGHT, front-door contact open at t=0, entry_delay=30s.
	fc := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := newTestMachine(t, fc, func() HouseMode { return ModeNight })

	if err := m.DoorContactOpen(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := m.Snapshot().CurrentState; got != StatePending {
		t.Fatalf("expected PENDING at t=0, got %s", got)
	}

	time.Sleep(15 * time.Millisecond) // let Arm's goroutine register with the fake clock
	fc.Advance(30 * time.Second)
	waitUntil(t, time.Second, func() bool { return m.Snapshot().CurrentState == StateTrigger })

	snap := m.Snapshot()
	if snap.CurrentState != StateTrigger {
		t.Fatalf("expected TRIGGER at entry_delay_sec, got %s", snap.CurrentState)
	}
	if !snap.SirenSnapshot.AutoSiren {
		t.Error("expected auto-siren on entry_delay_expired")
	}
}

func TestDisarmBeforeEntryDelayExpiry_ResultsInResolved(t *testing.T) {
	fc := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := newTestMachine(t, fc, func() HouseMode { return ModeAway })

	if err := m.DoorContactOpen(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(15 * time.Millisecond) // let Arm's goroutine register with the fake clock
	fc.Advance(29 * time.Second)
	// Give any (incorrectly) fired timer a chance to run before disarming.
	time.Sleep(15 * time.Millisecond)

	if err := m.Disarm(); err != nil {
		t.Fatalf("unexpected error disarming: %v", err)
	}
	if got := m.Snapshot().CurrentState; got != StateResolved {
		t.Fatalf("expected RESOLVED after disarm before entry delay expiry, got %s", got)
	}

	// Advancing further must not retroactively fire the cancelled timer.
	fc.Advance(5 * time.Second)
	time.Sleep(5 * time.Millisecond)
	if got := m.Snapshot().CurrentState; got != StateResolved {
		t.Fatalf("expected to remain RESOLVED, got %s", got)
	}
}

func TestFireTrigger_RejectsUnenumeratedReason(t *testing.T) {
	fc := clock.NewFakeClock(time.Now())
	m := newTestMachine(t, fc, func() HouseMode { return ModeAway })

	if _, err := m.FireTrigger(TriggerReason("vibration_only")); err == nil {
		t.Fatal("expected an unenumerated TRIGGER reason to be rejected")
	}
	if got := m.Snapshot().CurrentState; got == StateTrigger {
		t.Fatal("state must not transition to TRIGGER for a non-enumerated reason")
	}
}

func TestGlassBreak_TriggersImmediatelyWithAutoSiren(t *testing.T) {
	fc := clock.NewFakeClock(time.Now())
	m := newTestMachine(t, fc, func() HouseMode { return ModeAway })

	decision, err := m.FireTrigger(ReasonGlassBreak)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.AutoSiren || decision.DelaySec != 0 {
		t.Fatalf("expected immediate auto-siren for glass_break, got %+v", decision)
	}
	if got := m.Snapshot().CurrentState; got != StateTrigger {
		t.Fatalf("expected TRIGGER, got %s", got)
	}
}

func TestTamperVerifiedByUser_TriggersWithoutSiren(t *testing.T) {
	fc := clock.NewFakeClock(time.Now())
	m := newTestMachine(t, fc, func() HouseMode { return ModeAway })

	if err := m.SuspectTamper(); err != nil {
		t.Fatalf("unexpected error entering Tamper-S: %v", err)
	}
	if got := m.Snapshot().TamperState; got != TamperSuspected {
		t.Fatalf("expected TAMPER_S, got %s", got)
	}

	decision, err := m.HumanVerifyConfirm()
	if err != nil {
		t.Fatalf("unexpected error on human-verify confirm: %v", err)
	}
	if decision.AutoSiren {
		t.Error("tamper_verified_by_user must never auto-arm the siren")
	}
	if got := m.Snapshot().CurrentState; got != StateTrigger {
		t.Fatalf("expected TRIGGER via tamper_verified_by_user, got %s", got)
	}
}

func TestConfirmTamper_Tier0And1NeverEscalate(t *testing.T) {
	fc := clock.NewFakeClock(time.Now())
	for _, tier := range []CameraTier{CameraTier0, CameraTier1} {
		wheel := clock.NewWheel(fc)
		m := NewMachine("front_door", tier, testSecurityConfig(), testTamperConfig(), wheel, fc, zap.NewNop(),
			invariant.NewGuard(zap.NewNop(), false), nil, func(string, time.Time) string { return "" }, func() HouseMode { return ModeAway })

		if err := m.ConfirmTamper(); err == nil {
			t.Fatalf("expected camera tier %d to be rejected for Tamper-C escalation", tier)
		}
		if got := m.Snapshot().TamperState; got == TamperConfirmed {
			t.Fatalf("tier %d must never reach TAMPER_C", tier)
		}
	}
}

func TestConfirmTamper_Tier2And3MayEscalate(t *testing.T) {
	fc := clock.NewFakeClock(time.Now())
	for _, tier := range []CameraTier{CameraTier2, CameraTier3} {
		wheel := clock.NewWheel(fc)
		m := NewMachine("front_door", tier, testSecurityConfig(), testTamperConfig(), wheel, fc, zap.NewNop(),
			invariant.NewGuard(zap.NewNop(), false), nil, func(string, time.Time) string { return "" }, func() HouseMode { return ModeAway })

		if err := m.ConfirmTamper(); err != nil {
			t.Fatalf("expected camera tier %d to be allowed to confirm tamper: %v", tier, err)
		}
		if got := m.Snapshot().TamperState; got != TamperConfirmed {
			t.Fatalf("expected TAMPER_C for tier %d, got %s", tier, got)
		}
	}
}

func TestHumanVerifyNoResponse_DoesNotAutoTrigger(t *testing.T) {
	fc := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := newTestMachine(t, fc, func() HouseMode { return ModeAway })

	if err := m.SuspectTamper(); err != nil {
		t.Fatal(err)
	}

	time.Sleep(15 * time.Millisecond) // let Arm's goroutine register with the fake clock
	fc.Advance(61 * time.Second)      // past confirm_window_sec=60
	waitUntil(t, time.Second, func() bool { return m.Snapshot().TamperState == TamperUnresolved })

	if got := m.Snapshot().CurrentState; got == StateTrigger {
		t.Fatal("no-response on human-verify must never auto-TRIGGER")
	}
	if got := m.Snapshot().TamperState; got != TamperUnresolved {
		t.Fatalf("expected UNRESOLVED tamper state, got %s", got)
	}
}

func TestDisarm_CancelsSirenEntryDelayAndDeterrentTimersTogether(t *testing.T) {
	fc := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := newTestMachine(t, fc, func() HouseMode { return ModeNight })

	if err := m.DoorContactOpen(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(15 * time.Millisecond)
	fc.Advance(30 * time.Second)
	waitUntil(t, time.Second, func() bool { return m.Snapshot().CurrentState == StateTrigger })

	if err := m.Disarm(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := m.Snapshot()
	if snap.CurrentState != StateResolved {
		t.Fatalf("expected RESOLVED after disarm, got %s", snap.CurrentState)
	}
	if snap.SirenSnapshot.AutoSiren {
		t.Error("expected siren snapshot cleared by disarm")
	}
}

func TestIllegalTransition_IsFatalAndAudited(t *testing.T) {
	fc := clock.NewFakeClock(time.Now())
	var captured []TransitionEvent
	wheel := clock.NewWheel(fc)
	m := NewMachine("front_door", CameraTier2, testSecurityConfig(), testTamperConfig(), wheel, fc, zap.NewNop(),
		invariant.NewGuard(zap.NewNop(), false),
		func(ev TransitionEvent) { captured = append(captured, ev) },
		func(string, time.Time) string { return "" }, func() HouseMode { return ModeHome })

	// PRE_L2 is not a legal predecessor of PENDING per the transition table
	// unless reached through the proper sequence; force an illegal jump by
	// attempting to fire an entry-delay-expired TRIGGER from PRE_L0 with no
	// PENDING in between is legal (PRE_L0 -> TRIGGER is allowed), so instead
	// assert directly against the table for a truly illegal edge.
	if isAllowed(StatePreL2, StatePreL1) {
		t.Fatal("PRE_L2 -> PRE_L1 must not be a legal transition (no regression path)")
	}

	// Enter PRE_L2 (via Tamper-S) so the PRE_L1 attempt below is that regression.
	if err := m.SuspectTamper(); err != nil {
		t.Fatalf("unexpected error entering PRE_L2: %v", err)
	}

	err := m.transition(StatePreL1, "illegal_regression_attempt")
	if err == nil {
		t.Fatal("expected illegal transition to error")
	}
	if len(captured) == 0 || captured[len(captured)-1].Accepted {
		t.Fatal("expected the illegal transition attempt to be audited as rejected")
	}
}

func TestDeterministicReplay_SameSignalsSameTrajectory(t *testing.T) {
	run := func() []State {
		fc := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
		m := newTestMachine(t, fc, func() HouseMode { return ModeNight })
		var states []State
		_ = m.DoorContactOpen()
		states = append(states, m.Snapshot().CurrentState)
		time.Sleep(15 * time.Millisecond)
		fc.Advance(30 * time.Second)
		waitUntil(t, time.Second, func() bool { return m.Snapshot().CurrentState == StateTrigger })
		states = append(states, m.Snapshot().CurrentState)
		_ = m.Disarm()
		states = append(states, m.Snapshot().CurrentState)
		return states
	}

	s1, s2 := run(), run()
	if len(s1) != len(s2) {
		t.Fatal("expected identical trajectory lengths")
	}
	for i := range s1 {
		if s1[i] != s2[i] {
			t.Fatalf("trajectories diverged at step %d: %s vs %s", i, s1[i], s2[i])
		}
	}
}
