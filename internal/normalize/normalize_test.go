package normalize

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/neighborguard/edge/internal/clock"
)

func newObservedNormalizer(fc *clock.FakeClock, skew time.Duration, bindings []ZoneBinding) (*Normalizer, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return NewNormalizer(fc, zap.New(core), skew, bindings), logs
}

func TestNormalize_UnboundDeviceFallsThroughToIgnoreAndLog(t *testing.T) {
	fc := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	n, logs := newObservedNormalizer(fc, time.Minute, nil)

	_, ok := n.Normalize(RawSignal{DeviceID: "unknown-device", StateToken: "open", OccurredAt: fc.Now()})
	if ok {
		t.Fatal("expected an unbound device to be ignored, never guessed at")
	}
	if logs.FilterMessageSnippet("unbound device").Len() != 1 {
		t.Fatal("expected an unbound device to be logged")
	}
}

func TestNormalize_ZoneAndPrivacyAlwaysComeFromBindingTable(t *testing.T) {
	fc := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	bindings := []ZoneBinding{
		{DeviceID: "front-door-contact", ZoneID: "entry_front", EntryPointID: "front_door", PrivacyLevel: PrivacyPrivate},
	}
	n, _ := newObservedNormalizer(fc, time.Minute, bindings)

	ev, ok := n.Normalize(RawSignal{DeviceID: "front-door-contact", StateToken: "open", OccurredAt: fc.Now()})
	if !ok {
		t.Fatal("expected bound device with trigger token to normalize")
	}
	if ev.ZoneID != "entry_front" || ev.PrivacyLevel != PrivacyPrivate || ev.EntryPointID != "front_door" {
		t.Fatalf("expected zone/privacy/entry point sourced from the binding table, got %+v", ev)
	}
}

func TestNormalize_TriggerTokenMatchIsCaseInsensitive(t *testing.T) {
	fc := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	bindings := []ZoneBinding{{DeviceID: "cam-1", ZoneID: "yard", PrivacyLevel: PrivacySemiPrivate}}
	n, _ := newObservedNormalizer(fc, time.Minute, bindings)

	for _, token := range []string{"OPEN", "Open", "oPeN", "DETECTED"} {
		if _, ok := n.Normalize(RawSignal{DeviceID: "cam-1", StateToken: token, OccurredAt: fc.Now()}); !ok {
			t.Errorf("expected token %q to match case-insensitively", token)
		}
	}
}

func TestNormalize_NonTriggerTokenIsIgnored(t *testing.T) {
	fc := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	bindings := []ZoneBinding{{DeviceID: "cam-1", ZoneID: "yard", PrivacyLevel: PrivacySemiPrivate}}
	n, _ := newObservedNormalizer(fc, time.Minute, bindings)

	if _, ok := n.Normalize(RawSignal{DeviceID: "cam-1", StateToken: "closed", OccurredAt: fc.Now()}); ok {
		t.Fatal("expected a non-trigger token to be ignored")
	}
}

func TestNormalize_ClockSkewBeyondToleranceWarnsButDoesNotSuppress(t *testing.T) {
	fc := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	bindings := []ZoneBinding{{DeviceID: "cam-1", ZoneID: "yard", PrivacyLevel: PrivacySemiPrivate}}
	n, logs := newObservedNormalizer(fc, 5*time.Second, bindings)

	stale := fc.Now().Add(-time.Hour)
	ev, ok := n.Normalize(RawSignal{DeviceID: "cam-1", StateToken: "motion", OccurredAt: stale})
	if !ok {
		t.Fatal("expected clock skew beyond tolerance to warn, never suppress the event")
	}
	if ev.OccurredAt != stale {
		t.Fatal("expected the original occurred_at to be preserved, not corrected")
	}
	if logs.FilterMessageSnippet("clock skew").Len() != 1 {
		t.Fatal("expected a clock skew warning to be logged")
	}
}

func TestNormalize_ClockSkewWithinToleranceDoesNotWarn(t *testing.T) {
	fc := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	bindings := []ZoneBinding{{DeviceID: "cam-1", ZoneID: "yard", PrivacyLevel: PrivacySemiPrivate}}
	n, logs := newObservedNormalizer(fc, 5*time.Second, bindings)

	if _, ok := n.Normalize(RawSignal{DeviceID: "cam-1", StateToken: "motion", OccurredAt: fc.Now().Add(-time.Second)}); !ok {
		t.Fatal("expected normalize to succeed")
	}
	if logs.FilterMessageSnippet("clock skew").Len() != 0 {
		t.Fatal("expected no clock skew warning within tolerance")
	}
}

func TestSetBindings_AtomicallyReplacesTable(t *testing.T) {
	fc := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	n, _ := newObservedNormalizer(fc, time.Minute, []ZoneBinding{
		{DeviceID: "cam-1", ZoneID: "yard", PrivacyLevel: PrivacySemiPrivate},
	})

	n.SetBindings([]ZoneBinding{
		{DeviceID: "cam-2", ZoneID: "driveway", PrivacyLevel: PrivacyPublic},
	})

	if _, ok := n.Normalize(RawSignal{DeviceID: "cam-1", StateToken: "motion", OccurredAt: fc.Now()}); ok {
		t.Fatal("expected the old binding to no longer resolve after SetBindings")
	}
	ev, ok := n.Normalize(RawSignal{DeviceID: "cam-2", StateToken: "motion", OccurredAt: fc.Now()})
	if !ok || ev.ZoneID != "driveway" {
		t.Fatalf("expected the new binding to resolve, got ok=%v ev=%+v", ok, ev)
	}
}

func TestIsTriggerToken_KnownTokens(t *testing.T) {
	for _, tok := range []string{"on", "open", "detected", "triggered", "motion", "active", "present", "true", "1", "person", "vehicle", "package", "animal"} {
		if !IsTriggerToken(tok) {
			t.Errorf("expected %q to be a trigger token", tok)
		}
	}
	if IsTriggerToken("off") {
		t.Error("expected \"off\" not to be a trigger token")
	}
}
