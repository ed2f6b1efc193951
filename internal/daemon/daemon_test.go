package daemon

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/neighborguard/edge/internal/clock"
	"github.com/neighborguard/edge/internal/config"
	"github.com/neighborguard/edge/internal/normalize"
	"github.com/neighborguard/edge/internal/observability"
	"github.com/neighborguard/edge/internal/rules"
	"github.com/neighborguard/edge/internal/security"
	"github.com/neighborguard/edge/internal/storage"
)

const testEntryPointID = "front_door"

// testRig owns one Daemon wired the way cmd/neighborguard-edged wires it,
// against a disposable BoltDB and a FakeClock, so entry-delay and dwell
// timers advance deterministically instead of by wall-clock sleep.
type testRig struct {
	t       *testing.T
	clk     *clock.FakeClock
	norm    *normalize.Normalizer
	metrics *observability.Metrics
	d       *Daemon
	ctx     context.Context
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "edge.db"), 30)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := config.Defaults()

	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 22, 0, 0, 0, time.UTC))
	metrics := observability.NewMetrics()
	log := zap.NewNop()
	norm := normalize.NewNormalizer(clk, log, cfg.Ingest.ClockSkewWarnThreshold, []normalize.ZoneBinding{
		{DeviceID: "front-door-contact", ZoneID: "front_door_zone", EntryPointID: testEntryPointID, PrivacyLevel: normalize.PrivacySemiPrivate},
		{DeviceID: "hall-pir", ZoneID: "hallway_zone", EntryPointID: testEntryPointID, PrivacyLevel: normalize.PrivacyPrivate},
	})

	d := New(&cfg, log, db, metrics, clk, norm, nil)
	d.RegisterEntryPoint(EntryPointTopology{
		EntryPointID: testEntryPointID,
		CameraTier:   security.CameraTier2,
		Label:        "Front Door",
	})

	return &testRig{t: t, clk: clk, norm: norm, metrics: metrics, d: d, ctx: context.Background()}
}

func (r *testRig) signal(deviceID, sensorKind, stateToken string, flags map[string]bool) {
	ev, ok := r.norm.Normalize(normalize.RawSignal{
		DeviceID:   deviceID,
		SensorKind: sensorKind,
		StateToken: stateToken,
		OccurredAt: r.clk.Now(),
		Flags:      flags,
	})
	require.True(r.t, ok, "signal from %q was rejected by the normalizer", deviceID)
	r.d.Router().Dispatch(r.ctx, ev)
	time.Sleep(15 * time.Millisecond)
}

func (r *testRig) advance(d time.Duration) {
	r.clk.Advance(d)
	time.Sleep(15 * time.Millisecond)
}

func (r *testRig) state() security.State {
	m, ok := r.d.OperatorRegistry().Get(testEntryPointID)
	require.True(r.t, ok)
	return m.Snapshot().CurrentState
}

// TestNightBreakIn_EntryDelayExpiresIntoTrigger drives scenario 1's front-
// door-contact-then-indoor-motion sequence end to end: the state machine
// must reach TRIGGER once the entry delay elapses, R1 must fire through
// the invariant guard and increment RuleFiredTotal, and the HIGH
// notification level (reached through R1 stamping MLScore 1.0) must
// actually be reached, not just the R1-R3 break-in NORMAL floor.
func TestNightBreakIn_EntryDelayExpiresIntoTrigger(t *testing.T) {
	r := newTestRig(t)
	r.d.SetHouseMode(rules.ModeNight)

	r.signal("front-door-contact", "door_contact", "open", nil)
	require.Eventually(t, func() bool { return r.state() == security.StatePending }, time.Second, 5*time.Millisecond)

	r.advance(5 * time.Second)
	r.signal("hall-pir", "pir", "motion", map[string]bool{"person": true})

	require.Eventually(t, func() bool { return testutil.ToFloat64(r.metrics.RuleFiredTotal.WithLabelValues("R1")) == 1 },
		time.Second, 5*time.Millisecond, "R1 must fire once the door+motion correlation is observed")
	require.Equal(t, float64(1), testutil.ToFloat64(r.metrics.NotificationsSentTotal.WithLabelValues("HIGH")),
		"door+motion break-in must reach HIGH, not just the NORMAL break-in floor")

	r.advance(25 * time.Second) // t=30s: entry delay expires
	require.Eventually(t, func() bool { return r.state() == security.StateTrigger }, time.Second, 5*time.Millisecond)

	var found rules.SecurityEvent
	err := r.d.db.ForEachEvent(func(_, value []byte) error {
		var ev rules.SecurityEvent
		if unmarshalErr := json.Unmarshal(value, &ev); unmarshalErr == nil && ev.RuleID == "R1" {
			found = ev
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "R1", found.RuleID)
	require.Equal(t, 1.0, found.MLScore)
}

// TestNightBreakIn_DisarmBeforeEntryDelayExpires_NeverTriggers is the
// disarm-before-expiry boundary: a disarm issued while PENDING must cancel
// the entry-delay timer and settle at RESOLVED, and must never reach
// TRIGGER once the original entry delay's deadline passes.
func TestNightBreakIn_DisarmBeforeEntryDelayExpires_NeverTriggers(t *testing.T) {
	r := newTestRig(t)
	r.d.SetHouseMode(rules.ModeNight)

	r.signal("front-door-contact", "door_contact", "open", nil)
	require.Eventually(t, func() bool { return r.state() == security.StatePending }, time.Second, 5*time.Millisecond)

	r.advance(10 * time.Second) // well inside the 30s entry delay

	m, ok := r.d.OperatorRegistry().Get(testEntryPointID)
	require.True(t, ok)
	require.NoError(t, m.Disarm())
	require.Equal(t, security.StateResolved, r.state())

	r.advance(25 * time.Second) // past the original entry-delay deadline
	require.Equal(t, security.StateResolved, r.state(), "a cancelled entry-delay timer must never fire TRIGGER late")
}
