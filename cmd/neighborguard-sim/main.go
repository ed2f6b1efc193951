// Package main — cmd/neighborguard-sim/main.go
//
// Reproducible scenario runner: drives the seven literal end-to-end
// reference scenarios through the real pipeline (normalize -> track ->
// security -> rules -> notify -> evidence -> outbox) using a Daemon wired
// exactly as cmd/neighborguard-edged wires it, except for a FakeClock in
// place of the wall clock and an in-memory outbox sender standing in for
// the cloud ledger. Every scenario opens its own throwaway BoltDB file so
// runs never interfere with each other or with a live Edge.
//
// This is a demonstration and debugging tool, not a test runner: it prints
// the resulting state snapshot, notification, and evidence lifecycle so a
// reader can compare it against the scenario's expected outcome by eye.
// The per-stage properties it touches (state table legality, tamper tiers,
// notification floors) are pinned down as actual assertions in
// internal/security and internal/notify; the end-to-end wiring across
// stages is covered by internal/daemon's own test suite.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/neighborguard/edge/internal/clock"
	"github.com/neighborguard/edge/internal/config"
	"github.com/neighborguard/edge/internal/daemon"
	"github.com/neighborguard/edge/internal/normalize"
	"github.com/neighborguard/edge/internal/observability"
	"github.com/neighborguard/edge/internal/outbox"
	"github.com/neighborguard/edge/internal/rules"
	"github.com/neighborguard/edge/internal/security"
	"github.com/neighborguard/edge/internal/storage"
)

// scenario is one named, self-contained reference run.
type scenario struct {
	name string
	desc string
	run  func(h *harness)
}

var scenarios = []scenario{
	{"night-break-in", "NIGHT mode, front-door contact then indoor PIR: PENDING at t=0, TRIGGER at t=30s (entry_delay_expired).", scenarioNightBreakIn},
	{"glass-break-only", "AWAY mode, front-window glass-break with no person nearby: perimeter_damage, auto-siren.", scenarioGlassBreakOnly},
	{"backyard-loiter", "AWAY mode, camera loitering flag in a PRIVATE back-yard zone for 22s: suspicious_person, PRE-L2, no TRIGGER.", scenarioBackyardLoiter},
	{"disarmed-noise", "DISARMED mode, indoor PIR plus door-open: motion_detected at LOW, no state transition.", scenarioDisarmedNoise},
	{"offline-window", "Cloud unreachable for 10 minutes across two events, then recovers: both replay in occurred_at order.", scenarioOfflineWindow},
	{"tamper-confirm", "Tier-2 Judge Camera offline 95s, user confirms threat: Tamper-S, then TRIGGER reason tamper_verified_by_user.", scenarioTamperConfirm},
	{"idempotent-replay", "Same idempotency key ingested twice with identical body, then once with a different body.", scenarioIdempotentReplay},
}

func main() {
	var only string
	root := &cobra.Command{
		Use:   "neighborguard-sim",
		Short: "replay the NeighborGuard Edge reference scenarios against the real pipeline",
		Run: func(cmd *cobra.Command, args []string) {
			runScenarios(only)
		},
	}
	root.Flags().StringVar(&only, "scenario", "", "run a single scenario by name (default: run all)")

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list scenario names",
		Run: func(cmd *cobra.Command, args []string) {
			for _, s := range scenarios {
				fmt.Printf("%-20s %s\n", s.name, s.desc)
			}
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runScenarios(only string) {
	ran := 0
	for _, s := range scenarios {
		if only != "" && s.name != only {
			continue
		}
		ran++
		fmt.Printf("=== %s ===\n%s\n", s.name, s.desc)
		h := newHarness(s.name, nil)
		s.run(h)
		h.close()
		fmt.Println()
	}
	if only != "" && ran == 0 {
		fmt.Fprintf(os.Stderr, "no scenario named %q (see `neighborguard-sim list`)\n", only)
		os.Exit(1)
	}
}

// referenceConfig returns the literal option values named in section 6 of
// the recognized-configuration list, so a scenario's observed timing
// matches the spec's literal seconds rather than the daemon's production
// defaults (which are tuned independently and may differ).
func referenceConfig() config.Config {
	cfg := config.Defaults()
	cfg.Track.TrackGap = 60 * time.Second
	cfg.Track.TrackWindow = 120 * time.Second
	cfg.Security.PreL1DwellThresholdSec = 10
	cfg.Security.PreL2DwellThresholdSec = 30
	cfg.Security.PreL2DwellAcceleratedSec = 20
	cfg.Security.EntryDelaySec = 30
	cfg.Security.SirenMaxDurationSec = 180
	cfg.Security.NoPresenceClearSec = 60
	cfg.Security.ConfirmWindowSec = 60
	cfg.Security.PreRollSec = 10
	cfg.Security.PostRollSec = 10
	cfg.Tamper.DualOfflineIndependentSec = 90
	cfg.Tamper.CorroborationWindowSec = 10
	cfg.Evidence.CandidateTTLHours = 24
	cfg.Evidence.RetainedTTLDays = 7
	cfg.Evidence.CorrelationWindowSec = 10
	cfg.Evidence.ExportMaxClipSec = 30
	cfg.CameraBus.Enabled = false
	cfg.Operator.Enabled = false
	return cfg
}

// harness owns one scenario's Daemon and its disposable storage.
type harness struct {
	log     *zap.Logger
	clk     *clock.FakeClock
	db      *storage.DB
	dbPath  string
	metrics *observability.Metrics
	norm    *normalize.Normalizer
	d       *daemon.Daemon
	ctx     context.Context
	cancel  context.CancelFunc
}

// entryPointID is the single entry point every scenario exercises.
const entryPointID = "front_door"

func newHarness(name string, sender outbox.Sender) *harness {
	log := zap.NewNop()

	f, err := os.CreateTemp("", "neighborguard-sim-"+name+"-*.db")
	if err != nil {
		fmt.Fprintf(os.Stderr, "sim: create temp db: %v\n", err)
		os.Exit(1)
	}
	f.Close()

	db, err := storage.Open(f.Name(), 1)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sim: open storage: %v\n", err)
		os.Exit(1)
	}

	cfg := referenceConfig()
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 22, 0, 0, 0, time.UTC))
	metrics := observability.NewMetrics()

	norm := normalize.NewNormalizer(clk, log, cfg.Ingest.ClockSkewWarnThreshold, []normalize.ZoneBinding{
		{DeviceID: "front-door-contact", ZoneID: "front_door_zone", EntryPointID: entryPointID, PrivacyLevel: normalize.PrivacySemiPrivate},
		{DeviceID: "hall-pir", ZoneID: "hallway_zone", EntryPointID: entryPointID, PrivacyLevel: normalize.PrivacyPrivate},
		{DeviceID: "front-window-glass", ZoneID: "front_window_zone", EntryPointID: entryPointID, PrivacyLevel: normalize.PrivacySemiPrivate},
		{DeviceID: "backyard-camera", ZoneID: "back_yard_zone", EntryPointID: entryPointID, PrivacyLevel: normalize.PrivacyPrivate},
		{DeviceID: "judge-camera", ZoneID: "front_door_zone", EntryPointID: entryPointID, PrivacyLevel: normalize.PrivacySemiPrivate},
	})

	ctx, cancel := context.WithCancel(context.Background())

	d := daemon.New(&cfg, log, db, metrics, clk, norm, sender)
	d.RegisterEntryPoint(daemon.EntryPointTopology{
		EntryPointID: entryPointID,
		CameraTier:   security.CameraTier2,
		Label:        "Front Door",
	})

	return &harness{log: log, clk: clk, db: db, dbPath: f.Name(), metrics: metrics, norm: norm, d: d, ctx: ctx, cancel: cancel}
}

func (h *harness) close() {
	h.cancel()
	h.db.Close()
	os.Remove(h.dbPath)
}

// signal dispatches one raw sensor signal at the clock's current time and
// gives the entry point's single-threaded core a moment to process it —
// the mailbox's goroutine runs concurrently with this function, so a short
// real-time yield stands in for a synchronization barrier the mailbox
// doesn't otherwise expose.
func (h *harness) signal(deviceID, sensorKind, stateToken string, flags map[string]bool) {
	ev, ok := h.norm.Normalize(normalize.RawSignal{
		DeviceID:   deviceID,
		SensorKind: sensorKind,
		StateToken: stateToken,
		OccurredAt: h.clk.Now(),
		Flags:      flags,
	})
	if !ok {
		return
	}
	h.d.Router().Dispatch(h.ctx, ev)
	time.Sleep(15 * time.Millisecond)
}

func (h *harness) advance(d time.Duration) {
	h.clk.Advance(d)
	time.Sleep(15 * time.Millisecond)
}

func (h *harness) report() {
	m, _ := h.d.OperatorRegistry().Get(entryPointID)
	snap := m.Snapshot()
	fmt.Printf("  state=%s tamper=%s evidence_window=%q siren={auto:%v}\n",
		snap.CurrentState, snap.TamperState, snap.EvidenceWindowID, snap.SirenSnapshot.AutoSiren)
	if qlen, err := h.d.Outbox().QueueLength(); err == nil {
		fmt.Printf("  outbox queue length=%d\n", qlen)
	}
}

func scenarioNightBreakIn(h *harness) {
	h.d.SetHouseMode(rules.ModeNight)
	h.signal("front-door-contact", "door_contact", "open", nil)
	h.advance(5 * time.Second)
	h.signal("hall-pir", "pir", "motion", map[string]bool{"person": true})
	h.advance(25 * time.Second) // t=30s: entry delay expires
	h.report()
}

func scenarioGlassBreakOnly(h *harness) {
	h.d.SetHouseMode(rules.ModeAway)
	h.signal("front-window-glass", "glass_break", "triggered", nil)
	h.advance(45 * time.Second) // no person within the 45s correlation window
	h.report()
}

func scenarioBackyardLoiter(h *harness) {
	h.d.SetHouseMode(rules.ModeAway)
	flags := map[string]bool{"person": true, "loitering": true}
	for elapsed := 0 * time.Second; elapsed <= 22*time.Second; elapsed += 4 * time.Second {
		h.signal("backyard-camera", "motion", "present", flags)
		h.advance(4 * time.Second)
	}
	h.report()
}

func scenarioDisarmedNoise(h *harness) {
	h.d.SetHouseMode(rules.ModeDisarmed)
	h.signal("hall-pir", "pir", "motion", map[string]bool{"person": true})
	h.signal("front-door-contact", "door_contact", "open", nil)
	h.advance(1 * time.Second)
	h.report()
}

func scenarioOfflineWindow(h *harness) {
	h.d.SetHouseMode(rules.ModeAway)
	h.signal("front-window-glass", "glass_break", "triggered", nil)
	h.advance(2 * time.Minute)
	h.signal("hall-pir", "pir", "motion", map[string]bool{"person": true})
	h.advance(8 * time.Minute) // 10 minutes cloud-unreachable in total
	qlen, _ := h.d.Outbox().QueueLength()
	fmt.Printf("  outbox entries accumulated while cloud unreachable: %d\n", qlen)

	sent, drained := 0, []outbox.Entry{}
	sender := func(ctx context.Context, e outbox.Entry) error {
		sent++
		drained = append(drained, e)
		return nil
	}
	n, err := h.d.Outbox().Drain(h.ctx, h.clk.Now(), sender)
	if err != nil {
		fmt.Printf("  drain error: %v\n", err)
	}
	fmt.Printf("  recovery drain sent=%d\n", n)
	for _, e := range drained {
		fmt.Printf("    replayed entry kind=%s occurred_at=%s\n", e.Kind, e.OccurredAt.Format(time.RFC3339))
	}
}

func scenarioTamperConfirm(h *harness) {
	h.d.SetHouseMode(rules.ModeAway)
	reporter := h.d.CameraReporter()
	reporter.ReportOffline(entryPointID, "judge-camera")
	h.advance(95 * time.Second) // past offline_confirm_sec
	reporter.ReportOffline(entryPointID, "witness-camera-2")
	h.advance(1 * time.Second) // no camera failure domains are registered here, so this does not corroborate Tamper-C
	h.report()

	core := h.d.OperatorRegistry()
	if m, ok := core.Get(entryPointID); ok {
		if _, err := m.HumanVerifyConfirm(); err != nil {
			fmt.Printf("  human verify confirm rejected: %v\n", err)
		}
	}
	h.report()
}

func scenarioIdempotentReplay(h *harness) {
	const key = "idem-key-scenario-7"
	body := []byte(`{"entry_point_id":"front_door","rule_id":"R1","payload":"original"}`)
	bodyDifferent := []byte(`{"entry_point_id":"front_door","rule_id":"R1","payload":"tampered"}`)

	ledger := newInMemoryLedger()
	first, err := ledger.ingest(key, body)
	fmt.Printf("  ingest #1 accepted=%v err=%v\n", first, err)
	second, err := ledger.ingest(key, body)
	fmt.Printf("  ingest #2 (identical body) accepted=%v err=%v\n", second, err)
	_, err = ledger.ingest(key, bodyDifferent)
	fmt.Printf("  ingest #3 (different body, same key) err=%v\n", err)
}

// inMemoryLedger mimics the cloud ledger's dedup-and-store contract for
// this scenario's purposes: the real dedup logic lives in
// internal/cloudledger and is exercised there directly by its own tests.
type inMemoryLedger struct {
	stored map[string][]byte
}

func newInMemoryLedger() *inMemoryLedger {
	return &inMemoryLedger{stored: make(map[string][]byte)}
}

func (l *inMemoryLedger) ingest(key string, body []byte) (accepted bool, err error) {
	existing, seen := l.stored[key]
	if !seen {
		l.stored[key] = body
		return true, nil
	}
	if string(existing) == string(body) {
		return true, nil
	}
	return false, fmt.Errorf("CloudConflict: idempotency key %q already stored with a different payload", key)
}
