// Package daemon wires every per-entry-point pipeline stage — normalize
// (upstream, shared), track aggregation, rule evaluation, the PRE/PENDING/
// TRIGGER state machine, notification floors, evidence commit, and the
// outbox — into the single-threaded decision core the ingest router
// dispatches into, one core per entry point.
//
// Grounded on the teacher's per-PID accumulator/state map inside its event
// worker loop: here the map key is entry_point_id and the "process state"
// is security.Machine, but the shape — look up or create owned state,
// update it, react to escalation — is the same.
package daemon

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/neighborguard/edge/internal/camerabus"
	"github.com/neighborguard/edge/internal/clock"
	"github.com/neighborguard/edge/internal/config"
	"github.com/neighborguard/edge/internal/evidence"
	"github.com/neighborguard/edge/internal/ingest"
	"github.com/neighborguard/edge/internal/invariant"
	"github.com/neighborguard/edge/internal/localapi"
	"github.com/neighborguard/edge/internal/normalize"
	"github.com/neighborguard/edge/internal/notify"
	"github.com/neighborguard/edge/internal/observability"
	"github.com/neighborguard/edge/internal/operator"
	"github.com/neighborguard/edge/internal/outbox"
	"github.com/neighborguard/edge/internal/ratelimit"
	"github.com/neighborguard/edge/internal/rules"
	"github.com/neighborguard/edge/internal/security"
	"github.com/neighborguard/edge/internal/storage"
	"github.com/neighborguard/edge/internal/tamper"
	"github.com/neighborguard/edge/internal/track"
)

// EntryPointTopology is the static wiring the daemon needs per entry point
// at startup: which camera tier it has, and (for the App's device list)
// its human label.
type EntryPointTopology struct {
	EntryPointID string
	CameraTier   security.CameraTier
	Label        string
}

// Daemon owns every shared subsystem and one EntryPointCore per configured
// entry point.
type Daemon struct {
	cfg     *config.Config
	log     *zap.Logger
	db      *storage.DB
	metrics *observability.Metrics
	clk     clock.Clock

	norm    *normalize.Normalizer
	notifyP *notify.Policy
	evStore *evidence.Store
	obx     *outbox.Outbox
	corr    *tamper.Corroborator
	router  *ingest.Router

	opRegistry *operator.MemRegistry
	localAPI   *localapi.Server

	houseMode atomic.Int32 // rules.HouseMode, shared across all entry-point cores

	mu    sync.Mutex
	cores map[string]*EntryPointCore
}

// New assembles a Daemon from its already-constructed shared dependencies.
// sender delivers outbox entries to the cloud ledger (nil disables cloud
// sync, useful for the simulator).
func New(cfg *config.Config, log *zap.Logger, db *storage.DB, metrics *observability.Metrics, clk clock.Clock,
	norm *normalize.Normalizer, sender outbox.Sender) *Daemon {

	limiter := ratelimit.New(cfg.Outbox.RateLimit.Capacity, cfg.Outbox.RateLimit.RefillPeriod)
	obx := outbox.New(db, limiter, cfg.Outbox, log)
	evStore := evidence.NewStore(db, clk, cfg.Evidence, log)
	corr := tamper.NewCorroborator(clk, cfg.Tamper)
	notifyP := notify.NewPolicy(cfg.Notification, log)

	d := &Daemon{
		cfg:        cfg,
		log:        log,
		db:         db,
		metrics:    metrics,
		clk:        clk,
		norm:       norm,
		notifyP:    notifyP,
		evStore:    evStore,
		obx:        obx,
		corr:       corr,
		opRegistry: operator.NewMemRegistry(),
		cores:      make(map[string]*EntryPointCore),
	}
	d.houseMode.Store(int32(rules.ModeAway))

	d.router = ingest.NewRouter(cfg.Ingest.MailboxSize, d.handlerFor, log, metrics)

	if sender != nil {
		go d.drainOutboxLoop(context.Background(), obx, sender)
	}
	return d
}

// SetHouseMode updates the shared house mode read by every entry-point
// core and by security.Machine's mode callback.
func (d *Daemon) SetHouseMode(m rules.HouseMode) {
	d.houseMode.Store(int32(m))
}

// HouseMode returns the current shared house mode.
func (d *Daemon) HouseMode() rules.HouseMode {
	return rules.HouseMode(d.houseMode.Load())
}

func (d *Daemon) securityMode() security.HouseMode {
	switch d.HouseMode() {
	case rules.ModeDisarmed:
		return security.ModeDisarmed
	case rules.ModeHome:
		return security.ModeHome
	case rules.ModeNight:
		return security.ModeNight
	default:
		return security.ModeAway
	}
}

// RegisterEntryPoint creates the owned state for one entry point: track
// aggregator, security.Machine, and evidence armer. Call once per
// configured entry point before ingest begins.
func (d *Daemon) RegisterEntryPoint(topo EntryPointTopology) *EntryPointCore {
	wheel := clock.NewWheel(d.clk)

	core := &EntryPointCore{
		id:        topo.EntryPointID,
		d:         d,
		agg:       track.NewAggregator(topo.EntryPointID, d.cfg.Track.TrackGap, d.cfg.Track.TrackWindow),
		wheel:     wheel,
		ruleGuard: invariant.NewGuard(d.log, false),
	}

	audit := func(ev security.TransitionEvent) {
		d.metrics.StateTransitionsTotal.WithLabelValues(ev.From.String(), ev.To.String(), boolLabel(ev.Accepted)).Inc()
		d.log.Info("security: transition",
			zap.String("entry_point_id", topo.EntryPointID),
			zap.String("from", ev.From.String()), zap.String("to", ev.To.String()),
			zap.String("reason", ev.Reason), zap.Bool("accepted", ev.Accepted))
	}
	armer := func(entryPointID string, at time.Time) string {
		windowID, err := d.evStore.CommitWindow(entryPointID, at)
		if err != nil {
			d.log.Error("evidence: commit window failed", zap.String("entry_point_id", entryPointID), zap.Error(err))
			return ""
		}
		return windowID
	}

	core.machine = security.NewMachine(topo.EntryPointID, topo.CameraTier, d.cfg.Security, d.cfg.Tamper,
		wheel, d.clk, d.log, invariant.NewGuard(d.log, false), audit, armer, d.securityMode)

	d.mu.Lock()
	d.cores[topo.EntryPointID] = core
	d.mu.Unlock()

	d.opRegistry.Register(topo.EntryPointID, core.machine)
	d.metrics.ActiveEntryPoints.Inc()
	return core
}

// Router returns the ingest router every normalized signal must be
// dispatched through.
func (d *Daemon) Router() *ingest.Router { return d.router }

// Corroborator exposes the Tamper-C evaluator, e.g. for camerabus.Reporter
// wiring and periodic Prune ticks.
func (d *Daemon) Corroborator() *tamper.Corroborator { return d.corr }

// CameraReporter adapts the Daemon into camerabus.Reporter, forwarding raw
// camera signals into corroboration and re-evaluating the owning entry
// point's Tamper-C path after every offline/obstruction report.
func (d *Daemon) CameraReporter() camerabus.Reporter { return (*cameraReporter)(d) }

type cameraReporter Daemon

func (r *cameraReporter) d() *Daemon { return (*Daemon)(r) }

func (r *cameraReporter) ReportOffline(entryPointID, cameraID string) {
	d := r.d()
	d.corr.ReportOffline(entryPointID, cameraID)
	d.reevaluateTamperC(entryPointID)
}

func (r *cameraReporter) ReportObstruction(entryPointID, cameraID string) {
	d := r.d()
	d.corr.ReportObstruction(entryPointID, cameraID)
	d.reevaluateTamperC(entryPointID)
}

func (r *cameraReporter) ReportDoorContactOpen(entryPointID string) {
	d := r.d()
	d.corr.ReportDoorContactOpen(entryPointID)
	d.reevaluateTamperC(entryPointID)
}

func (r *cameraReporter) ReportGlassBreak(entryPointID string) {
	d := r.d()
	d.corr.ReportGlassBreak(entryPointID)
	d.reevaluateTamperC(entryPointID)
}

func (d *Daemon) reevaluateTamperC(entryPointID string) {
	path, eligible := d.corr.Evaluate(entryPointID)
	if path == tamper.PathNone || !eligible {
		return
	}
	d.metrics.TamperPathEvaluatedTotal.WithLabelValues(path.String()).Inc()

	d.mu.Lock()
	core, ok := d.cores[entryPointID]
	d.mu.Unlock()
	if !ok {
		return
	}
	if err := core.machine.ConfirmTamper(); err != nil {
		d.log.Warn("tamper: confirm rejected", zap.String("entry_point_id", entryPointID), zap.Error(err))
	}
}

// PruneTamperObservations sweeps expired corroboration signals; call
// periodically (e.g. from the daemon's maintenance ticker).
func (d *Daemon) PruneTamperObservations() { d.corr.Prune() }

// SweepEvidence runs the evidence TTL sweep; call on cfg.Evidence.SweepInterval.
func (d *Daemon) SweepEvidence() {
	n, err := d.evStore.Sweep()
	if err != nil {
		d.log.Error("evidence: sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		d.metrics.EvidenceSweptTotal.Add(float64(n))
	}
}

// AttachLocalAPI wires a localapi.Server so Broadcast is called for every
// recorded event.
func (d *Daemon) AttachLocalAPI(s *localapi.Server) { d.localAPI = s }

// OperatorRegistry exposes the in-memory Machine registry for the operator
// socket server.
func (d *Daemon) OperatorRegistry() *operator.MemRegistry { return d.opRegistry }

// Outbox exposes the durable outbox, e.g. for queue-depth metrics polling.
func (d *Daemon) Outbox() *outbox.Outbox { return d.obx }

func (d *Daemon) drainOutboxLoop(ctx context.Context, obx *outbox.Outbox, sender outbox.Sender) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sent, err := obx.Drain(ctx, d.clk.Now(), sender)
			if err != nil {
				d.log.Warn("outbox: drain error", zap.Error(err))
			}
			d.metrics.OutboxSentTotal.Add(float64(sent))
			if qlen, err := obx.QueueLength(); err == nil {
				d.metrics.OutboxQueueDepth.Set(float64(qlen))
			}
		}
	}
}

// handlerFor returns the ingest.Handler for entryPointID, looking up the
// previously-registered core. An entry point with no RegisterEntryPoint
// call cannot receive signals.
func (d *Daemon) handlerFor(entryPointID string) ingest.Handler {
	return func(ev normalize.SensorEvent) {
		d.mu.Lock()
		core, ok := d.cores[entryPointID]
		d.mu.Unlock()
		if !ok {
			d.log.Warn("daemon: signal for unregistered entry point", zap.String("entry_point_id", entryPointID))
			return
		}
		core.handle(ev)
	}
}

// EntryPointCore is the single-threaded decision core for one entry point.
type EntryPointCore struct {
	id        string
	d         *Daemon
	agg       *track.Aggregator
	wheel     *clock.Wheel
	machine   *security.Machine
	ruleGuard *invariant.Guard

	mu         sync.Mutex
	lastRuleID string
}

func (c *EntryPointCore) handle(ev normalize.SensorEvent) {
	d := c.d
	now := ev.OccurredAt

	trackID, _ := c.agg.Ingest(ev)
	c.agg.AccrueOpenDwell(now)
	tr, ok := c.agg.Get(trackID)
	if !ok {
		return
	}

	c.driveStateMachine(ev)

	mode := d.HouseMode()
	candidate := rules.Evaluate(tr, mode)

	c.mu.Lock()
	upgraded := rules.Upgrade(c.lastRuleID, candidate.RuleID)
	if upgraded {
		c.lastRuleID = candidate.RuleID
	}
	c.mu.Unlock()
	if !upgraded {
		return
	}

	candidate.EventID = uuid.NewString()
	candidate.OccurredAt = now

	decision := &invariant.Decision{
		EntryPointID: c.id,
		FromState:    c.lastRuleID,
		ToState:      candidate.RuleID,
		Reason:       candidate.Explain.Diagnostics,
		Score:        candidate.MLScore,
		Timestamp:    now,
		Inputs: map[string]interface{}{
			"severity":   float64(candidate.Severity),
			"event_type": candidate.EventType.String(),
			"mode":       mode.String(),
		},
	}
	if err := c.ruleGuard.Validate(decision); err != nil {
		d.log.Error("daemon: rule-fire decision rejected by invariant guard",
			zap.String("entry_point_id", c.id), zap.String("rule_id", candidate.RuleID), zap.Error(err))
		return
	}

	d.metrics.RuleFiredTotal.WithLabelValues(candidate.RuleID).Inc()

	level := d.notifyP.Classify(notify.Input{
		RuleID:     candidate.RuleID,
		EventType:  candidate.EventType,
		Severity:   candidate.Severity,
		Mode:       mode,
		MLScore:    candidate.MLScore,
		GlassBreak: candidate.GlassBreakFlag,
	})
	d.metrics.NotificationsSentTotal.WithLabelValues(level.String()).Inc()

	if err := d.db.PutEvent(candidate.OccurredAt.UTC().Format(time.RFC3339Nano)+"_"+candidate.EventID, candidate); err != nil {
		d.log.Error("daemon: persist event failed", zap.Error(err))
	}

	if d.localAPI != nil {
		d.localAPI.Broadcast(localapi.RecentEvent{
			EventID:      candidate.EventID,
			OccurredAt:   candidate.OccurredAt,
			EventType:    candidate.EventType.String(),
			Severity:     candidate.Severity.String(),
			RuleID:       candidate.RuleID,
			ZoneID:       candidate.ZoneID,
			EntryPointID: candidate.EntryPointID,
		})
	}

	if candidate.RuleID == "R1" || candidate.RuleID == "R2" || candidate.RuleID == "R3" {
		snap := c.machine.Snapshot()
		if snap.EvidenceWindowID != "" {
			if err := d.evStore.PromoteToRetained(snap.EvidenceWindowID, candidate.EventID, now); err != nil {
				d.log.Warn("evidence: promote failed", zap.Error(err))
			}
		}
	}

	payload, err := json.Marshal(candidate)
	if err != nil {
		d.log.Error("daemon: marshal event payload failed", zap.Error(err))
		return
	}
	if _, err := d.obx.Enqueue(outbox.KindEventIngest, candidate.EntryPointID, payload, now); err != nil {
		d.log.Error("daemon: enqueue outbox entry failed", zap.Error(err))
	}
}

// driveStateMachine maps the raw sensor signal onto the PRE/PENDING/
// TRIGGER transitions it is allowed to cause, independent of what the rule
// table concludes for the same signal.
func (c *EntryPointCore) driveStateMachine(ev normalize.SensorEvent) {
	switch {
	case ev.SensorKind == "door_contact":
		if err := c.machine.DoorContactOpen(); err != nil {
			c.d.log.Warn("security: door_contact_open rejected", zap.String("entry_point_id", c.id), zap.Error(err))
		}
	case ev.SensorKind == "glass_break":
		if _, err := c.machine.FireTrigger(security.ReasonGlassBreak); err != nil {
			c.d.log.Warn("security: glass_break trigger rejected", zap.String("entry_point_id", c.id), zap.Error(err))
		}
	case ev.Flags["person"] || ev.SensorKind == "motion":
		c.machine.ObservePresence(ev.OccurredAt)
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
