// Package security implements the per-entry-point PRE/PENDING/TRIGGER
// state machine, its Tamper-S/Tamper-C sub-machine, and the siren/light
// policy evaluated at TRIGGER.
//
// One Machine instance owns exactly one EntryPointState and runs under its
// own mutex, mirroring the single-threaded-decision-core requirement: all
// mutation for one entry point happens through one serial owner, and a
// transition the table does not name is a fatal, audited rejection rather
// than a silent state corruption.
package security

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/neighborguard/edge/internal/clock"
	"github.com/neighborguard/edge/internal/config"
	"github.com/neighborguard/edge/internal/invariant"
)

// State is one of the six EntryPointState values.
type State int

const (
	StatePreL0 State = iota
	StatePreL1
	StatePreL2
	StatePending
	StateTrigger
	StateResolved
)

func (s State) String() string {
	switch s {
	case StatePreL0:
		return "PRE_L0"
	case StatePreL1:
		return "PRE_L1"
	case StatePreL2:
		return "PRE_L2"
	case StatePending:
		return "PENDING"
	case StateTrigger:
		return "TRIGGER"
	case StateResolved:
		return "RESOLVED"
	default:
		return "UNKNOWN"
	}
}

// TamperState is the tamper sub-machine's current classification.
type TamperState int

const (
	TamperNone TamperState = iota
	TamperSuspected
	TamperConfirmed
	TamperUnresolved
)

func (t TamperState) String() string {
	switch t {
	case TamperNone:
		return "NONE"
	case TamperSuspected:
		return "TAMPER_S"
	case TamperConfirmed:
		return "TAMPER_C"
	case TamperUnresolved:
		return "UNRESOLVED"
	default:
		return "UNKNOWN"
	}
}

// TriggerReason enumerates the only three paths allowed to produce TRIGGER.
// No other caller-supplied value is accepted by FireTrigger.
type TriggerReason string

const (
	ReasonEntryDelayExpired   TriggerReason = "entry_delay_expired"
	ReasonGlassBreak          TriggerReason = "glass_break"
	ReasonTamperVerifiedByUser TriggerReason = "tamper_verified_by_user"
)

// CameraTier is the Tamper-C support level of the entry point's cameras.
type CameraTier int

const (
	CameraTier0 CameraTier = iota
	CameraTier1
	CameraTier2
	CameraTier3
)

// SirenDecision is the result of evaluating the siren/light policy at a
// TRIGGER transition.
type SirenDecision struct {
	AutoSiren bool
	DelaySec  int
}

var sirenTable = map[TriggerReason]SirenDecision{
	ReasonEntryDelayExpired:    {AutoSiren: true, DelaySec: 0},
	ReasonGlassBreak:           {AutoSiren: true, DelaySec: 0},
	ReasonTamperVerifiedByUser: {AutoSiren: false},
}

// evaluateSiren returns the siren policy for a TRIGGER reason, or for the
// tamper_suspected / PRE-L2 row when reason is empty.
func evaluateSiren(reason TriggerReason) SirenDecision {
	if d, ok := sirenTable[reason]; ok {
		return d
	}
	return SirenDecision{AutoSiren: false}
}

// timer handle names, armed/cancelled via clock.Wheel.
const (
	timerPreL1Dwell    = "pre_l1_dwell"
	timerPreL2Dwell    = "pre_l2_dwell"
	timerEntryDelay    = "entry_delay"
	timerSirenMax      = "siren_max"
	timerNoPresence    = "no_presence_clear"
	timerConfirmWindow = "confirm_window"
)

// TransitionEvent is recorded for every attempted transition, accepted or
// rejected, for the audit trail.
type TransitionEvent struct {
	At       time.Time
	From     State
	To       State
	Reason   string
	Accepted bool
}

// AuditSink receives every transition attempt. Implementations must not
// block; the state machine calls it synchronously under its own lock.
type AuditSink func(TransitionEvent)

// EntryPointState is the full per-entry-point state snapshot.
type EntryPointState struct {
	EntryPointID      string
	CurrentState      State
	TamperState       TamperState
	CameraTier        CameraTier
	ActiveTimers      map[string]bool
	EvidenceWindowID  string
	SirenSnapshot     SirenDecision
	YardConfirmed     bool
	LastTransitionAt  time.Time
}

// EvidenceArmer is called when PRE-L2 is entered, to commit a local
// evidence window with the configured pre/post-roll bounds.
type EvidenceArmer func(entryPointID string, at time.Time) (windowID string)

// Machine is the single-threaded decision core for one entry point's
// security state. All exported methods acquire the internal mutex; callers
// must still ensure only one logical goroutine drives a given Machine, per
// the single-threaded-decision-core convention.
type Machine struct {
	mu sync.Mutex

	state      EntryPointState
	cfg        config.SecurityConfig
	tamperCfg  config.TamperConfig
	wheel      *clock.Wheel
	clk        clock.Clock
	log        *zap.Logger
	guard      *invariant.Guard
	audit      AuditSink
	armer      EvidenceArmer
	mode       func() HouseMode

	presenceLastSeen time.Time
}

// HouseMode mirrors rules.HouseMode without importing the rules package,
// to keep security decoupled from rule-table internals.
type HouseMode int

const (
	ModeDisarmed HouseMode = iota
	ModeHome
	ModeAway
	ModeNight
)

// NewMachine creates a Machine for one entry point. guard is the entry
// point's own invariant.Guard — one per Machine, not shared across entry
// points, so its monotonic-timestamp check never confuses unrelated entry
// points' independent event streams (the spec gives no ordering guarantee
// between them).
func NewMachine(entryPointID string, tier CameraTier, cfg config.SecurityConfig, tamperCfg config.TamperConfig,
	wheel *clock.Wheel, clk clock.Clock, log *zap.Logger, guard *invariant.Guard, audit AuditSink, armer EvidenceArmer, mode func() HouseMode) *Machine {
	return &Machine{
		state: EntryPointState{
			EntryPointID: entryPointID,
			CurrentState: StatePreL0,
			TamperState:  TamperNone,
			CameraTier:   tier,
			ActiveTimers: make(map[string]bool),
		},
		cfg:       cfg,
		tamperCfg: tamperCfg,
		wheel:     wheel,
		clk:       clk,
		log:       log,
		guard:     guard,
		audit:     audit,
		armer:     armer,
		mode:      mode,
	}
}

// Snapshot returns a copy of the current EntryPointState.
func (m *Machine) Snapshot() EntryPointState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// allowed names the legal predecessor states for each target state. This is
// the explicit named-edge transition table: entering a state from a
// predecessor not listed here is a state-transition violation and is
// rejected, audited, and the offending input dropped — never silently
// applied.
var allowed = map[State][]State{
	StatePreL0:    {},
	StatePreL1:    {StatePreL0},
	StatePreL2:    {StatePreL1, StatePreL0},
	StatePending:  {StatePreL0, StatePreL1, StatePreL2},
	StateTrigger:  {StatePending, StatePreL0, StatePreL1, StatePreL2},
	StateResolved: {StatePending, StateTrigger, StatePreL0, StatePreL1, StatePreL2},
}

func isAllowed(from, to State) bool {
	for _, f := range allowed[to] {
		if f == from {
			return true
		}
	}
	return false
}

// transition performs the cancel-then-arm state change under the lock,
// rejecting and auditing any edge not present in the table. reason is
// free-form, for the audit log only (it is not a TriggerReason). Every
// attempted transition, legal-table or not, is additionally run through the
// entry point's invariant.Guard before it is allowed to commit — the table
// check and the Guard are two independent rejections of the same commit
// point, not a single combined one.
func (m *Machine) transition(to State, reason string) error {
	from := m.state.CurrentState
	if from == to {
		return nil
	}
	now := m.clk.Now()
	if !isAllowed(from, to) {
		m.auditLocked(from, to, reason, false)
		return fmt.Errorf("security: illegal transition %s -> %s (reason=%s)", from, to, reason)
	}

	if m.guard != nil {
		decision := &invariant.Decision{
			EntryPointID: m.state.EntryPointID,
			FromState:    from.String(),
			ToState:      to.String(),
			Reason:       reason,
			Timestamp:    now,
			Inputs: map[string]interface{}{
				"reason":      reason,
				"camera_tier": float64(m.state.CameraTier),
			},
		}
		if err := m.guard.Validate(decision); err != nil {
			m.auditLocked(from, to, reason, false)
			return fmt.Errorf("security: invariant guard rejected %s -> %s: %w", from, to, err)
		}
	}

	m.wheel.CancelAll(timersFor(from)...)
	m.state.CurrentState = to
	m.state.LastTransitionAt = now
	m.auditLocked(from, to, reason, true)
	return nil
}

func (m *Machine) auditLocked(from, to State, reason string, accepted bool) {
	if m.audit == nil {
		return
	}
	m.audit(TransitionEvent{At: m.clk.Now(), From: from, To: to, Reason: reason, Accepted: accepted})
}

func timersFor(s State) []string {
	switch s {
	case StatePreL0:
		return []string{timerPreL1Dwell}
	case StatePreL1:
		return []string{timerPreL2Dwell}
	case StatePreL2:
		return []string{timerNoPresence, timerConfirmWindow}
	case StatePending:
		return []string{timerEntryDelay}
	case StateTrigger:
		return []string{timerSirenMax}
	default:
		return nil
	}
}

// ObservePresence records that the Judge Camera currently sees a subject
// in this entry point's zone, at or beyond PRE_L0, and arms the PRE_L1
// dwell timer if not already running. Only the Judge Camera may call this;
// Witness Camera observations must never reach PRE classification.
func (m *Machine) ObservePresence(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.presenceLastSeen = now

	if m.state.CurrentState == StatePreL0 && !m.state.ActiveTimers[timerPreL1Dwell] {
		m.armTimerLocked(timerPreL1Dwell, time.Duration(m.cfg.PreL1DwellThresholdSec)*time.Second, func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			_ = m.transition(StatePreL1, "pre_l1_dwell_elapsed")
		})
	}

	if m.state.CurrentState == StatePreL1 && !m.state.ActiveTimers[timerPreL2Dwell] {
		dwell := m.cfg.PreL2DwellThresholdSec
		if m.state.YardConfirmed {
			dwell = m.cfg.PreL2DwellAcceleratedSec
		}
		m.armTimerLocked(timerPreL2Dwell, time.Duration(dwell)*time.Second, func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if err := m.transition(StatePreL2, "pre_l2_dwell_elapsed"); err == nil {
				m.enterPreL2Locked()
			}
		})
	}
}

// SetYardConfirmed updates the yard_confirmed context gate. Losing yard
// context while the PRE_L2 dwell timer is armed re-arms it at the longer
// fallback threshold (fail-open), per spec: loss of yard context never
// shortens the remaining dwell.
func (m *Machine) SetYardConfirmed(confirmed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := m.state.YardConfirmed
	m.state.YardConfirmed = confirmed
	if was && !confirmed && m.state.CurrentState == StatePreL1 && m.state.ActiveTimers[timerPreL2Dwell] {
		m.armTimerLocked(timerPreL2Dwell, time.Duration(m.cfg.PreL2DwellThresholdSec)*time.Second, func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if err := m.transition(StatePreL2, "pre_l2_dwell_elapsed"); err == nil {
				m.enterPreL2Locked()
			}
		})
	}
}

// enterPreL2Locked commits the evidence window; must be called with m.mu
// held, immediately after a successful transition into StatePreL2.
func (m *Machine) enterPreL2Locked() {
	if m.armer != nil {
		m.state.EvidenceWindowID = m.armer(m.state.EntryPointID, m.clk.Now())
	}
	m.armTimerLocked(timerNoPresence, time.Duration(m.cfg.NoPresenceClearSec)*time.Second, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.clk.Now().Sub(m.presenceLastSeen) >= time.Duration(m.cfg.NoPresenceClearSec)*time.Second {
			_ = m.transition(StatePreL0, "no_presence_clear")
		}
	})
}

// DoorContactOpen is the only signal permitted to create or accelerate
// PENDING. Armed must be true (mode AWAY or NIGHT); any other mode is a
// no-op, matching "no other signal may create or accelerate PENDING."
func (m *Machine) DoorContactOpen() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mode := ModeDisarmed
	if m.mode != nil {
		mode = m.mode()
	}
	if mode != ModeAway && mode != ModeNight {
		return nil
	}

	if err := m.transition(StatePending, "door_contact_open"); err != nil {
		return err
	}
	m.armTimerLocked(timerEntryDelay, time.Duration(m.cfg.EntryDelaySec)*time.Second, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		_ = m.fireTriggerLocked(ReasonEntryDelayExpired)
	})
	return nil
}

// FireTrigger transitions into TRIGGER for one of the three enumerated
// reasons. Any other reason value is rejected outright, enforcing "no
// state path ever enters TRIGGER without one of the three enumerated
// reasons" independent of the transition table.
func (m *Machine) FireTrigger(reason TriggerReason) (SirenDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fireTriggerLocked(reason)
}

func (m *Machine) fireTriggerLocked(reason TriggerReason) (SirenDecision, error) {
	switch reason {
	case ReasonEntryDelayExpired, ReasonGlassBreak, ReasonTamperVerifiedByUser:
	default:
		return SirenDecision{}, fmt.Errorf("security: reason %q is not an enumerated TRIGGER reason", reason)
	}

	if err := m.transition(StateTrigger, string(reason)); err != nil {
		return SirenDecision{}, err
	}

	decision := evaluateSiren(reason)
	m.state.SirenSnapshot = decision
	if decision.AutoSiren {
		m.armTimerLocked(timerSirenMax, time.Duration(m.cfg.SirenMaxDurationSec)*time.Second, func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.state.SirenSnapshot = SirenDecision{}
		})
	}
	return decision, nil
}

// SuspectTamper enters PRE-L2(Tamper-S) on single-camera offline,
// obstruction, spray/blur, or scene shift on the Judge Camera.
func (m *Machine) SuspectTamper() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.transition(StatePreL2, "tamper_suspected"); err != nil {
		return err
	}
	m.state.TamperState = TamperSuspected
	m.enterPreL2Locked()
	m.armTimerLocked(timerConfirmWindow, time.Duration(m.cfg.ConfirmWindowSec)*time.Second, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.state.TamperState == TamperSuspected {
			m.state.TamperState = TamperUnresolved
		}
	})
	return nil
}

// ConfirmTamper marks Tamper-C, requiring visual corroboration across an
// independent failure domain. Camera Tier-0/1 must never escalate to
// Tamper-C; callers must check CameraTier before calling this.
func (m *Machine) ConfirmTamper() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.CameraTier == CameraTier0 || m.state.CameraTier == CameraTier1 {
		return fmt.Errorf("security: camera tier %d must not escalate to Tamper-C", m.state.CameraTier)
	}
	m.state.TamperState = TamperConfirmed
	return nil
}

// HumanVerifyConfirm resolves Tamper-S with the user confirming the
// threat: the only tamper path allowed to fire TRIGGER.
func (m *Machine) HumanVerifyConfirm() (SirenDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wheel.Cancel(timerConfirmWindow)
	return m.fireTriggerLocked(ReasonTamperVerifiedByUser)
}

// HumanVerifyMarkFault labels the event as a fault with no escalation.
func (m *Machine) HumanVerifyMarkFault() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wheel.Cancel(timerConfirmWindow)
	m.state.TamperState = TamperNone
}

// HumanVerifyIgnore leaves the entry point in PRE-L2 until de-escalation by
// the no-presence-clear timer; this call only cancels the confirm window.
func (m *Machine) HumanVerifyIgnore() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wheel.Cancel(timerConfirmWindow)
}

// Disarm unconditionally cancels siren, entry-delay, and deterrent-sound
// timers, and transitions to RESOLVED. It is the only operation permitted
// to cancel those three timer classes simultaneously.
func (m *Machine) Disarm() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wheel.CancelAll(timerSirenMax, timerEntryDelay, timerPreL1Dwell, timerPreL2Dwell, timerNoPresence)
	m.state.SirenSnapshot = SirenDecision{}
	return m.transition(StateResolved, "authenticated_disarm")
}

// SilenceSiren stops the siren without changing status away from TRIGGER.
func (m *Machine) SilenceSiren() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wheel.Cancel(timerSirenMax)
	m.state.SirenSnapshot = SirenDecision{}
}

// Resolve performs an explicit user resolution from any active state.
func (m *Machine) Resolve() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wheel.CancelAll(timersFor(m.state.CurrentState)...)
	return m.transition(StateResolved, "explicit_user_resolution")
}

func (m *Machine) armTimerLocked(handle string, d time.Duration, fn func()) {
	m.state.ActiveTimers[handle] = true
	m.wheel.Arm(handle, d, func() {
		m.mu.Lock()
		delete(m.state.ActiveTimers, handle)
		m.mu.Unlock()
		fn()
	})
}
