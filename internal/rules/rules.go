// Package rules implements the fusion rule engine: a priority-ordered table
// of enumerated rule variants (R1 through R99) that turns a Track plus the
// current house mode into a typed SecurityEvent with an explain summary.
//
// The table is a compile-time slice of tagged Rule values, ordered from
// highest to lowest priority (fire/CO=100 down to motion=10), deliberately
// not a runtime-registered plugin set: the first predicate that holds in
// table order wins, which is equivalent to "the highest-priority matching
// rule wins" since the table itself is priority-descending. A later
// evaluation on the same track may only upgrade its event — replace it
// with a strictly higher-priority rule's event — never downgrade it. Ties
// are broken by priority, then by earliest occurred_at. Correlation
// windows are inclusive of their start and exclusive of their end.
package rules

import (
	"time"

	"github.com/neighborguard/edge/internal/normalize"
	"github.com/neighborguard/edge/internal/track"
)

// HouseMode is the current arming mode of the household.
type HouseMode int

const (
	ModeDisarmed HouseMode = iota
	ModeHome
	ModeAway
	ModeNight
)

func (m HouseMode) String() string {
	switch m {
	case ModeDisarmed:
		return "DISARMED"
	case ModeHome:
		return "HOME"
	case ModeAway:
		return "AWAY"
	case ModeNight:
		return "NIGHT"
	default:
		return "UNKNOWN"
	}
}

func armedAwayOrNight(m HouseMode) bool { return m == ModeAway || m == ModeNight }

// Severity is the rule-assigned severity tier for a derived event,
// matching the data model's HIGH/MEDIUM/LOW triple exactly.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityHigh:
		return "HIGH"
	case SeverityMedium:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// EventType is the closed set of typed events a rule may produce, mirroring
// the data model's event_type enumeration exactly so every downstream
// consumer (notify, security, cloudledger) can exhaustively switch on it.
type EventType int

const (
	EventTypeBreakInAttempt EventType = iota
	EventTypePerimeterDamage
	EventTypeSuspiciousPerson
	EventTypeSuspiciousVehicle
	EventTypePackageDelivered
	EventTypePackageTaken
	EventTypeUnusualNoise
	EventTypeFire
	EventTypeCO
	EventTypeWaterLeak
	EventTypeMotion
	EventTypeCustom
)

func (e EventType) String() string {
	switch e {
	case EventTypeBreakInAttempt:
		return "break_in_attempt"
	case EventTypePerimeterDamage:
		return "perimeter_damage"
	case EventTypeSuspiciousPerson:
		return "suspicious_person"
	case EventTypeSuspiciousVehicle:
		return "suspicious_vehicle"
	case EventTypePackageDelivered:
		return "package_delivered"
	case EventTypePackageTaken:
		return "package_taken"
	case EventTypeUnusualNoise:
		return "unusual_noise"
	case EventTypeFire:
		return "fire"
	case EventTypeCO:
		return "co"
	case EventTypeWaterLeak:
		return "water_leak"
	case EventTypeMotion:
		return "motion"
	default:
		return "custom"
	}
}

// ExplainSummary records why a rule fired, for audit and operator display.
type ExplainSummary struct {
	RuleID        string
	KeySignals    []string
	Mode          HouseMode
	CriticalDwell bool
	Diagnostics   string // set only if the rule chain itself errored
}

// SecurityEvent is the rule engine's output: an explainable, typed event
// derived from one Track.
type SecurityEvent struct {
	EventID        string
	OccurredAt     time.Time
	EventType      EventType
	Severity       Severity
	RuleID         string
	Explain        ExplainSummary
	TrackRef       track.TrackID
	ZoneID         string
	EntryPointID   string
	LocationHint   string
	MLScore        float64 // externally supplied for soft signals; R1-R3 stamp 1.0 themselves, being hard-sensor correlations rather than a camera-AI estimate
	GlassBreakFlag bool
}

// Priority values reproduce spec §4.3 exactly: higher fires first.
const (
	priorityFireCO            = 100
	priorityWater             = 90
	priorityBreakIn           = 80
	priorityPerimeter         = 70
	priorityThreat            = 60 // suspicious person
	priorityVehicle           = 50
	priorityNoise             = 40
	priorityPackage           = 30
	priorityMotionFallback    = 10
)

// correlationWindow bounds R1/R2/R4's cross-signal correlation; R6's dwell
// thresholds and R9's are independent per-rule constants, matching the
// literal seconds named in spec §4.3.
const (
	doorMotionWindow    = 30 * time.Second
	glassPersonWindow   = 45 * time.Second
	dwellPrivateSec     = 20 * time.Second
	dwellRestrictedSec  = 10 * time.Second
	vehicleDwellSec     = 120 * time.Second
	vehicleDwellSevere  = 300 * time.Second
)

// Rule is one enumerated fusion rule: a pure predicate/constructor pair.
// Matches reports whether the rule's predicate holds for this track under
// this mode; when true, Build materializes the event.
type Rule struct {
	ID       string
	Priority int
	Matches  func(t *track.Track, mode HouseMode) bool
	Build    func(t *track.Track, mode HouseMode) SecurityEvent
}

// Table is the priority-ordered rule set (highest priority first),
// compiled once at package init. A tagged enumeration, not a runtime-
// registered plugin list.
var Table = []Rule{
	{
		// R14/R15 — smoke or CO is an unconditional HIGH-severity safety
		// event regardless of mode.
		ID:       "R14",
		Priority: priorityFireCO,
		Matches: func(t *track.Track, mode HouseMode) bool {
			return hasFlag(t, "smoke")
		},
		Build: func(t *track.Track, mode HouseMode) SecurityEvent {
			return baseEvent(t, mode, "R14", EventTypeFire, SeverityHigh, []string{"smoke"})
		},
	},
	{
		ID:       "R15",
		Priority: priorityFireCO,
		Matches: func(t *track.Track, mode HouseMode) bool {
			return hasFlag(t, "co")
		},
		Build: func(t *track.Track, mode HouseMode) SecurityEvent {
			return baseEvent(t, mode, "R15", EventTypeCO, SeverityHigh, []string{"co"})
		},
	},
	{
		// R16 — water leak, unconditional HIGH severity.
		ID:       "R16",
		Priority: priorityWater,
		Matches: func(t *track.Track, mode HouseMode) bool {
			return hasFlag(t, "water_leak")
		},
		Build: func(t *track.Track, mode HouseMode) SecurityEvent {
			return baseEvent(t, mode, "R16", EventTypeWaterLeak, SeverityHigh, []string{"water_leak"})
		},
	},
	{
		// R1 — door-contact open plus PIR/indoor-motion within 30s, armed
		// AWAY or NIGHT.
		ID:       "R1",
		Priority: priorityBreakIn,
		Matches: func(t *track.Track, mode HouseMode) bool {
			if !armedAwayOrNight(mode) {
				return false
			}
			doors := eventsOfKind(t, "door_contact")
			motions := eventsOfKind(t, "pir")
			return anyWithinWindow(doors, motions, doorMotionWindow)
		},
		Build: func(t *track.Track, mode HouseMode) SecurityEvent {
			ev := baseEvent(t, mode, "R1", EventTypeBreakInAttempt, SeverityHigh, []string{"door_contact_open", "indoor_motion"})
			ev.MLScore = 1.0 // deterministic hard-sensor correlation, not a camera-AI estimate
			return ev
		},
	},
	{
		// R2 — glass-break within 45s of a person detection on the same
		// entry point, any mode.
		ID:       "R2",
		Priority: priorityBreakIn,
		Matches: func(t *track.Track, mode HouseMode) bool {
			glass := eventsOfKind(t, "glass_break")
			persons := eventsWithFlag(t, "person")
			return anyWithinWindow(glass, persons, glassPersonWindow)
		},
		Build: func(t *track.Track, mode HouseMode) SecurityEvent {
			ev := baseEvent(t, mode, "R2", EventTypeBreakInAttempt, SeverityHigh, []string{"glass_break", "person_detected"})
			ev.GlassBreakFlag = true
			ev.MLScore = 1.0 // deterministic hard-sensor correlation, not a camera-AI estimate
			return ev
		},
	},
	{
		// R3 — explicit intrusion flag from a camera AI while AWAY/NIGHT.
		ID:       "R3",
		Priority: priorityBreakIn,
		Matches: func(t *track.Track, mode HouseMode) bool {
			return armedAwayOrNight(mode) && hasFlag(t, "intrusion")
		},
		Build: func(t *track.Track, mode HouseMode) SecurityEvent {
			ev := baseEvent(t, mode, "R3", EventTypeBreakInAttempt, SeverityHigh, []string{"intrusion_flag"})
			ev.MLScore = 1.0 // explicit camera intrusion flag, treated as full confidence
			return ev
		},
	},
	{
		// R4 — glass-break with no person detection within the same
		// correlation window: perimeter damage, not break-in.
		ID:       "R4",
		Priority: priorityPerimeter,
		Matches: func(t *track.Track, mode HouseMode) bool {
			glass := eventsOfKind(t, "glass_break")
			if len(glass) == 0 {
				return false
			}
			persons := eventsWithFlag(t, "person")
			return !anyWithinWindow(glass, persons, glassPersonWindow)
		},
		Build: func(t *track.Track, mode HouseMode) SecurityEvent {
			ev := baseEvent(t, mode, "R4", EventTypePerimeterDamage, SeverityHigh, []string{"glass_break_no_person"})
			ev.GlassBreakFlag = true
			return ev
		},
	},
	{
		// R6 — person dwell in PRIVATE >= 20s, or RESTRICTED >= 10s.
		ID:       "R6",
		Priority: priorityThreat,
		Matches: func(t *track.Track, mode HouseMode) bool {
			return t.DwellByPrivacy[normalize.PrivacyPrivate] >= dwellPrivateSec ||
				t.DwellByPrivacy[normalize.PrivacyRestricted] >= dwellRestrictedSec
		},
		Build: func(t *track.Track, mode HouseMode) SecurityEvent {
			ev := baseEvent(t, mode, "R6", EventTypeSuspiciousPerson, SeverityHigh, []string{"privacy_dwell"})
			ev.Explain.CriticalDwell = t.DwellByPrivacy[normalize.PrivacyRestricted] >= dwellRestrictedSec
			return ev
		},
	},
	{
		// R7 — camera AI loitering flag while in PRIVATE or RESTRICTED.
		ID:       "R7",
		Priority: priorityThreat,
		Matches: func(t *track.Track, mode HouseMode) bool {
			return hasFlag(t, "loitering") && t.MaxPrivacy >= normalize.PrivacyPrivate
		},
		Build: func(t *track.Track, mode HouseMode) SecurityEvent {
			return baseEvent(t, mode, "R7", EventTypeSuspiciousPerson, SeverityHigh, []string{"loitering_flag"})
		},
	},
	{
		// R9 — vehicle dwell in DRIVEWAY >= 120s (severe >= 300s).
		ID:       "R9",
		Priority: priorityVehicle,
		Matches: func(t *track.Track, mode HouseMode) bool {
			return t.ObjectTypes["camera-vehicle"] && inZone(t, "DRIVEWAY") && vehicleDwell(t) >= vehicleDwellSec
		},
		Build: func(t *track.Track, mode HouseMode) SecurityEvent {
			sev := SeverityMedium
			if vehicleDwell(t) >= vehicleDwellSevere {
				sev = SeverityHigh
			}
			ev := baseEvent(t, mode, "R9", EventTypeSuspiciousVehicle, sev, []string{"vehicle_dwell_driveway"})
			ev.Explain.CriticalDwell = vehicleDwell(t) >= vehicleDwellSevere
			return ev
		},
	},
	{
		// R11 — mic-unusual while armed AWAY or NIGHT.
		ID:       "R11",
		Priority: priorityNoise,
		Matches: func(t *track.Track, mode HouseMode) bool {
			return armedAwayOrNight(mode) && hasKind(t, "mic_unusual")
		},
		Build: func(t *track.Track, mode HouseMode) SecurityEvent {
			return baseEvent(t, mode, "R11", EventTypeUnusualNoise, SeverityMedium, []string{"mic_unusual"})
		},
	},
	{
		// R12 — camera-package transition into "delivered".
		ID:       "R12",
		Priority: priorityPackage,
		Matches: func(t *track.Track, mode HouseMode) bool {
			return hasFlag(t, "package_delivered")
		},
		Build: func(t *track.Track, mode HouseMode) SecurityEvent {
			return baseEvent(t, mode, "R12", EventTypePackageDelivered, SeverityLow, []string{"package_delivered"})
		},
	},
	{
		// R13 — camera-package transition into "taken".
		ID:       "R13",
		Priority: priorityPackage,
		Matches: func(t *track.Track, mode HouseMode) bool {
			return hasFlag(t, "package_taken")
		},
		Build: func(t *track.Track, mode HouseMode) SecurityEvent {
			return baseEvent(t, mode, "R13", EventTypePackageTaken, SeverityLow, []string{"package_taken"})
		},
	},
	{
		// R99 — any motion when no higher-priority rule fired.
		ID:       "R99",
		Priority: priorityMotionFallback,
		Matches: func(t *track.Track, mode HouseMode) bool {
			return len(t.SensorEvents) > 0
		},
		Build: func(t *track.Track, mode HouseMode) SecurityEvent {
			return baseEvent(t, mode, "R99", EventTypeMotion, SeverityLow, []string{"fallback"})
		},
	},
}

// Evaluate runs the full priority-ordered table against t under mode and
// returns the highest-priority matching event. If the chain itself fully
// errors (never happens with the table above, which always closes with
// R99 given at least one sensor event), the motion/LOW fallback is
// returned with diagnostics populated, per the rule-evaluation error
// propagation policy.
func Evaluate(t *track.Track, mode HouseMode) SecurityEvent {
	for _, r := range Table {
		if r.Matches(t, mode) {
			return r.Build(t, mode)
		}
	}
	ev := baseEvent(t, mode, "R99", EventTypeMotion, SeverityLow, nil)
	ev.Explain.Diagnostics = "no rule matched; emitting fallback"
	return ev
}

// Upgrade returns true if candidate has strictly higher priority than
// current, meaning candidate should replace current. Equal or lower
// priority rules may never downgrade an already-fired event.
func Upgrade(currentRuleID string, candidateRuleID string) bool {
	return priorityOf(candidateRuleID) > priorityOf(currentRuleID)
}

func priorityOf(ruleID string) int {
	for _, r := range Table {
		if r.ID == ruleID {
			return r.Priority
		}
	}
	return priorityMotionFallback
}

func baseEvent(t *track.Track, mode HouseMode, ruleID string, et EventType, sev Severity, signals []string) SecurityEvent {
	return SecurityEvent{
		OccurredAt:   t.LastSeenAt,
		EventType:    et,
		Severity:     sev,
		RuleID:       ruleID,
		TrackRef:     t.ID,
		ZoneID:       lastZone(t),
		EntryPointID: t.EntryPointID,
		Explain: ExplainSummary{
			RuleID:     ruleID,
			KeySignals: signals,
			Mode:       mode,
		},
	}
}

func eventsOfKind(t *track.Track, kind string) []normalize.SensorEvent {
	var out []normalize.SensorEvent
	for _, ev := range t.SensorEvents {
		if ev.SensorKind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func hasKind(t *track.Track, kind string) bool {
	return len(eventsOfKind(t, kind)) > 0
}

func eventsWithFlag(t *track.Track, flag string) []normalize.SensorEvent {
	var out []normalize.SensorEvent
	for _, ev := range t.SensorEvents {
		if ev.Flags[flag] {
			out = append(out, ev)
		}
	}
	return out
}

func hasFlag(t *track.Track, flag string) bool {
	return len(eventsWithFlag(t, flag)) > 0
}

// anyWithinWindow reports whether any pair (a in as, b in bs) falls within
// window of each other. Correlation windows are inclusive of the start,
// exclusive of the end: a zero gap matches, a gap equal to window does not.
func anyWithinWindow(as, bs []normalize.SensorEvent, window time.Duration) bool {
	for _, a := range as {
		for _, b := range bs {
			gap := a.OccurredAt.Sub(b.OccurredAt)
			if gap < 0 {
				gap = -gap
			}
			if gap < window {
				return true
			}
		}
	}
	return false
}

func inZone(t *track.Track, zoneID string) bool {
	for _, z := range t.ZonesVisited {
		if z == zoneID {
			return true
		}
	}
	return false
}

// vehicleDwell sums dwell across all privacy buckets, since DRIVEWAY is
// typically SEMI_PRIVATE or PUBLIC and R9's threshold is about time spent,
// not privacy class.
func vehicleDwell(t *track.Track) time.Duration {
	var total time.Duration
	for _, d := range t.DwellByPrivacy {
		total += d
	}
	return total
}

func lastZone(t *track.Track) string {
	if len(t.PathSummary) == 0 {
		return ""
	}
	return t.PathSummary[len(t.PathSummary)-1]
}
