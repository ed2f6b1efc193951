// Package notify implements the notification-policy safety-floor layer:
// it maps (rule, event type, severity, house mode, ML score, glass-break
// flag) to a user-visible notification level, HIGH/NORMAL/NONE.
//
// The decision is a two-stage idiom: first compute a single bias-adjusted
// scalar score, then classify it against the active mode's threshold
// table. A final safety pass may only raise the computed level, never
// lower it: fire/CO always floors to HIGH, and break-in, glass-break, and
// water-leak always floor to at least NORMAL. Safety floors apply
// regardless of user notification preference; a user may still silence
// their own device (see ShouldSuppressForUser), but the event itself is
// always recorded at the floor level.
package notify

import (
	"go.uber.org/zap"

	"github.com/neighborguard/edge/internal/config"
	"github.com/neighborguard/edge/internal/rules"
)

// Level is the user-visible notification urgency.
type Level int

const (
	LevelNone Level = iota
	LevelNormal
	LevelHigh
)

func (l Level) String() string {
	switch l {
	case LevelHigh:
		return "HIGH"
	case LevelNormal:
		return "NORMAL"
	default:
		return "NONE"
	}
}

// Input bundles everything the policy needs to classify one SecurityEvent.
type Input struct {
	RuleID     string
	EventType  rules.EventType
	Severity   rules.Severity
	Mode       rules.HouseMode
	MLScore    float64 // 0..1, externally supplied
	GlassBreak bool
}

// isBreakInRule reports whether ruleID is one of the break-in rules
// (R1-R3), which always floor to at least NORMAL regardless of score.
func isBreakInRule(ruleID string) bool {
	return ruleID == "R1" || ruleID == "R2" || ruleID == "R3"
}

// Policy evaluates notification level from configured mode thresholds and
// severity bias.
type Policy struct {
	cfg config.NotificationConfig
	log *zap.Logger
}

// NewPolicy creates a Policy bound to the given configuration.
func NewPolicy(cfg config.NotificationConfig, log *zap.Logger) *Policy {
	return &Policy{cfg: cfg, log: log}
}

// Classify computes the notification level for in.
func (p *Policy) Classify(in Input) Level {
	score := p.biasedScore(in)
	thresholds := p.thresholdsFor(in.Mode)

	level := LevelNone
	switch {
	case score >= thresholds.HighThreshold:
		level = LevelHigh
	case score >= thresholds.NormalThreshold:
		level = LevelNormal
	}

	return p.applyFloors(in, level)
}

// ShouldSuppressForUser reports whether, given night_mode_high_only and the
// user's own device settings, this notification should be silenced on the
// user's device at NIGHT. This never changes the recorded level returned by
// Classify — the event remains on record at its floor level regardless.
func (p *Policy) ShouldSuppressForUser(in Input, level Level) bool {
	return in.Mode == rules.ModeNight && p.cfg.NightModeHighOnly && level == LevelNormal
}

// biasedScore adjusts the raw ML score by the configured severity bias:
// HIGH severity raises the effective score, LOW severity lowers it,
// reflecting that the rule engine's own classification should shift where
// an otherwise-middling score lands, without ever being the sole input.
func (p *Policy) biasedScore(in Input) float64 {
	score := in.MLScore
	switch in.Severity {
	case rules.SeverityHigh:
		score += p.cfg.SeverityBiasHigh
	case rules.SeverityLow:
		score += p.cfg.SeverityBiasLow
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

func (p *Policy) thresholdsFor(mode rules.HouseMode) config.ModeThresholds {
	switch mode {
	case rules.ModeDisarmed:
		return p.cfg.Disarmed
	case rules.ModeHome:
		return p.cfg.Home
	case rules.ModeAway:
		return p.cfg.Away
	case rules.ModeNight:
		return p.cfg.Night
	default:
		return p.cfg.Home
	}
}

// applyFloors raises (never lowers) the computed level for the safety
// floors the policy must always honor: fire/CO floors to HIGH; break-in
// (R1-R3), glass-break, and water-leak floor to at least NORMAL.
func (p *Policy) applyFloors(in Input, level Level) Level {
	if (in.EventType == rules.EventTypeFire || in.EventType == rules.EventTypeCO) && level != LevelHigh {
		p.log.Debug("notify: raising floor for fire/co", zap.String("rule_id", in.RuleID))
		level = LevelHigh
	}
	if (isBreakInRule(in.RuleID) || in.GlassBreak || in.EventType == rules.EventTypeWaterLeak) && level < LevelNormal {
		p.log.Debug("notify: raising floor to normal", zap.String("rule_id", in.RuleID))
		level = LevelNormal
	}
	return level
}
