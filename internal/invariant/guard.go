// Package invariant enforces the decision-core's non-negotiable
// invariants on every security-state transition: determinism (a decision
// must be reproducible from its recorded inputs), bounded inputs (every
// numeric parameter must fall within its declared range), audit-before-
// commit (a transition is never applied without its inputs recorded), and
// monotonic time. Guard does not check whether a transition is a legal
// edge; the security package's own transition table does that.
//
// A violation is fatal to the offending transition only: the caller drops
// the input and records an audit entry, per the decision core's error
// propagation policy. The state itself is never left in an inconsistent
// place. Strict mode turns a violation into a panic instead, so a logic bug surfaces immediately rather than being
// quietly logged.
package invariant

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ViolationType categorizes an invariant violation.
type ViolationType string

const (
	ViolationNonMonotonicTime   ViolationType = "non_monotonic_time"
	ViolationUnboundedParameter ViolationType = "unbounded_parameter"
	ViolationMissingAudit       ViolationType = "missing_audit_trail"
	ViolationNaNInf             ViolationType = "nan_inf_detected"
)

// Violation is a recorded invariant violation.
type Violation struct {
	Type      ViolationType          `json:"type"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context"`
}

func (v *Violation) Error() string {
	return fmt.Sprintf("invariant violation [%s]: %s", v.Type, v.Message)
}

// Decision is one audited security-state transition, carrying enough
// context to be independently reproduced and hash-chained.
type Decision struct {
	EntryPointID string                 `json:"entry_point_id"`
	FromState    string                 `json:"from_state"`
	ToState      string                 `json:"to_state"`
	Reason       string                 `json:"reason"`
	Score        float64                `json:"score"`
	Timestamp    time.Time              `json:"timestamp"`
	Inputs       map[string]interface{} `json:"inputs"`
	DecisionHash string                 `json:"decision_hash"`
	ParentHash   string                 `json:"parent_hash"`
	Valid        bool                   `json:"valid"`
}

// Bounds defines allowed ranges for decision parameters.
type Bounds struct {
	ScoreMin float64
	ScoreMax float64

	TimestampSkewTolerance time.Duration
}

// DefaultBounds returns production-grade parameter bounds.
func DefaultBounds() Bounds {
	return Bounds{
		ScoreMin:               0.0,
		ScoreMax:               1.0,
		TimestampSkewTolerance: 5 * time.Second,
	}
}

// Guard enforces invariants on every decision-core transition. The daemon
// allocates one Guard per entry point (one for its security.Machine, one
// for its rule-fire path), not a single shared instance, since the
// monotonic-timestamp check tracks one hash-chained sequence and the spec
// gives no ordering guarantee between independent entry points' event
// streams — sharing one Guard across them would produce spurious
// non-monotonic rejections whenever two entry points' signals interleave.
type Guard struct {
	mu sync.Mutex

	bounds Bounds
	log    *zap.Logger
	strict bool

	lastTimestamp    time.Time
	lastDecisionHash string
	violationCount   int64
	verifiedCount    int64
}

// NewGuard creates a Guard with default bounds.
func NewGuard(log *zap.Logger, strict bool) *Guard {
	return &Guard{
		bounds: DefaultBounds(),
		log:    log,
		strict: strict,
	}
}

// Validate enforces every invariant on decision, stamping its hash and
// parent hash on success. On a violation, the decision is left invalid
// and the error describes which invariant failed; the caller must drop
// the offending input rather than apply the transition.
func (g *Guard) Validate(decision *Decision) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.checkMonotonic(decision.Timestamp); err != nil {
		return g.handleViolation(err)
	}
	if err := g.checkBounds(decision); err != nil {
		return g.handleViolation(err)
	}
	if decision.Inputs == nil || len(decision.Inputs) == 0 {
		err := &Violation{
			Type:      ViolationMissingAudit,
			Message:   "decision inputs not recorded",
			Timestamp: time.Now(),
			Context:   map[string]interface{}{"entry_point_id": decision.EntryPointID},
		}
		return g.handleViolation(err)
	}

	hash, err := computeDecisionHash(decision)
	if err != nil {
		return fmt.Errorf("invariant: compute decision hash: %w", err)
	}
	decision.DecisionHash = hash
	decision.ParentHash = g.lastDecisionHash
	g.lastDecisionHash = hash
	g.lastTimestamp = decision.Timestamp
	g.verifiedCount++
	decision.Valid = true

	g.log.Debug("invariant: decision validated",
		zap.String("entry_point_id", decision.EntryPointID),
		zap.String("to_state", decision.ToState),
		zap.String("hash", hash[:16]))
	return nil
}

func (g *Guard) checkMonotonic(ts time.Time) error {
	if ts.Before(g.lastTimestamp) {
		return &Violation{
			Type:      ViolationNonMonotonicTime,
			Message:   fmt.Sprintf("time went backwards: %v < %v", ts, g.lastTimestamp),
			Timestamp: time.Now(),
			Context: map[string]interface{}{
				"current":  ts.Format(time.RFC3339Nano),
				"previous": g.lastTimestamp.Format(time.RFC3339Nano),
			},
		}
	}
	if skew := ts.Sub(g.lastTimestamp); skew > g.bounds.TimestampSkewTolerance {
		g.log.Warn("invariant: large timestamp skew",
			zap.Duration("skew", skew), zap.Duration("tolerance", g.bounds.TimestampSkewTolerance))
	}
	return nil
}

func (g *Guard) checkBounds(decision *Decision) error {
	if math.IsNaN(decision.Score) || math.IsInf(decision.Score, 0) {
		return &Violation{
			Type:      ViolationNaNInf,
			Message:   fmt.Sprintf("score is NaN or Inf: %f", decision.Score),
			Timestamp: time.Now(),
			Context:   map[string]interface{}{"entry_point_id": decision.EntryPointID},
		}
	}
	if decision.Score < g.bounds.ScoreMin || decision.Score > g.bounds.ScoreMax {
		return &Violation{
			Type:      ViolationUnboundedParameter,
			Message:   fmt.Sprintf("score %.4f outside bounds [%.2f, %.2f]", decision.Score, g.bounds.ScoreMin, g.bounds.ScoreMax),
			Timestamp: time.Now(),
			Context: map[string]interface{}{
				"parameter": "score", "value": decision.Score,
				"min": g.bounds.ScoreMin, "max": g.bounds.ScoreMax,
			},
		}
	}
	for k, v := range decision.Inputs {
		f, ok := v.(float64)
		if !ok {
			continue
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return &Violation{
				Type:      ViolationNaNInf,
				Message:   fmt.Sprintf("input %q is NaN or Inf: %f", k, f),
				Timestamp: time.Now(),
				Context:   map[string]interface{}{"entry_point_id": decision.EntryPointID, "input": k},
			}
		}
	}
	return nil
}

// computeDecisionHash hashes the canonical JSON form of the decision's
// reproducible fields — the determinism and reproducibility invariant.
func computeDecisionHash(decision *Decision) (string, error) {
	canonical := map[string]interface{}{
		"entry_point_id": decision.EntryPointID,
		"from_state":     decision.FromState,
		"to_state":       decision.ToState,
		"reason":         decision.Reason,
		"score":          fmt.Sprintf("%.8f", decision.Score),
		"timestamp":      decision.Timestamp.UnixNano(),
		"inputs":         decision.Inputs,
	}
	jsonBytes, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("marshal decision: %w", err)
	}
	hash := sha256.Sum256(jsonBytes)
	return hex.EncodeToString(hash[:]), nil
}

func (g *Guard) handleViolation(err error) error {
	g.violationCount++

	violation, ok := err.(*Violation)
	if !ok {
		violation = &Violation{Type: "unknown", Message: err.Error(), Timestamp: time.Now()}
	}

	g.log.Error("invariant violation",
		zap.String("type", string(violation.Type)),
		zap.String("message", violation.Message),
		zap.Any("context", violation.Context),
		zap.Int64("total_violations", g.violationCount))

	if g.strict {
		panic(fmt.Sprintf("invariant violation in strict mode: %v", violation))
	}
	return violation
}

// Stats summarizes Guard activity, for the local diagnostic page.
type Stats struct {
	DecisionsVerified int64  `json:"decisions_verified"`
	ViolationCount    int64  `json:"violation_count"`
	LastDecisionHash  string `json:"last_decision_hash"`
}

// Stats returns current Guard statistics.
func (g *Guard) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{
		DecisionsVerified: g.verifiedCount,
		ViolationCount:    g.violationCount,
		LastDecisionHash:  g.lastDecisionHash,
	}
}
