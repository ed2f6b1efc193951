// Package normalize maps vendor-specific sensor and camera payloads into
// the canonical SensorEvent used by the rest of the pipeline.
//
// Unknown vendor states fall through a configurable binding table to
// "ignore and log" rather than being guessed at; zone_id and privacy_level
// always come from the binding table, never from the raw source payload.
// Clock skew beyond the configured tolerance always warns, never silently
// suppresses the signal.
package normalize

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/neighborguard/edge/internal/clock"
)

// PrivacyLevel ranks sensor zones by how much visibility they expose.
type PrivacyLevel int

const (
	PrivacyPublic PrivacyLevel = iota
	PrivacySemiPrivate
	PrivacyPrivate
	PrivacyRestricted
)

// Max returns the pointwise supremum of two privacy levels.
func (p PrivacyLevel) Max(other PrivacyLevel) PrivacyLevel {
	if other > p {
		return other
	}
	return p
}

func (p PrivacyLevel) String() string {
	switch p {
	case PrivacyPublic:
		return "PUBLIC"
	case PrivacySemiPrivate:
		return "SEMI_PRIVATE"
	case PrivacyPrivate:
		return "PRIVATE"
	case PrivacyRestricted:
		return "RESTRICTED"
	default:
		return "UNKNOWN"
	}
}

// SensorEvent is the canonical, immutable form every vendor payload is
// normalized into before entering the track aggregator.
type SensorEvent struct {
	EventID       string
	DeviceID      string
	SensorKind    string
	ZoneID        string
	EntryPointID  string // optional; empty if this sensor is not entry-point bound
	PrivacyLevel  PrivacyLevel
	OccurredAt    time.Time
	Flags         map[string]bool
	RawPayloadRef string // optional opaque reference, never the raw payload itself
}

// ZoneBinding is one row of the vendor-state binding table: it tells the
// normalizer which zone and privacy level a given device belongs to,
// independent of whatever the vendor payload itself claims.
type ZoneBinding struct {
	DeviceID     string
	ZoneID       string
	EntryPointID string
	PrivacyLevel PrivacyLevel
}

// triggerTokens is the canonical set of vendor state tokens that indicate
// an active/triggered signal, matched case-insensitively.
var triggerTokens = map[string]bool{
	"on": true, "open": true, "detected": true, "triggered": true,
	"motion": true, "active": true, "present": true, "true": true,
	"1": true, "person": true, "vehicle": true, "package": true, "animal": true,
}

// IsTriggerToken reports whether the given raw vendor token (lowercased by
// the caller) indicates an active signal.
func IsTriggerToken(token string) bool {
	return triggerTokens[token]
}

// Normalizer maps raw vendor payloads to SensorEvent using a reloadable
// per-device binding table.
type Normalizer struct {
	clock         clock.Clock
	log           *zap.Logger
	skewThreshold time.Duration

	bindings map[string]ZoneBinding // deviceID -> binding
}

// NewNormalizer creates a Normalizer with the given binding table.
func NewNormalizer(c clock.Clock, log *zap.Logger, skewThreshold time.Duration, bindings []ZoneBinding) *Normalizer {
	n := &Normalizer{
		clock:         c,
		log:           log,
		skewThreshold: skewThreshold,
		bindings:      make(map[string]ZoneBinding, len(bindings)),
	}
	for _, b := range bindings {
		n.bindings[b.DeviceID] = b
	}
	return n
}

// SetBindings atomically replaces the binding table (used by the local
// API's PUT /local/bindings).
func (n *Normalizer) SetBindings(bindings []ZoneBinding) {
	m := make(map[string]ZoneBinding, len(bindings))
	for _, b := range bindings {
		m[b.DeviceID] = b
	}
	n.bindings = m
}

// RawSignal is the vendor-facing input to Normalize: a device ID, a raw
// state token, a vendor timestamp, and any vendor-specific flags.
type RawSignal struct {
	DeviceID   string
	SensorKind string
	StateToken string
	OccurredAt time.Time
	Flags      map[string]bool
}

// Normalize converts a RawSignal into a canonical SensorEvent.
// Returns (event, true) on success, or (zero, false) if the device has no
// binding (unknown vendor state falls through to ignore+log) or the state
// token is not a recognized trigger token.
func (n *Normalizer) Normalize(raw RawSignal) (SensorEvent, bool) {
	binding, known := n.bindings[raw.DeviceID]
	if !known {
		n.log.Warn("normalize: unbound device, ignoring signal",
			zap.String("device_id", raw.DeviceID))
		return SensorEvent{}, false
	}

	if !IsTriggerToken(normalizeToken(raw.StateToken)) {
		n.log.Debug("normalize: non-trigger token, ignoring",
			zap.String("device_id", raw.DeviceID),
			zap.String("token", raw.StateToken))
		return SensorEvent{}, false
	}

	n.checkClockSkew(raw)

	return SensorEvent{
		EventID:      uuid.NewString(),
		DeviceID:     raw.DeviceID,
		SensorKind:   raw.SensorKind,
		ZoneID:       binding.ZoneID,
		EntryPointID: binding.EntryPointID,
		PrivacyLevel: binding.PrivacyLevel,
		OccurredAt:   raw.OccurredAt,
		Flags:        raw.Flags,
	}, true
}

func (n *Normalizer) checkClockSkew(raw RawSignal) {
	skew := n.clock.Now().Sub(raw.OccurredAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > n.skewThreshold {
		n.log.Warn("normalize: clock skew beyond tolerance",
			zap.String("device_id", raw.DeviceID),
			zap.Duration("skew", skew),
			zap.Duration("tolerance", n.skewThreshold))
	}
}

func normalizeToken(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
