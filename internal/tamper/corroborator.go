// Package tamper evaluates Tamper-C (confirmed tamper) corroboration
// across independent camera failure domains.
//
// Tamper-C requires visual corroboration across an independent failure
// domain: cameras that share power or network are treated as a single
// failure domain by default, and only genuinely independent domains may
// corroborate each other. Camera Tier-0/1 must never escalate to
// Tamper-C regardless of how strong the corroborating signal looks.
package tamper

import (
	"sync"
	"time"

	"github.com/neighborguard/edge/internal/clock"
	"github.com/neighborguard/edge/internal/config"
)

// CameraTier mirrors security.CameraTier; duplicated here (rather than
// imported) to keep the tamper package free of a security dependency,
// since security depends on the corroboration result, not vice versa.
type CameraTier int

const (
	CameraTier0 CameraTier = iota
	CameraTier1
	CameraTier2
	CameraTier3
)

// CameraFailureDomain registers which power/PoE/network domain a camera
// belongs to. Two cameras are independent only if their domain IDs differ
// and both are explicitly marked independent; the default assumption for
// any unregistered or unmarked camera is "shared" — i.e., never
// independent — per spec.
type CameraFailureDomain struct {
	CameraID    string
	DomainID    string
	Independent bool
	Tier        CameraTier
}

// Path enumerates the four valid Tamper-C corroboration routes.
type Path int

const (
	PathNone Path = iota
	PathDualOfflineIndependent
	PathOfflinePlusObstruction
	PathOfflinePlusDoorContact
	PathOfflinePlusGlassBreak
)

func (p Path) String() string {
	switch p {
	case PathDualOfflineIndependent:
		return "dual_offline_independent"
	case PathOfflinePlusObstruction:
		return "offline_plus_obstruction"
	case PathOfflinePlusDoorContact:
		return "offline_plus_door_contact"
	case PathOfflinePlusGlassBreak:
		return "offline_plus_glass_break"
	default:
		return "none"
	}
}

type observation struct {
	cameraID   string
	recordedAt time.Time
}

// Corroborator tracks offline/obstruction/door-contact/glass-break
// observations per entry point and evaluates whether any of the four
// enumerated Tamper-C paths currently hold. Observations expire after
// ObservationTTL, mirroring a quorum evaluator's TTL-bounded active set.
type Corroborator struct {
	mu  sync.Mutex
	clk clock.Clock
	cfg config.TamperConfig

	domains map[string]CameraFailureDomain // cameraID -> domain

	offline      map[string][]observation // entryPointID -> camera offline observations
	obstruction  map[string][]observation
	doorContact  map[string]time.Time
	glassBreak   map[string]time.Time
}

// NewCorroborator creates a Corroborator bound to clk and cfg.
func NewCorroborator(clk clock.Clock, cfg config.TamperConfig) *Corroborator {
	return &Corroborator{
		clk:         clk,
		cfg:         cfg,
		domains:     make(map[string]CameraFailureDomain),
		offline:     make(map[string][]observation),
		obstruction: make(map[string][]observation),
		doorContact: make(map[string]time.Time),
		glassBreak:  make(map[string]time.Time),
	}
}

// RegisterCamera records a camera's failure-domain membership. Call this
// before evaluating corroboration for any entry point the camera covers.
func (c *Corroborator) RegisterCamera(d CameraFailureDomain) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.domains[d.CameraID] = d
}

// ReportOffline records that cameraID went offline for entryPointID.
func (c *Corroborator) ReportOffline(entryPointID, cameraID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(c.offline, entryPointID, cameraID)
}

// ReportObstruction records an obstruction/spray/hand detection by cameraID.
func (c *Corroborator) ReportObstruction(entryPointID, cameraID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(c.obstruction, entryPointID, cameraID)
}

// ReportDoorContactOpen records a door-contact-open signal for correlation.
func (c *Corroborator) ReportDoorContactOpen(entryPointID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.doorContact[entryPointID] = c.clk.Now()
}

// ReportGlassBreak records a glass-break signal for correlation.
func (c *Corroborator) ReportGlassBreak(entryPointID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.glassBreak[entryPointID] = c.clk.Now()
}

func (c *Corroborator) record(bucket map[string][]observation, entryPointID, cameraID string) {
	bucket[entryPointID] = append(bucket[entryPointID], observation{cameraID: cameraID, recordedAt: c.clk.Now()})
}

// Evaluate checks all four Tamper-C paths for entryPointID and returns the
// first that holds, along with whether escalation is legal for this
// entry point's cameras (false if every offline camera reporting is
// Tier-0/1, which must never escalate to Tamper-C, or unregistered).
func (c *Corroborator) Evaluate(entryPointID string) (Path, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	offline := c.activeLocked(c.offline[entryPointID], now, c.cfg.ObservationTTL)
	if len(offline) == 0 {
		return PathNone, true
	}

	eligible := c.eligibleLocked(offline)
	if len(eligible) == 0 {
		return PathNone, false
	}

	if path, ok := c.dualOfflineIndependentLocked(eligible, now); ok {
		return path, true
	}

	obstruction := c.activeLocked(c.obstruction[entryPointID], now, c.cfg.ObservationTTL)
	if c.offlinePlusObstructionLocked(eligible, obstruction) {
		return PathOfflinePlusObstruction, true
	}

	window := time.Duration(c.cfg.CorroborationWindowSec) * time.Second
	if t, ok := c.doorContact[entryPointID]; ok && withinWindow(offline, t, window) {
		return PathOfflinePlusDoorContact, true
	}
	if t, ok := c.glassBreak[entryPointID]; ok && withinWindow(offline, t, window) {
		return PathOfflinePlusGlassBreak, true
	}

	return PathNone, true
}

// eligibleLocked filters offline observations to cameras whose registered
// tier permits Tamper-C (Tier-2/3 only).
func (c *Corroborator) eligibleLocked(obs []observation) []observation {
	var out []observation
	for _, o := range obs {
		d, known := c.domains[o.cameraID]
		if !known {
			continue // unregistered camera: default-assume shared/ineligible
		}
		if d.Tier == CameraTier0 || d.Tier == CameraTier1 {
			continue
		}
		out = append(out, o)
	}
	return out
}

// dualOfflineIndependentLocked implements path (i): two cameras in
// independent failure domains both offline for at least
// DualOfflineIndependentSec.
func (c *Corroborator) dualOfflineIndependentLocked(offline []observation, now time.Time) (Path, bool) {
	threshold := time.Duration(c.cfg.DualOfflineIndependentSec) * time.Second
	for i := range offline {
		for j := range offline {
			if i == j {
				continue
			}
			a, b := offline[i], offline[j]
			if !c.independentLocked(a.cameraID, b.cameraID) {
				continue
			}
			if now.Sub(a.recordedAt) >= threshold && now.Sub(b.recordedAt) >= threshold {
				return PathDualOfflineIndependent, true
			}
		}
	}
	return PathNone, false
}

// offlinePlusObstructionLocked implements path (ii): one camera offline,
// a second (independent) camera reports obstruction/spray/hand.
func (c *Corroborator) offlinePlusObstructionLocked(offline, obstruction []observation) bool {
	for _, o := range offline {
		for _, b := range obstruction {
			if o.cameraID == b.cameraID {
				continue
			}
			if c.independentLocked(o.cameraID, b.cameraID) {
				return true
			}
		}
	}
	return false
}

// independentLocked reports whether two cameras belong to distinct,
// explicitly independent failure domains. The default assumption for any
// camera not marked independent is "shared" — this function only returns
// true when both cameras are registered, both marked independent, and
// their domain IDs differ.
func (c *Corroborator) independentLocked(camA, camB string) bool {
	a, okA := c.domains[camA]
	b, okB := c.domains[camB]
	if !okA || !okB {
		return false
	}
	return a.Independent && b.Independent && a.DomainID != b.DomainID
}

func (c *Corroborator) activeLocked(obs []observation, now time.Time, ttl time.Duration) []observation {
	var out []observation
	for _, o := range obs {
		if now.Sub(o.recordedAt) <= ttl {
			out = append(out, o)
		}
	}
	return out
}

func withinWindow(offline []observation, signalAt time.Time, window time.Duration) bool {
	for _, o := range offline {
		d := signalAt.Sub(o.recordedAt)
		if d < 0 {
			d = -d
		}
		if d < window {
			return true
		}
	}
	return false
}

// Prune removes observations and correlation signals older than
// ObservationTTL, across all tracked entry points. Call periodically from
// the owning entry point's timer tick, mirroring the evidence sweep and
// outbox retry loops rather than running its own background goroutine.
func (c *Corroborator) Prune() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	ttl := c.cfg.ObservationTTL
	for ep, obs := range c.offline {
		active := c.activeLocked(obs, now, ttl)
		if len(active) == 0 {
			delete(c.offline, ep)
		} else {
			c.offline[ep] = active
		}
	}
	for ep, obs := range c.obstruction {
		active := c.activeLocked(obs, now, ttl)
		if len(active) == 0 {
			delete(c.obstruction, ep)
		} else {
			c.obstruction[ep] = active
		}
	}
	window := time.Duration(c.cfg.CorroborationWindowSec) * time.Second
	for ep, t := range c.doorContact {
		if now.Sub(t) > window {
			delete(c.doorContact, ep)
		}
	}
	for ep, t := range c.glassBreak {
		if now.Sub(t) > window {
			delete(c.glassBreak, ep)
		}
	}
}
