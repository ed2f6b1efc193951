// Package track aggregates normalized SensorEvents into Tracks: a Track
// groups signals believed to originate from the same visit, within a
// sliding time window, and accumulates the zones visited, a deduplicated
// path summary, dwell-by-privacy accounting, and the pointwise maximum
// privacy level observed.
//
// Tracks are addressed by a stable TrackID handed out from an arena map,
// not by pointer, so that a SecurityEvent's track_ref remains valid after
// the track that produced it has closed.
package track

import (
	"time"

	"github.com/neighborguard/edge/internal/normalize"
)

// TrackID stably addresses a Track even after it has closed.
type TrackID string

// Track is the aggregated view of signals joined within one visit.
type Track struct {
	ID             TrackID
	CreatedAt      time.Time
	LastSeenAt     time.Time
	EntryPointID   string
	ZonesVisited   []string // insertion-ordered, deduplicated
	PathSummary    []string // adjacent-deduplicated zone sequence
	MaxPrivacy     normalize.PrivacyLevel
	DwellByPrivacy map[normalize.PrivacyLevel]time.Duration
	ObjectTypes    map[string]bool
	SensorEvents   []normalize.SensorEvent
	Closed         bool

	lastZoneEnteredAt time.Time
	lastZone          string
	lastZonePrivacy   normalize.PrivacyLevel
}

// Aggregator owns all open and recently closed tracks for one entry point.
// It is meant to be driven from a single-threaded decision core (one
// instance per entry point), so it holds no internal locking.
type Aggregator struct {
	trackGap    time.Duration
	trackWindow time.Duration

	arena  map[TrackID]*Track
	open   *TrackID // at most one open track at a time per entry point
	seq    uint64
	prefix string
}

// NewAggregator creates an Aggregator for one entry point.
func NewAggregator(entryPointID string, trackGap, trackWindow time.Duration) *Aggregator {
	return &Aggregator{
		trackGap:    trackGap,
		trackWindow: trackWindow,
		arena:       make(map[TrackID]*Track),
		prefix:      entryPointID,
	}
}

// Ingest joins ev into the most recent open track if within TrackGap,
// otherwise opens a new track. Returns the track's ID and whether any
// tracked field changed as a result (always true on successful ingest).
// Deterministic given identical inputs and clock.
func (a *Aggregator) Ingest(ev normalize.SensorEvent) (TrackID, bool) {
	if a.open != nil {
		t := a.arena[*a.open]
		gapExceeded := ev.OccurredAt.Sub(t.LastSeenAt) > a.trackGap
		windowExceeded := ev.OccurredAt.Sub(t.CreatedAt) > a.trackWindow
		if gapExceeded || windowExceeded {
			a.closeTrack(t)
			a.open = nil
		}
	}

	if a.open == nil {
		id := a.newTrackID(ev.OccurredAt)
		t := &Track{
			ID:             id,
			CreatedAt:      ev.OccurredAt,
			LastSeenAt:     ev.OccurredAt,
			EntryPointID:   ev.EntryPointID,
			DwellByPrivacy: make(map[normalize.PrivacyLevel]time.Duration),
			ObjectTypes:    make(map[string]bool),
		}
		a.arena[id] = t
		a.open = &id
	}

	t := a.arena[*a.open]
	a.applySignal(t, ev)
	return t.ID, true
}

// applySignal accounts dwell against the privacy level of the *previous*
// segment, at the moment the zone changes — per spec §4.2, dwell is
// bucketed by the zone actually occupied during the elapsed span, not by
// the track's running max-privacy supremum (which only ever increases and
// would otherwise misattribute pre-entry dwell to a privacy class reached
// later in the same track).
func (a *Aggregator) applySignal(t *Track, ev normalize.SensorEvent) {
	zoneChanged := t.lastZone != "" && t.lastZone != ev.ZoneID
	if zoneChanged && !t.lastZoneEnteredAt.IsZero() {
		t.DwellByPrivacy[t.lastZonePrivacy] += ev.OccurredAt.Sub(t.lastZoneEnteredAt)
	}

	if !containsString(t.ZonesVisited, ev.ZoneID) {
		t.ZonesVisited = append(t.ZonesVisited, ev.ZoneID)
	}
	if len(t.PathSummary) == 0 || t.PathSummary[len(t.PathSummary)-1] != ev.ZoneID {
		t.PathSummary = append(t.PathSummary, ev.ZoneID)
	}

	t.MaxPrivacy = t.MaxPrivacy.Max(ev.PrivacyLevel)
	t.SensorEvents = append(t.SensorEvents, ev)
	t.LastSeenAt = ev.OccurredAt

	if objType, ok := ev.Flags["object_type"]; ok && objType {
		t.ObjectTypes[ev.SensorKind] = true
	}

	if zoneChanged || t.lastZone == "" {
		t.lastZone = ev.ZoneID
		t.lastZoneEnteredAt = ev.OccurredAt
		t.lastZonePrivacy = ev.PrivacyLevel
	}
}

// AccrueOpenDwell folds the elapsed time in the currently occupied zone
// into DwellByPrivacy as of now, without requiring a new signal. Callers
// (e.g. the rule engine, evaluating dwell thresholds on an update tick)
// should call this before reading DwellByPrivacy so an in-progress
// segment's dwell is visible before the zone changes or the track closes.
func (a *Aggregator) AccrueOpenDwell(now time.Time) {
	if a.open == nil {
		return
	}
	t := a.arena[*a.open]
	if t.lastZone == "" || t.lastZoneEnteredAt.IsZero() || now.Before(t.lastZoneEnteredAt) {
		return
	}
	elapsed := now.Sub(t.lastZoneEnteredAt)
	t.DwellByPrivacy[t.lastZonePrivacy] += elapsed
	t.lastZoneEnteredAt = now
}

// CloseExpired force-closes the open track if it has exceeded TrackGap or
// TrackWindow as of now, without requiring a new signal to trigger it.
// Call periodically from the entry point's timer tick.
func (a *Aggregator) CloseExpired(now time.Time) (TrackID, bool) {
	if a.open == nil {
		return "", false
	}
	t := a.arena[*a.open]
	if now.Sub(t.LastSeenAt) > a.trackGap || now.Sub(t.CreatedAt) > a.trackWindow {
		id := t.ID
		a.closeTrack(t)
		a.open = nil
		return id, true
	}
	return "", false
}

func (a *Aggregator) closeTrack(t *Track) {
	t.Closed = true
}

// Get returns the track for id, if still held in the arena.
func (a *Aggregator) Get(id TrackID) (*Track, bool) {
	t, ok := a.arena[id]
	return t, ok
}

// Current returns the currently open track, if any.
func (a *Aggregator) Current() (*Track, bool) {
	if a.open == nil {
		return nil, false
	}
	t := a.arena[*a.open]
	return t, true
}

func (a *Aggregator) newTrackID(at time.Time) TrackID {
	a.seq++
	return TrackID(a.prefix + "/" + at.UTC().Format(time.RFC3339Nano) + "/" + itoa(a.seq))
}

func containsString(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

func itoa(u uint64) string {
	if u == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for u > 0 {
		i--
		buf[i] = byte('0' + u%10)
		u /= 10
	}
	return string(buf[i:])
}
