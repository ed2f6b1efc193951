package track

import (
	"testing"
	"time"

	"github.com/neighborguard/edge/internal/normalize"
)

func mkEvent(zone string, privacy normalize.PrivacyLevel, at time.Time) normalize.SensorEvent {
	return normalize.SensorEvent{
		EventID:      "evt-" + at.String(),
		DeviceID:     "dev-1",
		SensorKind:   "pir",
		ZoneID:       zone,
		EntryPointID: "front_door",
		PrivacyLevel: privacy,
		OccurredAt:   at,
		Flags:        map[string]bool{},
	}
}

func TestIngest_OpensNewTrackWhenNoneOpen(t *testing.T) {
	a := NewAggregator("front_door", 60*time.Second, 120*time.Second)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	id, changed := a.Ingest(mkEvent("YARD", normalize.PrivacyPublic, base))
	if !changed {
		t.Fatal("expected changed=true on first ingest")
	}
	tr, ok := a.Get(id)
	if !ok {
		t.Fatal("expected track to exist")
	}
	if tr.CreatedAt != base {
		t.Errorf("expected CreatedAt %v, got %v", base, tr.CreatedAt)
	}
}

func TestIngest_JoinsWithinTrackGap(t *testing.T) {
	a := NewAggregator("front_door", 60*time.Second, 120*time.Second)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	id1, _ := a.Ingest(mkEvent("YARD", normalize.PrivacyPublic, base))
	id2, _ := a.Ingest(mkEvent("YARD", normalize.PrivacyPublic, base.Add(30*time.Second)))

	if id1 != id2 {
		t.Fatalf("expected events within TRACK_GAP to join the same track, got %s and %s", id1, id2)
	}
}

func TestIngest_OpensNewTrackAfterGapExceeded(t *testing.T) {
	a := NewAggregator("front_door", 60*time.Second, 120*time.Second)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	id1, _ := a.Ingest(mkEvent("YARD", normalize.PrivacyPublic, base))
	id2, _ := a.Ingest(mkEvent("YARD", normalize.PrivacyPublic, base.Add(61*time.Second)))

	if id1 == id2 {
		t.Fatal("expected a new track once TRACK_GAP is exceeded")
	}
	tr1, _ := a.Get(id1)
	if !tr1.Closed {
		t.Error("expected the first track to be closed once superseded")
	}
}

func TestIngest_OpensNewTrackWhenWindowExceeded(t *testing.T) {
	a := NewAggregator("front_door", 60*time.Second, 120*time.Second)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	id1, _ := a.Ingest(mkEvent("YARD", normalize.PrivacyPublic, base))
	a.Ingest(mkEvent("YARD", normalize.PrivacyPublic, base.Add(60*time.Second)))
	a.Ingest(mkEvent("YARD", normalize.PrivacyPublic, base.Add(120*time.Second)))
	// Within TRACK_GAP of the previous event, but beyond TRACK_WINDOW of CreatedAt.
	id2, _ := a.Ingest(mkEvent("YARD", normalize.PrivacyPublic, base.Add(121*time.Second)))

	if id1 == id2 {
		t.Fatal("expected a new track once TRACK_WINDOW is exceeded from CreatedAt")
	}
}

func TestMaxPrivacy_IsPointwiseSupremum(t *testing.T) {
	a := NewAggregator("front_door", 60*time.Second, 120*time.Second)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	id, _ := a.Ingest(mkEvent("YARD", normalize.PrivacySemiPrivate, base))
	a.Ingest(mkEvent("BACK_YARD", normalize.PrivacyPrivate, base.Add(5*time.Second)))
	a.Ingest(mkEvent("YARD", normalize.PrivacyPublic, base.Add(10*time.Second)))

	tr, _ := a.Get(id)
	if tr.MaxPrivacy != normalize.PrivacyPrivate {
		t.Errorf("expected max privacy PRIVATE, got %s", tr.MaxPrivacy)
	}
}

func TestPathSummary_DedupsAdjacentZones(t *testing.T) {
	a := NewAggregator("front_door", 60*time.Second, 120*time.Second)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	id, _ := a.Ingest(mkEvent("YARD", normalize.PrivacyPublic, base))
	a.Ingest(mkEvent("YARD", normalize.PrivacyPublic, base.Add(1*time.Second)))
	a.Ingest(mkEvent("DRIVEWAY", normalize.PrivacySemiPrivate, base.Add(2*time.Second)))
	a.Ingest(mkEvent("DRIVEWAY", normalize.PrivacySemiPrivate, base.Add(3*time.Second)))
	a.Ingest(mkEvent("YARD", normalize.PrivacyPublic, base.Add(4*time.Second)))

	tr, _ := a.Get(id)
	want := []string{"YARD", "DRIVEWAY", "YARD"}
	if len(tr.PathSummary) != len(want) {
		t.Fatalf("expected path summary %v, got %v", want, tr.PathSummary)
	}
	for i, z := range want {
		if tr.PathSummary[i] != z {
			t.Errorf("path_summary[%d] = %s, want %s", i, tr.PathSummary[i], z)
		}
	}
}

func TestDwellByPrivacy_AccruesOnZoneChange(t *testing.T) {
	a := NewAggregator("front_door", 60*time.Second, 120*time.Second)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	id, _ := a.Ingest(mkEvent("BACK_YARD", normalize.PrivacyPrivate, base))
	a.Ingest(mkEvent("DRIVEWAY", normalize.PrivacySemiPrivate, base.Add(20*time.Second)))

	tr, _ := a.Get(id)
	if tr.DwellByPrivacy[normalize.PrivacyPrivate] != 20*time.Second {
		t.Errorf("expected 20s dwell in PRIVATE, got %v", tr.DwellByPrivacy[normalize.PrivacyPrivate])
	}
}

func TestAccrueOpenDwell_FoldsInProgressSegment(t *testing.T) {
	a := NewAggregator("front_door", 60*time.Second, 120*time.Second)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	id, _ := a.Ingest(mkEvent("BACK_YARD", normalize.PrivacyRestricted, base))
	a.AccrueOpenDwell(base.Add(15 * time.Second))

	tr, _ := a.Get(id)
	if tr.DwellByPrivacy[normalize.PrivacyRestricted] != 15*time.Second {
		t.Errorf("expected 15s accrued dwell, got %v", tr.DwellByPrivacy[normalize.PrivacyRestricted])
	}
}

func TestCloseExpired_ClosesOnGapWithoutNewSignal(t *testing.T) {
	a := NewAggregator("front_door", 60*time.Second, 120*time.Second)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	id, _ := a.Ingest(mkEvent("YARD", normalize.PrivacyPublic, base))

	if _, closed := a.CloseExpired(base.Add(30 * time.Second)); closed {
		t.Fatal("did not expect closure before TRACK_GAP elapses")
	}
	closedID, closed := a.CloseExpired(base.Add(61 * time.Second))
	if !closed || closedID != id {
		t.Fatal("expected closure once TRACK_GAP elapses with no new signal")
	}
	if _, ok := a.Current(); ok {
		t.Error("expected no open track after CloseExpired")
	}
}

func TestIngest_DeterministicGivenIdenticalInputs(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	events := []normalize.SensorEvent{
		mkEvent("YARD", normalize.PrivacyPublic, base),
		mkEvent("BACK_YARD", normalize.PrivacyPrivate, base.Add(5*time.Second)),
		mkEvent("YARD", normalize.PrivacyPublic, base.Add(10*time.Second)),
	}

	run := func() *Track {
		a := NewAggregator("front_door", 60*time.Second, 120*time.Second)
		var id TrackID
		for _, ev := range events {
			id, _ = a.Ingest(ev)
		}
		tr, _ := a.Get(id)
		return tr
	}

	t1, t2 := run(), run()
	if len(t1.PathSummary) != len(t2.PathSummary) {
		t.Fatal("expected identical path summaries for identical inputs")
	}
	if t1.MaxPrivacy != t2.MaxPrivacy {
		t.Fatal("expected identical max privacy for identical inputs")
	}
	if t1.DwellByPrivacy[normalize.PrivacyPrivate] != t2.DwellByPrivacy[normalize.PrivacyPrivate] {
		t.Fatal("expected identical dwell accounting for identical inputs")
	}
}
