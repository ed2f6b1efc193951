package evidence

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/neighborguard/edge/internal/clock"
	"github.com/neighborguard/edge/internal/config"
	"github.com/neighborguard/edge/internal/storage"
)

func testEvidenceConfig() config.EvidenceConfig {
	return config.EvidenceConfig{
		CandidateTTLHours:    24,
		RetainedTTLDays:      7,
		CorrelationWindowSec: 10,
		ExportMaxClipSec:     30,
		SweepInterval:        15 * time.Minute,
	}
}

func newTestStore(t *testing.T, clk clock.Clock) *Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "edge.db"), 30)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db, clk, testEvidenceConfig(), zap.NewNop())
}

func TestCommitWindow_BoundsEntryInstant(t *testing.T) {
	fc := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := newTestStore(t, fc)

	entryInstant := fc.Now()
	id, err := s.CommitWindow("front_door", entryInstant)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var obj Object
	found, err := s.db.GetEvidence(id, &obj)
	if err != nil || !found {
		t.Fatalf("expected evidence object to exist: found=%v err=%v", found, err)
	}
	if obj.Status != StatusCandidate {
		t.Fatalf("expected CANDIDATE on commit, got %s", obj.Status)
	}
	if entryInstant.Before(obj.WindowStart) || entryInstant.After(obj.WindowEnd) {
		t.Fatalf("expected entry instant %v within window [%v, %v]", entryInstant, obj.WindowStart, obj.WindowEnd)
	}
}

func TestPromoteToRetained_IsMonotone(t *testing.T) {
	fc := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := newTestStore(t, fc)

	id, err := s.CommitWindow("front_door", fc.Now())
	if err != nil {
		t.Fatal(err)
	}

	if err := s.PromoteToRetained(id, "event-1", fc.Now()); err != nil {
		t.Fatalf("unexpected error promoting: %v", err)
	}

	var obj Object
	s.db.GetEvidence(id, &obj)
	if obj.Status != StatusRetained {
		t.Fatalf("expected RETAINED after promotion, got %s", obj.Status)
	}
	if obj.LinkedEventID != "event-1" {
		t.Fatalf("expected linked event id, got %q", obj.LinkedEventID)
	}

	// Promoting again from a non-CANDIDATE state must fail: no regression path.
	if err := s.PromoteToRetained(id, "event-2", fc.Now()); err == nil {
		t.Fatal("expected re-promotion from a non-CANDIDATE object to fail")
	}
}

func TestBuildManifest_RequiresRetainedAndCapsClipLength(t *testing.T) {
	fc := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg := testEvidenceConfig()
	cfg.ExportMaxClipSec = 5
	db, err := storage.Open(filepath.Join(t.TempDir(), "edge.db"), 30)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	s := NewStore(db, fc, cfg, zap.NewNop())

	id, _ := s.CommitWindow("front_door", fc.Now())

	if _, err := s.BuildManifest(id); err == nil {
		t.Fatal("expected BuildManifest to fail on a CANDIDATE (not RETAINED) object")
	}

	if err := s.PromoteToRetained(id, "event-1", fc.Now()); err != nil {
		t.Fatal(err)
	}

	manifest, err := s.BuildManifest(id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if manifest.ClipEnd.Sub(manifest.ClipStart) > 5*time.Second {
		t.Fatalf("expected clip length capped at export_max_clip_sec, got %v", manifest.ClipEnd.Sub(manifest.ClipStart))
	}

	var obj Object
	s.db.GetEvidence(id, &obj)
	if obj.Status != StatusExported {
		t.Fatalf("expected EXPORTED after manifest build, got %s", obj.Status)
	}
}

func TestSweep_ExpiresCandidatesPastTTL(t *testing.T) {
	fc := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := newTestStore(t, fc)

	id, _ := s.CommitWindow("front_door", fc.Now())
	fc.Advance(25 * time.Hour) // past candidate_ttl_hours=24

	count, err := s.Sweep()
	if err != nil {
		t.Fatalf("unexpected sweep error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 expired object, got %d", count)
	}

	var obj Object
	found, _ := s.db.GetEvidence(id, &obj)
	if found {
		t.Fatal("expected expired CANDIDATE to be deleted by sweep")
	}
}

func TestSweep_NeverExpiresExportedObjects(t *testing.T) {
	fc := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := newTestStore(t, fc)

	id, _ := s.CommitWindow("front_door", fc.Now())
	if err := s.PromoteToRetained(id, "event-1", fc.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.BuildManifest(id); err != nil {
		t.Fatal(err)
	}

	fc.Advance(365 * 24 * time.Hour)
	if _, err := s.Sweep(); err != nil {
		t.Fatal(err)
	}

	var obj Object
	found, _ := s.db.GetEvidence(id, &obj)
	if !found || obj.Status != StatusExported {
		t.Fatal("expected EXPORTED objects to survive TTL sweeps indefinitely")
	}
}
