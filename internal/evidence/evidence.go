// Package evidence implements the local evidence lifecycle:
// BUFFERING → CANDIDATE → RETAINED → EXPORTED, with pre/post-roll window
// commit on PRE-L2 entry and TTL-based expiry.
//
// Every PRE-L2 entry commits a CANDIDATE evidence window bounding the
// entry instant by pre_roll_sec/post_roll_sec; exiting PRE-L2 without
// escalation leaves that window as CANDIDATE only. Promotion to RETAINED
// happens when the daemon sees a break-in rule (R1-R3) fire for an entry
// point holding a window; a promotion outside the correlation window is
// still applied, with a warning, and a user "Confirm Threat" does not
// promote.
package evidence

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/neighborguard/edge/internal/clock"
	"github.com/neighborguard/edge/internal/config"
	"github.com/neighborguard/edge/internal/storage"
)

// Status is one stage of the evidence lifecycle.
type Status int

const (
	StatusBuffering Status = iota
	StatusCandidate
	StatusRetained
	StatusExported
	StatusUnreadable
)

func (s Status) String() string {
	switch s {
	case StatusBuffering:
		return "BUFFERING"
	case StatusCandidate:
		return "CANDIDATE"
	case StatusRetained:
		return "RETAINED"
	case StatusExported:
		return "EXPORTED"
	case StatusUnreadable:
		return "UNREADABLE"
	default:
		return "UNKNOWN"
	}
}

// Object is one persisted evidence window.
type Object struct {
	EvidenceID    string    `json:"evidence_id"`
	EntryPointID  string    `json:"entry_point_id"`
	Status        Status    `json:"status"`
	WindowStart   time.Time `json:"window_start"`
	WindowEnd     time.Time `json:"window_end"`
	CommittedAt   time.Time `json:"committed_at"`
	LinkedEventID string    `json:"linked_event_id,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
	ManifestRef   string    `json:"manifest_ref,omitempty"`
}

// Store owns the evidence lifecycle, backed by the durable bbolt store.
type Store struct {
	db  *storage.DB
	clk clock.Clock
	cfg config.EvidenceConfig
	log *zap.Logger
}

// NewStore creates an evidence Store.
func NewStore(db *storage.DB, clk clock.Clock, cfg config.EvidenceConfig, log *zap.Logger) *Store {
	return &Store{db: db, clk: clk, cfg: cfg, log: log}
}

// CommitWindow commits a new CANDIDATE evidence window on PRE-L2 entry.
// The window is [entryInstant - PreRollSec, entryInstant + PostRollSec],
// guaranteeing the entry instant always falls within window bounds, per
// invariant (v).
func (s *Store) CommitWindow(entryPointID string, entryInstant time.Time) (string, error) {
	id := evidenceKey(entryPointID, entryInstant)
	obj := Object{
		EvidenceID:   id,
		EntryPointID: entryPointID,
		Status:       StatusCandidate,
		WindowStart:  entryInstant.Add(-time.Duration(s.cfg.PreRollSec) * time.Second),
		WindowEnd:    entryInstant.Add(time.Duration(s.cfg.PostRollSec) * time.Second),
		CommittedAt:  entryInstant,
		ExpiresAt:    entryInstant.Add(time.Duration(s.cfg.CandidateTTLHours) * time.Hour),
	}
	if err := s.db.PutEvidence(id, obj); err != nil {
		return "", fmt.Errorf("evidence: commit window: %w", err)
	}
	s.log.Info("evidence: window committed",
		zap.String("evidence_id", id), zap.String("entry_point_id", entryPointID))
	return id, nil
}

// PromoteToRetained upgrades a CANDIDATE window to RETAINED, linking it to
// the event that justified retention. A call more than
// CorrelationWindowSec after the window was committed is still applied and
// only logged as a warning.
func (s *Store) PromoteToRetained(evidenceID, eventID string, now time.Time) error {
	var obj Object
	found, err := s.db.GetEvidence(evidenceID, &obj)
	if err != nil {
		return fmt.Errorf("evidence: promote: load %q: %w", evidenceID, err)
	}
	if !found {
		return fmt.Errorf("evidence: promote: %q not found", evidenceID)
	}
	if obj.Status != StatusCandidate {
		return fmt.Errorf("evidence: promote: %q is %s, not CANDIDATE", evidenceID, obj.Status)
	}

	window := time.Duration(s.cfg.CorrelationWindowSec) * time.Second
	if now.Sub(obj.CommittedAt) > window && now.Sub(obj.CommittedAt) > 0 {
		s.log.Warn("evidence: promoting outside correlation window",
			zap.String("evidence_id", evidenceID), zap.Duration("age", now.Sub(obj.CommittedAt)))
	}

	obj.Status = StatusRetained
	obj.LinkedEventID = eventID
	obj.ExpiresAt = obj.CommittedAt.Add(time.Duration(s.cfg.RetainedTTLDays) * 24 * time.Hour)
	if err := s.db.PutEvidence(evidenceID, obj); err != nil {
		return fmt.Errorf("evidence: promote: save %q: %w", evidenceID, err)
	}
	return nil
}

// Manifest describes an export-ready evidence package.
type Manifest struct {
	EvidenceID string    `json:"evidence_id"`
	EventID    string    `json:"event_id"`
	ClipStart  time.Time `json:"clip_start"`
	ClipEnd    time.Time `json:"clip_end"`
}

// BuildManifest produces an export manifest for a RETAINED object,
// capping the exported clip length at ExportMaxClipSec, and marks the
// object EXPORTED. The cloud MUST NOT pull raw evidence directly; export
// is always initiated from here.
func (s *Store) BuildManifest(evidenceID string) (Manifest, error) {
	var obj Object
	found, err := s.db.GetEvidence(evidenceID, &obj)
	if err != nil {
		return Manifest{}, fmt.Errorf("evidence: manifest: load %q: %w", evidenceID, err)
	}
	if !found {
		return Manifest{}, fmt.Errorf("evidence: manifest: %q not found", evidenceID)
	}
	if obj.Status != StatusRetained {
		return Manifest{}, fmt.Errorf("evidence: manifest: %q is %s, not RETAINED", evidenceID, obj.Status)
	}

	clipEnd := obj.WindowEnd
	maxEnd := obj.WindowStart.Add(time.Duration(s.cfg.ExportMaxClipSec) * time.Second)
	if clipEnd.After(maxEnd) {
		clipEnd = maxEnd
	}

	m := Manifest{
		EvidenceID: evidenceID,
		EventID:    obj.LinkedEventID,
		ClipStart:  obj.WindowStart,
		ClipEnd:    clipEnd,
	}

	obj.Status = StatusExported
	obj.ManifestRef = evidenceID + "/manifest"
	if err := s.db.PutEvidence(evidenceID, obj); err != nil {
		return Manifest{}, fmt.Errorf("evidence: manifest: save %q: %w", evidenceID, err)
	}
	return m, nil
}

// MarkUnreadable demotes an evidence object on an I/O error, per the
// error-handling policy: evidence I/O errors demote the lifecycle or mark
// the object unreadable, but never abort the state machine.
func (s *Store) MarkUnreadable(evidenceID string) error {
	var obj Object
	found, err := s.db.GetEvidence(evidenceID, &obj)
	if err != nil || !found {
		return err
	}
	obj.Status = StatusUnreadable
	return s.db.PutEvidence(evidenceID, obj)
}

// Sweep expires CANDIDATE and RETAINED objects past their TTL, deleting
// them from the store. Call periodically (cfg.SweepInterval) from the
// daemon's background loop.
func (s *Store) Sweep() (int, error) {
	now := s.clk.Now()
	var expired []string

	err := s.db.ForEachEvidence(func(key, value []byte) error {
		var obj Object
		if err := unmarshalEvidence(value, &obj); err != nil {
			return nil
		}
		if obj.Status == StatusExported {
			return nil
		}
		if now.After(obj.ExpiresAt) {
			expired = append(expired, string(key))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("evidence: sweep scan: %w", err)
	}

	for _, key := range expired {
		if err := s.db.DeleteEvidence(key); err != nil {
			s.log.Warn("evidence: sweep delete failed", zap.String("evidence_id", key), zap.Error(err))
			continue
		}
	}
	if len(expired) > 0 {
		s.log.Info("evidence: swept expired objects", zap.Int("count", len(expired)))
	}
	return len(expired), nil
}

func evidenceKey(entryPointID string, at time.Time) string {
	return entryPointID + "/" + at.UTC().Format(time.RFC3339Nano)
}

func unmarshalEvidence(data []byte, obj *Object) error {
	return json.Unmarshal(data, obj)
}
