// Package devicekey issues, seals, rotates, and revokes the per-device
// credentials paired devices (cameras, sensors, the App) present to the
// Edge and to the cloud ledger.
//
// Sealing follows the same canonical-encode-before-any-cryptographic-
// operation discipline the decision core uses for its hash chain: a key
// record's canonical JSON form is what gets sealed, never a loosely
// ordered map. At-rest storage uses nacl/secretbox with a master key held
// only in daemon memory (never persisted); losing the master key makes
// every sealed record unrecoverable by design, forcing re-pairing rather
// than silent plaintext fallback.
package devicekey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/neighborguard/edge/internal/storage"
)

// Status is a device key's lifecycle state.
type Status string

const (
	StatusActive  Status = "active"
	StatusRotated Status = "rotated"
	StatusRevoked Status = "revoked"
)

// Record is one issued device key's metadata. The raw key material itself
// is carried only in IssueResult, shown once at issuance/rotation time;
// Record is what gets sealed and persisted.
type Record struct {
	DeviceID   string    `json:"deviceId"`
	KeyHash    string    `json:"keyHash"` // sha256 of the raw key, for verification without storing it
	Status     Status    `json:"status"`
	IssuedAt   time.Time `json:"issuedAt"`
	RotatedAt  time.Time `json:"rotatedAt,omitempty"`
	RevokedAt  time.Time `json:"revokedAt,omitempty"`
}

// IssueResult carries the one-time-visible raw device key alongside its
// sealed record.
type IssueResult struct {
	DeviceID string
	RawKey   string
	Record   Record
}

const nonceSize = 24

// Manager issues and seals device keys, backed by the durable bbolt store.
type Manager struct {
	db        *storage.DB
	masterKey [32]byte
	log       *zap.Logger
}

// NewManager creates a Manager sealing records under masterKey. masterKey
// must be 32 bytes; it is never itself persisted by this package.
func NewManager(db *storage.DB, masterKey [32]byte, log *zap.Logger) *Manager {
	return &Manager{db: db, masterKey: masterKey, log: log}
}

// Issue creates and seals a new device key for deviceID, replacing any
// prior record for the same device.
func (m *Manager) Issue(deviceID string, now time.Time) (IssueResult, error) {
	raw, err := randomKey()
	if err != nil {
		return IssueResult{}, fmt.Errorf("devicekey: generate key: %w", err)
	}

	rec := Record{
		DeviceID: deviceID,
		KeyHash:  hashKey(raw),
		Status:   StatusActive,
		IssuedAt: now,
	}
	if err := m.seal(deviceID, rec); err != nil {
		return IssueResult{}, err
	}

	m.log.Info("devicekey: issued", zap.String("device_id", deviceID))
	return IssueResult{DeviceID: deviceID, RawKey: raw, Record: rec}, nil
}

// Rotate issues a fresh key for deviceID, marking the previous record
// rotated in the audit trail (the new record replaces it in storage;
// RotatedAt on the prior key is not separately retained since only the
// current record is persisted per device — rotation history lives in the
// daemon's event log via the rule engine's explain trail, not here).
func (m *Manager) Rotate(deviceID string, now time.Time) (IssueResult, error) {
	result, err := m.Issue(deviceID, now)
	if err != nil {
		return IssueResult{}, err
	}
	result.Record.RotatedAt = now
	if err := m.seal(deviceID, result.Record); err != nil {
		return IssueResult{}, err
	}
	m.log.Info("devicekey: rotated", zap.String("device_id", deviceID))
	return result, nil
}

// Revoke marks deviceID's key revoked; Verify will reject it thereafter.
func (m *Manager) Revoke(deviceID string, now time.Time) error {
	rec, found, err := m.load(deviceID)
	if err != nil {
		return fmt.Errorf("devicekey: revoke: load %q: %w", deviceID, err)
	}
	if !found {
		return fmt.Errorf("devicekey: revoke: %q not found", deviceID)
	}
	rec.Status = StatusRevoked
	rec.RevokedAt = now
	if err := m.seal(deviceID, rec); err != nil {
		return err
	}
	m.log.Info("devicekey: revoked", zap.String("device_id", deviceID))
	return nil
}

// Status returns deviceID's current record without exposing any raw key
// material, so a caller can decide whether to Issue a first key or leave an
// existing one alone.
func (m *Manager) Status(deviceID string) (Record, bool, error) {
	rec, found, err := m.load(deviceID)
	if err != nil {
		return Record{}, false, fmt.Errorf("devicekey: status: load %q: %w", deviceID, err)
	}
	return rec, found, nil
}

// Verify reports whether rawKey is the current, active key for deviceID.
func (m *Manager) Verify(deviceID, rawKey string) (bool, error) {
	rec, found, err := m.load(deviceID)
	if err != nil {
		return false, fmt.Errorf("devicekey: verify: load %q: %w", deviceID, err)
	}
	if !found || rec.Status != StatusActive {
		return false, nil
	}
	return rec.KeyHash == hashKey(rawKey), nil
}

func (m *Manager) seal(deviceID string, rec Record) error {
	canonical, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("devicekey: marshal record: %w", err)
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("devicekey: generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], canonical, &nonce, &m.masterKey)
	if err := m.db.PutDeviceKey(deviceID, sealed); err != nil {
		return fmt.Errorf("devicekey: persist sealed record: %w", err)
	}
	return nil
}

func (m *Manager) load(deviceID string) (Record, bool, error) {
	sealed, err := m.db.GetDeviceKey(deviceID)
	if err != nil {
		return Record{}, false, err
	}
	if sealed == nil {
		return Record{}, false, nil
	}
	if len(sealed) < nonceSize {
		return Record{}, false, fmt.Errorf("devicekey: sealed record for %q is truncated", deviceID)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &m.masterKey)
	if !ok {
		return Record{}, false, fmt.Errorf("devicekey: failed to open sealed record for %q", deviceID)
	}

	var rec Record
	if err := json.Unmarshal(plain, &rec); err != nil {
		return Record{}, false, fmt.Errorf("devicekey: unmarshal sealed record: %w", err)
	}
	return rec, true, nil
}

func randomKey() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hexEncode(buf[:]), nil
}

func hashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hexEncode(sum[:])
}

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hextable[c>>4]
		out[i*2+1] = hextable[c&0x0f]
	}
	return string(out)
}
