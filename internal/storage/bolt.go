// Package storage is the BoltDB-backed persistent store for NeighborGuard
// Edge.
//
// Schema (BoltDB bucket layout):
//
//	/tracks
//	    key:   entry_point_id + "/" + RFC3339Nano(created_at) + "/" + seq
//	    value: JSON-encoded track.Track snapshot
//
//	/events
//	    key:   RFC3339Nano(occurred_at) + "_" + event_id
//	    value: JSON-encoded rules.SecurityEvent
//
//	/outbox
//	    key:   ULID (sortable, monotonic within a millisecond)
//	    value: JSON-encoded outbox entry
//
//	/evidence
//	    key:   entry_point_id + "/" + RFC3339Nano(committed_at)
//	    value: JSON-encoded evidence object
//
//	/devicekeys
//	    key:   device_id
//	    value: sealed (nacl/secretbox) device-key record
//
//	/entrypoints
//	    key:   entry_point_id
//	    value: JSON-encoded security.EntryPointState snapshot (for restart
//	           recovery only; the in-memory Machine is authoritative while
//	           running)
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model:
//   - Single-process, single-writer (bbolt does not support concurrent
//     writers).
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//   - CRC32 integrity check on database open (bbolt built-in).
//
// Retention:
//   - Events and tracks older than RetentionDays are pruned once, at daemon
//     startup; there is no periodic pruning.
//   - Device keys and entry-point snapshots are never automatically pruned.
//
// Failure modes:
//   - Database file corruption: bbolt detects via CRC and returns an error
//     on Open(). The daemon logs a fatal event and refuses to start.
//   - Disk full: bbolt.Update() returns an error to the caller; no caller
//     demotes evidence or retries the write.
package storage

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	// DefaultRetentionDays is the default event/track retention period.
	DefaultRetentionDays = 30

	bucketTracks      = "tracks"
	bucketEvents      = "events"
	bucketOutbox      = "outbox"
	bucketEvidence    = "evidence"
	bucketDeviceKeys  = "devicekeys"
	bucketEntryPoints = "entrypoints"
	bucketMeta        = "meta"
)

var allBuckets = []string{
	bucketTracks, bucketEvents, bucketOutbox, bucketEvidence,
	bucketDeviceKeys, bucketEntryPoints, bucketMeta,
}

// DB wraps a BoltDB instance with typed accessors for NeighborGuard data.
type DB struct {
	db            *bolt.DB
	retentionDays int
}

// Open opens (or creates) the BoltDB database at the given path,
// initializing all required buckets and verifying the schema version.
func Open(path string, retentionDays int) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialization failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"schema version mismatch: database has %q, daemon requires %q. "+
					"Run migration or restore from backup.", string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) putJSON(bucket, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: marshal %s/%s: %w", bucket, key, err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(key), data)
	})
}

func (d *DB) getJSON(bucket, key string, v interface{}) (bool, error) {
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucket)).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, v)
	})
	return found, err
}

func (d *DB) delete(bucket, key string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Delete([]byte(key))
	})
}

func (d *DB) forEach(bucket string, fn func(key, value []byte) error) error {
	return d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).ForEach(fn)
	})
}

// PutTrack persists a closed track snapshot under key.
func (d *DB) PutTrack(key string, v interface{}) error { return d.putJSON(bucketTracks, key, v) }

// GetTrack loads a persisted track snapshot into v.
func (d *DB) GetTrack(key string, v interface{}) (bool, error) { return d.getJSON(bucketTracks, key, v) }

// PutEvent persists a SecurityEvent under key (RFC3339Nano_eventID).
func (d *DB) PutEvent(key string, v interface{}) error { return d.putJSON(bucketEvents, key, v) }

// GetEvent loads a persisted SecurityEvent into v.
func (d *DB) GetEvent(key string, v interface{}) (bool, error) { return d.getJSON(bucketEvents, key, v) }

// ForEachEvent iterates every stored event in key order (chronological).
func (d *DB) ForEachEvent(fn func(key, value []byte) error) error { return d.forEach(bucketEvents, fn) }

// PutOutboxEntry persists an outbox entry under its ULID key.
func (d *DB) PutOutboxEntry(key string, v interface{}) error { return d.putJSON(bucketOutbox, key, v) }

// GetOutboxEntry loads an outbox entry into v.
func (d *DB) GetOutboxEntry(key string, v interface{}) (bool, error) {
	return d.getJSON(bucketOutbox, key, v)
}

// DeleteOutboxEntry removes a terminally-succeeded outbox entry.
func (d *DB) DeleteOutboxEntry(key string) error { return d.delete(bucketOutbox, key) }

// ForEachOutboxEntry iterates outbox entries in key order (FIFO by ULID).
func (d *DB) ForEachOutboxEntry(fn func(key, value []byte) error) error {
	return d.forEach(bucketOutbox, fn)
}

// PutEvidence persists an evidence object under key.
func (d *DB) PutEvidence(key string, v interface{}) error { return d.putJSON(bucketEvidence, key, v) }

// GetEvidence loads an evidence object into v.
func (d *DB) GetEvidence(key string, v interface{}) (bool, error) {
	return d.getJSON(bucketEvidence, key, v)
}

// DeleteEvidence removes an expired evidence object.
func (d *DB) DeleteEvidence(key string) error { return d.delete(bucketEvidence, key) }

// ForEachEvidence iterates every stored evidence object.
func (d *DB) ForEachEvidence(fn func(key, value []byte) error) error {
	return d.forEach(bucketEvidence, fn)
}

// PutDeviceKey persists a sealed device-key record under device_id.
func (d *DB) PutDeviceKey(deviceID string, sealed []byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketDeviceKeys)).Put([]byte(deviceID), sealed)
	})
}

// GetDeviceKey loads a sealed device-key record. Returns (nil, nil) if absent.
func (d *DB) GetDeviceKey(deviceID string) ([]byte, error) {
	var sealed []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketDeviceKeys)).Get([]byte(deviceID))
		if data != nil {
			sealed = append([]byte(nil), data...)
		}
		return nil
	})
	return sealed, err
}

// DeleteDeviceKey revokes a device key.
func (d *DB) DeleteDeviceKey(deviceID string) error { return d.delete(bucketDeviceKeys, deviceID) }

// PutMeta persists any small, infrequently-written value (topomap,
// bindings, walk-test state) under the /meta bucket alongside
// schema_version.
func (d *DB) PutMeta(key string, v interface{}) error { return d.putJSON(bucketMeta, key, v) }

// GetMeta loads a value previously stored with PutMeta into v.
func (d *DB) GetMeta(key string, v interface{}) (bool, error) { return d.getJSON(bucketMeta, key, v) }

// PutEntryPointSnapshot persists a restart-recovery snapshot of one entry
// point's security state.
func (d *DB) PutEntryPointSnapshot(entryPointID string, v interface{}) error {
	return d.putJSON(bucketEntryPoints, entryPointID, v)
}

// GetEntryPointSnapshot loads a restart-recovery snapshot into v.
func (d *DB) GetEntryPointSnapshot(entryPointID string, v interface{}) (bool, error) {
	return d.getJSON(bucketEntryPoints, entryPointID, v)
}

// eventKeyCutoff returns the lexicographic cutoff key for events/tracks
// older than the retention window: any key sorting before it is eligible
// for pruning, since keys are prefixed with an RFC3339Nano timestamp.
func eventKeyCutoff(retentionDays int) string {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	return cutoff.Format(time.RFC3339Nano)
}

// PruneOldEvents deletes events older than the configured retention
// window. Called once at daemon startup. Returns the number of entries
// deleted.
func (d *DB) PruneOldEvents() (int, error) {
	cutoffKey := eventKeyCutoff(d.retentionDays)

	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEvents))
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= cutoffKey {
				break
			}
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("PruneOldEvents delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// PruneOldTracks deletes persisted track snapshots older than the
// configured retention window. Track keys are prefixed by entry_point_id,
// not by timestamp, so — unlike PruneOldEvents — this scans every key and
// extracts the embedded RFC3339Nano segment rather than relying on
// lexicographic ordering across the whole bucket.
func (d *DB) PruneOldTracks() (int, error) {
	cutoffKey := eventKeyCutoff(d.retentionDays)

	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketTracks))
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			ts := trackTimestampSegment(k)
			if ts == "" || ts >= cutoffKey {
				continue
			}
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("PruneOldTracks delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// trackTimestampSegment extracts the RFC3339Nano segment from a track key
// of the form entry_point_id/RFC3339Nano/seq. Returns "" if the key does
// not have the expected shape.
func trackTimestampSegment(key []byte) string {
	parts := splitTrackKey(string(key))
	if len(parts) != 3 {
		return ""
	}
	return parts[1]
}

func splitTrackKey(key string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			parts = append(parts, key[start:i])
			start = i + 1
		}
	}
	parts = append(parts, key[start:])
	return parts
}
