package ledger

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	"github.com/zombor/kbt-scanner/internal/scan"
)

const (
	stateBucketName    = "state"
	activityBucketName = "activity"
	stateKey           = "current"

	// DefaultMaxStateBytes matches the browser storage quota the scanner used to live in
	DefaultMaxStateBytes = 5 << 20
)

// ErrCapacityExceeded is wrapped by StorageError when the state is too large to store
var ErrCapacityExceeded = errors.New("state exceeds storage capacity")

// StorageError reports a failed read or write of the persisted state
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// DB defines the interface for database operations
type DB interface {
	// LoadState returns the stored state, upgrading legacy shapes.
	// found is false on first run.
	LoadState() (state scan.State, found bool, err error)

	// SaveState replaces the stored state
	SaveState(state scan.State) error

	// StateLimit returns the capacity limit SaveState enforces, 0 when unlimited
	StateLimit() int

	// AppendActivity adds an entry to the audit log
	AppendActivity(entry Activity) error

	// ListActivity returns up to limit entries, most recent first. limit <= 0 returns all.
	ListActivity(limit int) ([]Activity, error)

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db            *bbolt.DB
	maxStateBytes int
	clock         scan.TimeSource
	migrator      scan.Migrator
}

// NewBoltDB creates a new BoltDB instance. maxStateBytes <= 0 disables the capacity check.
func NewBoltDB(path string, maxStateBytes int) (*BoltDB, error) {
	return NewBoltDBWithClock(path, maxStateBytes, scan.SystemClock{})
}

// NewBoltDBWithClock creates a BoltDB whose migrations are stamped by clock
func NewBoltDBWithClock(path string, maxStateBytes int, clock scan.TimeSource) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(stateBucketName)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(activityBucketName)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db, maxStateBytes: maxStateBytes, clock: clock, migrator: scan.DefaultMigrator()}, nil
}

// LoadState reads the state document and migrates it. Only an upgraded
// legacy document opens a write transaction, where it is written back
// together with an activity entry.
func (b *BoltDB) LoadState() (scan.State, bool, error) {
	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket([]byte(stateBucketName)).Get([]byte(stateKey)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return scan.State{}, false, &StorageError{Op: "load", Err: err}
	}
	if data == nil {
		return scan.State{Transfers: []scan.TransferRecord{}, GenericScans: []scan.GenericScanRecord{}}, false, nil
	}

	now := b.clock.Now()
	state, report, err := b.migrator.Migrate(data, now)
	if err != nil {
		return scan.State{}, false, &StorageError{Op: "load", Err: fmt.Errorf("migrating stored state: %w", err)}
	}
	if !report.Upgraded {
		return state, true, nil
	}

	err = b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(stateBucketName))
		// A save may have landed since the read
		if current := bucket.Get([]byte(stateKey)); !bytes.Equal(current, data) {
			var err error
			state, report, err = b.migrator.Migrate(current, now)
			if err != nil {
				return fmt.Errorf("migrating stored state: %w", err)
			}
			if !report.Upgraded {
				return nil
			}
		}

		encoded, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("marshaling migrated state: %w", err)
		}
		if err := bucket.Put([]byte(stateKey), encoded); err != nil {
			return err
		}
		return putActivity(tx, Activity{
			At:      now,
			Level:   LevelInfo,
			Message: "Upgraded stored scans from an older format",
			Data: map[string]string{
				"transfers":        fmt.Sprint(len(state.Transfers)),
				"genericScans":     fmt.Sprint(len(state.GenericScans)),
				"droppedTransfers": fmt.Sprint(report.DroppedTransfers),
				"droppedGeneric":   fmt.Sprint(report.DroppedGeneric),
			},
		})
	})
	if err != nil {
		return scan.State{}, false, &StorageError{Op: "load", Err: err}
	}

	if report.Upgraded {
		slog.Info("Migrated legacy state",
			"transfers", len(state.Transfers),
			"generic_scans", len(state.GenericScans),
			"dropped_transfers", report.DroppedTransfers,
			"dropped_generic", report.DroppedGeneric,
		)
	}
	return state, true, nil
}

// SetMigrator replaces the migrator used by LoadState, so legacy transfers
// are validated against the configured transfer rule
func (b *BoltDB) SetMigrator(m scan.Migrator) {
	b.migrator = m
}

// StateLimit returns the capacity limit in bytes. 0 means unlimited.
func (b *BoltDB) StateLimit() int {
	if b.maxStateBytes < 0 {
		return 0
	}
	return b.maxStateBytes
}

// SaveState writes the state document, refusing documents over the capacity limit
func (b *BoltDB) SaveState(state scan.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return &StorageError{Op: "save", Err: fmt.Errorf("marshaling state: %w", err)}
	}
	if b.maxStateBytes > 0 && len(data) > b.maxStateBytes {
		return &StorageError{
			Op:  "save",
			Err: fmt.Errorf("%d bytes over limit of %d: %w", len(data), b.maxStateBytes, ErrCapacityExceeded),
		}
	}

	err = b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(stateBucketName)).Put([]byte(stateKey), data)
	})
	if err != nil {
		return &StorageError{Op: "save", Err: err}
	}
	return nil
}

// AppendActivity adds an entry and trims the log once it outgrows maxActivity
func (b *BoltDB) AppendActivity(entry Activity) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return putActivity(tx, entry)
	})
}

func putActivity(tx *bbolt.Tx, entry Activity) error {
	bucket := tx.Bucket([]byte(activityBucketName))

	seq, err := bucket.NextSequence()
	if err != nil {
		return fmt.Errorf("allocating activity key: %w", err)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling activity: %w", err)
	}
	if err := bucket.Put(itob(seq), data); err != nil {
		return err
	}

	return trimActivity(bucket)
}

// trimActivity drops the oldest entries, keeping keepActivity
func trimActivity(bucket *bbolt.Bucket) error {
	var keys [][]byte
	c := bucket.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	if len(keys) <= maxActivity {
		return nil
	}

	for _, k := range keys[:len(keys)-keepActivity] {
		if err := bucket.Delete(k); err != nil {
			return fmt.Errorf("trimming activity: %w", err)
		}
	}
	return nil
}

// ListActivity returns entries newest first
func (b *BoltDB) ListActivity(limit int) ([]Activity, error) {
	entries := make([]Activity, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(activityBucketName)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			var entry Activity
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("unmarshaling activity: %w", err)
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}

func itob(v uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, v)
	return key
}
