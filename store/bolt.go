package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	keyregistry "github.com/wolfeidau/key-registry"
)

var (
	bucketRecords = []byte("records")
	bucketLogs    = []byte("logs")
)

// Bolt is a Store backed by an embedded bbolt database. Records are stored
// as JSON keyed by API key; log entries are keyed by a monotonically
// increasing sequence number so chronological order survives restarts.
type Bolt struct {
	db *bbolt.DB
}

// NewBolt opens (or creates) a bbolt-backed store at the given path.
func NewBolt(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketRecords, bucketLogs} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Bolt{db: db}, nil
}

// Get retrieves the record for a key.
func (b *Bolt) Get(ctx context.Context, key string) (*keyregistry.KeyRecord, error) {
	var rec *keyregistry.KeyRecord

	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRecords).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		rec = &keyregistry.KeyRecord{}
		if err := json.Unmarshal(data, rec); err != nil {
			return fmt.Errorf("decoding record %q: %w", key, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Put inserts a new record.
func (b *Bolt) Put(ctx context.Context, rec *keyregistry.KeyRecord) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRecords)
		if bucket.Get([]byte(rec.Key)) != nil {
			return ErrDuplicateKey
		}
		return putRecord(bucket, rec)
	})
}

// Update overwrites an existing record.
func (b *Bolt) Update(ctx context.Context, rec *keyregistry.KeyRecord) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRecords)
		if bucket.Get([]byte(rec.Key)) == nil {
			return ErrNotFound
		}
		return putRecord(bucket, rec)
	})
}

// Delete removes the record for a key.
func (b *Bolt) Delete(ctx context.Context, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRecords)
		if bucket.Get([]byte(key)) == nil {
			return ErrNotFound
		}
		return bucket.Delete([]byte(key))
	})
}

// List returns all records.
func (b *Bolt) List(ctx context.Context) ([]*keyregistry.KeyRecord, error) {
	var recs []*keyregistry.KeyRecord

	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			rec := &keyregistry.KeyRecord{}
			if err := json.Unmarshal(v, rec); err != nil {
				return fmt.Errorf("decoding record %q: %w", k, err)
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// AppendLog appends an entry and trims retention inside the same
// transaction, so the log can never be observed above the bound.
func (b *Bolt) AppendLog(ctx context.Context, entry keyregistry.LogEntry) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketLogs)

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating log sequence: %w", err)
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encoding log entry: %w", err)
		}
		if err := bucket.Put(logKey(seq), data); err != nil {
			return fmt.Errorf("appending log entry: %w", err)
		}

		// Drop oldest entries beyond the retention bound. Bucket stats lag
		// uncommitted writes, so count with a cursor inside the transaction.
		count := 0
		cursor := bucket.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			count++
		}
		excess := count - keyregistry.MaxLogEntries
		for k, _ := cursor.First(); k != nil && excess > 0; k, _ = cursor.Next() {
			if err := cursor.Delete(); err != nil {
				return fmt.Errorf("trimming log: %w", err)
			}
			excess--
		}
		return nil
	})
}

// ListLogs returns the retained log entries, oldest first.
func (b *Bolt) ListLogs(ctx context.Context) ([]keyregistry.LogEntry, error) {
	var logs []keyregistry.LogEntry

	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLogs).ForEach(func(k, v []byte) error {
			var entry keyregistry.LogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("decoding log entry: %w", err)
			}
			logs = append(logs, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// Close closes the underlying database.
func (b *Bolt) Close() error {
	return b.db.Close()
}

func putRecord(bucket *bbolt.Bucket, rec *keyregistry.KeyRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record %q: %w", rec.Key, err)
	}
	if err := bucket.Put([]byte(rec.Key), data); err != nil {
		return fmt.Errorf("storing record %q: %w", rec.Key, err)
	}
	return nil
}

// logKey encodes a sequence number as a big-endian key so bucket iteration
// order matches append order.
func logKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
