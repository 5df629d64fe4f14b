// Package store provides storage backends for key records and the activity
// log behind a single interface, so the registry core is independent of the
// persistence engine.
package store

import (
	"context"
	"errors"

	keyregistry "github.com/wolfeidau/key-registry"
)

var (
	// ErrNotFound is returned when a key does not exist in the store.
	ErrNotFound = errors.New("store: key not found")

	// ErrDuplicateKey is returned by Put when a record with the same key
	// already exists. Backends with native uniqueness enforcement must
	// translate their constraint violations to this error.
	ErrDuplicateKey = errors.New("store: duplicate key")
)

// Store persists key records and the bounded activity log.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get retrieves the record for a key.
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) (*keyregistry.KeyRecord, error)

	// Put inserts a new record.
	// Returns ErrDuplicateKey if a record with the same key exists.
	Put(ctx context.Context, rec *keyregistry.KeyRecord) error

	// Update overwrites an existing record.
	// Returns ErrNotFound if the key does not exist.
	Update(ctx context.Context, rec *keyregistry.KeyRecord) error

	// Delete removes the record for a key.
	// Returns ErrNotFound if the key does not exist.
	Delete(ctx context.Context, key string) error

	// List returns all records, deleted ones included, in unspecified order.
	List(ctx context.Context) ([]*keyregistry.KeyRecord, error)

	// AppendLog appends an entry to the activity log, trimming the oldest
	// entries so at most keyregistry.MaxLogEntries remain.
	AppendLog(ctx context.Context, entry keyregistry.LogEntry) error

	// ListLogs returns the retained log entries in chronological order
	// (oldest first).
	ListLogs(ctx context.Context) ([]keyregistry.LogEntry, error)

	// Close releases resources held by the store.
	Close() error
}

// trimLogs discards entries from the front of the sequence until at most
// keyregistry.MaxLogEntries remain, preserving relative order.
func trimLogs(entries []keyregistry.LogEntry) []keyregistry.LogEntry {
	if excess := len(entries) - keyregistry.MaxLogEntries; excess > 0 {
		entries = entries[excess:]
	}
	return entries
}
