// Package registry implements the key lifecycle operations on top of a
// storage backend: registration, lookup, soft delete, hard delete and the
// bounded activity log.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	keyregistry "github.com/wolfeidau/key-registry"
	"github.com/wolfeidau/key-registry/store"
	"github.com/wolfeidau/key-registry/telemetry"
)

var (
	// ErrNotFound is returned for operations on a nonexistent key.
	ErrNotFound = errors.New("registry: key not found")

	// ErrConflict is returned when registering a key that already exists.
	ErrConflict = errors.New("registry: key already registered")
)

// ValidationError reports missing or malformed client input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Resolution is the outcome of a key lookup: the lifecycle status and, when
// the record exists, the record itself.
type Resolution struct {
	Status keyregistry.Status
	Record *keyregistry.KeyRecord
}

// Stats are aggregate counts over the store, resolved at a single instant.
type Stats struct {
	TotalKeys  int    `json:"total_keys"`
	Valid      int    `json:"valid"`
	Expired    int    `json:"expired"`
	Deleted    int    `json:"deleted"`
	LogEntries int    `json:"log_entries"`
	Backend    string `json:"backend"`
}

// Registry orchestrates key lifecycle operations over a Store. All
// mutations run under a single mutex so the record write and the matching
// log append are atomic with respect to each other; a concurrent register
// and purge of the same key can never interleave between the two.
type Registry struct {
	store   store.Store
	backend string
	logger  *slog.Logger
	now     func() time.Time

	mu sync.Mutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithClock sets the time source for testing.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithBackendName sets the backend name reported in stats.
func WithBackendName(name string) Option {
	return func(r *Registry) {
		r.backend = name
	}
}

// New creates a Registry over the given store.
func New(s store.Store, opts ...Option) *Registry {
	r := &Registry{
		store:   s,
		backend: "unknown",
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates a key record bound to the given expiration timestamp and
// appends an "add" entry to the activity log.
//
// Returns a ValidationError when the key is empty or the timestamp does not
// parse, and ErrConflict when the key is already registered, regardless of
// the new expiration value. A backend-level uniqueness violation surfaces as
// the same ErrConflict.
func (r *Registry) Register(ctx context.Context, key, expiredRaw string) (*keyregistry.KeyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, &ValidationError{Field: "api_key", Reason: "must not be empty"}
	}
	if expiredRaw == "" {
		return nil, &ValidationError{Field: "expired_time", Reason: "must not be empty"}
	}

	expiresAt, err := keyregistry.ParseTimestamp(expiredRaw)
	if err != nil {
		return nil, &ValidationError{Field: "expired_time", Reason: err.Error()}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Existence check before insert; the store's own uniqueness enforcement
	// is the backstop, translated to the same conflict error.
	if _, err := r.store.Get(ctx, key); err == nil {
		return nil, ErrConflict
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("checking existing key: %w", err)
	}

	now := r.now().UTC()
	rec := &keyregistry.KeyRecord{
		Key:       key,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}

	if err := r.store.Put(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("storing key: %w", err)
	}

	if err := r.appendLog(ctx, keyregistry.ActionAdd, key, now); err != nil {
		return nil, err
	}

	r.logger.Info("registered key", "key", key, "expired", rec.ExpiresAt)
	return rec, nil
}

// Lookup resolves the lifecycle status of a key at the current time.
// An absent key is not an error: it resolves to StatusNotFound.
func (r *Registry) Lookup(ctx context.Context, key string) (*Resolution, error) {
	rec, err := r.store.Get(ctx, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up key: %w", err)
	}
	return &Resolution{
		Status: keyregistry.Resolve(rec, r.now()),
		Record: rec,
	}, nil
}

// MarkDeleted soft-deletes a key: the record is kept but flagged deleted,
// which takes precedence over any expiry computation. Marking an
// already-deleted record again succeeds silently. Appends a "deleted" entry
// to the activity log.
func (r *Registry) MarkDeleted(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("looking up key: %w", err)
	}

	now := r.now().UTC()

	if !rec.Deleted {
		rec.Deleted = true
		if err := r.store.Update(ctx, rec); err != nil {
			return fmt.Errorf("marking key deleted: %w", err)
		}
	}

	if err := r.appendLog(ctx, keyregistry.ActionMarkDeleted, key, now); err != nil {
		return err
	}

	r.logger.Info("marked key deleted", "key", key)
	return nil
}

// Purge hard-deletes a key: the record is removed entirely, so a later
// lookup resolves to StatusNotFound and the key can be registered again.
// Appends a "delete" entry to the activity log.
func (r *Registry) Purge(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.Delete(ctx, key); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("purging key: %w", err)
	}

	if err := r.appendLog(ctx, keyregistry.ActionDelete, key, r.now().UTC()); err != nil {
		return err
	}

	r.logger.Info("purged key", "key", key)
	return nil
}

// Keys returns all records, deleted ones included.
func (r *Registry) Keys(ctx context.Context) ([]*keyregistry.KeyRecord, error) {
	recs, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	return recs, nil
}

// Logs returns the retained activity log, most recent first.
func (r *Registry) Logs(ctx context.Context) ([]keyregistry.LogEntry, error) {
	logs, err := r.store.ListLogs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing logs: %w", err)
	}
	// Stored oldest-first; clients read the feed newest-first.
	for i, j := 0, len(logs)-1; i < j; i, j = i+1, j-1 {
		logs[i], logs[j] = logs[j], logs[i]
	}
	return logs, nil
}

// Stats computes aggregate counts, resolving each record at the same
// instant so the valid/expired split is consistent.
func (r *Registry) Stats(ctx context.Context) (*Stats, error) {
	recs, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	logs, err := r.store.ListLogs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing logs: %w", err)
	}

	now := r.now()
	stats := &Stats{
		TotalKeys:  len(recs),
		LogEntries: len(logs),
		Backend:    r.backend,
	}
	for _, rec := range recs {
		switch keyregistry.Resolve(rec, now) {
		case keyregistry.StatusValid:
			stats.Valid++
		case keyregistry.StatusExpired:
			stats.Expired++
		case keyregistry.StatusDeleted:
			stats.Deleted++
		}
	}
	return stats, nil
}

func (r *Registry) appendLog(ctx context.Context, action keyregistry.Action, key string, now time.Time) error {
	entry := keyregistry.LogEntry{Action: action, Key: key, Time: now}
	if err := r.store.AppendLog(ctx, entry); err != nil {
		return fmt.Errorf("appending log: %w", err)
	}
	telemetry.RecordKeyAction(ctx, string(action))
	return nil
}
