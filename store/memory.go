package store

import (
	"context"
	"sync"

	keyregistry "github.com/wolfeidau/key-registry"
)

// Memory is an in-memory Store. State is lost on process exit; it is the
// baseline implementation and the test double for the other backends.
type Memory struct {
	mu      sync.RWMutex
	records map[string]keyregistry.KeyRecord
	logs    []keyregistry.LogEntry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]keyregistry.KeyRecord),
	}
}

// Get retrieves the record for a key.
func (m *Memory) Get(ctx context.Context, key string) (*keyregistry.KeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// Put inserts a new record.
func (m *Memory) Put(ctx context.Context, rec *keyregistry.KeyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.Key]; ok {
		return ErrDuplicateKey
	}
	m.records[rec.Key] = *rec
	return nil
}

// Update overwrites an existing record.
func (m *Memory) Update(ctx context.Context, rec *keyregistry.KeyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.Key]; !ok {
		return ErrNotFound
	}
	m.records[rec.Key] = *rec
	return nil
}

// Delete removes the record for a key.
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[key]; !ok {
		return ErrNotFound
	}
	delete(m.records, key)
	return nil
}

// List returns all records.
func (m *Memory) List(ctx context.Context) ([]*keyregistry.KeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := make([]*keyregistry.KeyRecord, 0, len(m.records))
	for _, rec := range m.records {
		r := rec
		recs = append(recs, &r)
	}
	return recs, nil
}

// AppendLog appends an entry to the activity log.
func (m *Memory) AppendLog(ctx context.Context, entry keyregistry.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logs = trimLogs(append(m.logs, entry))
	return nil
}

// ListLogs returns the retained log entries, oldest first.
func (m *Memory) ListLogs(ctx context.Context) ([]keyregistry.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	logs := make([]keyregistry.LogEntry, len(m.logs))
	copy(logs, m.logs)
	return logs, nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error {
	return nil
}
