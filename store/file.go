package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	keyregistry "github.com/wolfeidau/key-registry"
)

// fileState is the persisted layout: a mapping keyed by API key plus the
// parallel list of log entries.
type fileState struct {
	Records map[string]keyregistry.KeyRecord `json:"records"`
	Logs    []keyregistry.LogEntry           `json:"logs"`
}

// File is a Store persisted as a single snapshot file. The full state is
// held in memory and rewritten on every mutation using an atomic temp-file
// and rename, so a crash mid-write can never leave a partial snapshot
// behind. Snapshots are framed with a checksummed header and compressed
// when large enough; plain unframed JSON files are still readable.
type File struct {
	mu      sync.RWMutex
	path    string
	codec   *snapshotCodec
	records map[string]keyregistry.KeyRecord
	logs    []keyregistry.LogEntry
	now     func() time.Time
}

// NewFile opens (or creates) a file-backed store at the given path.
// The parent directory is created if it does not exist.
func NewFile(path string) (*File, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating directory: %w", err)
	}

	codec, err := newSnapshotCodec()
	if err != nil {
		return nil, err
	}

	f := &File{
		path:    absPath,
		codec:   codec,
		records: make(map[string]keyregistry.KeyRecord),
		now:     time.Now,
	}

	if err := f.load(); err != nil {
		codec.Close()
		return nil, err
	}
	return f, nil
}

// Path returns the snapshot file path.
func (f *File) Path() string {
	return f.path
}

func (f *File) load() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading snapshot: %w", err)
	}

	if isFramed(data) {
		data, err = f.codec.Decode(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("decoding snapshot %s: %w", f.path, err)
		}
	}

	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("parsing snapshot %s: %w", f.path, err)
	}

	if state.Records != nil {
		f.records = state.Records
	}
	f.logs = trimLogs(state.Logs)
	return nil
}

// saveLocked rewrites the snapshot. Callers must hold the write lock.
func (f *File) saveLocked() error {
	state := fileState{Records: f.records, Logs: f.logs}
	body, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if err := f.codec.Encode(tmp, body, f.now()); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("renaming snapshot: %w", err)
	}

	success = true
	return nil
}

// Get retrieves the record for a key.
func (f *File) Get(ctx context.Context, key string) (*keyregistry.KeyRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	rec, ok := f.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// Put inserts a new record and rewrites the snapshot.
func (f *File) Put(ctx context.Context, rec *keyregistry.KeyRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.records[rec.Key]; ok {
		return ErrDuplicateKey
	}
	f.records[rec.Key] = *rec
	if err := f.saveLocked(); err != nil {
		delete(f.records, rec.Key)
		return err
	}
	return nil
}

// Update overwrites an existing record and rewrites the snapshot.
func (f *File) Update(ctx context.Context, rec *keyregistry.KeyRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev, ok := f.records[rec.Key]
	if !ok {
		return ErrNotFound
	}
	f.records[rec.Key] = *rec
	if err := f.saveLocked(); err != nil {
		f.records[rec.Key] = prev
		return err
	}
	return nil
}

// Delete removes the record for a key and rewrites the snapshot.
func (f *File) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev, ok := f.records[key]
	if !ok {
		return ErrNotFound
	}
	delete(f.records, key)
	if err := f.saveLocked(); err != nil {
		f.records[key] = prev
		return err
	}
	return nil
}

// List returns all records.
func (f *File) List(ctx context.Context) ([]*keyregistry.KeyRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	recs := make([]*keyregistry.KeyRecord, 0, len(f.records))
	for _, rec := range f.records {
		r := rec
		recs = append(recs, &r)
	}
	return recs, nil
}

// AppendLog appends an entry to the activity log and rewrites the snapshot.
func (f *File) AppendLog(ctx context.Context, entry keyregistry.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev := f.logs
	f.logs = trimLogs(append(f.logs, entry))
	if err := f.saveLocked(); err != nil {
		f.logs = prev
		return err
	}
	return nil
}

// ListLogs returns the retained log entries, oldest first.
func (f *File) ListLogs(ctx context.Context) ([]keyregistry.LogEntry, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	logs := make([]keyregistry.LogEntry, len(f.logs))
	copy(logs, f.logs)
	return logs, nil
}

// Close releases the snapshot codec.
func (f *File) Close() error {
	f.codec.Close()
	return nil
}
