package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	keyregistry "github.com/wolfeidau/key-registry"
	"modernc.org/sqlite"
)

// sqliteConstraint is the SQLite primary result code for constraint
// violations (SQLITE_CONSTRAINT). Extended codes carry it in the low byte.
const sqliteConstraint = 19

// SQLite is a Store backed by an embedded SQLite database using the pure-Go
// modernc.org/sqlite driver. Use ":memory:" for an in-memory database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) a SQLite-backed store at the given path.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %q: %w", path, err)
	}

	// Serialise access through a single connection. The workload is small
	// and this sidesteps table-lock errors from concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS key_records (
		key        TEXT PRIMARY KEY,
		expired_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		deleted    INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS activity_logs (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		action     TEXT NOT NULL,
		api_key    TEXT NOT NULL,
		created_at TEXT NOT NULL
	);`

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Get retrieves the record for a key.
func (s *SQLite) Get(ctx context.Context, key string) (*keyregistry.KeyRecord, error) {
	var expiredAt, createdAt string
	var deleted int

	err := s.db.QueryRowContext(ctx,
		"SELECT expired_at, created_at, deleted FROM key_records WHERE key = ?",
		key,
	).Scan(&expiredAt, &createdAt, &deleted)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting %q: %w", key, err)
	}

	rec := &keyregistry.KeyRecord{Key: key, Deleted: deleted != 0}
	if rec.ExpiresAt, err = parseStoredTime(expiredAt); err != nil {
		return nil, fmt.Errorf("getting %q: %w", key, err)
	}
	if rec.CreatedAt, err = parseStoredTime(createdAt); err != nil {
		return nil, fmt.Errorf("getting %q: %w", key, err)
	}
	return rec, nil
}

// Put inserts a new record. A UNIQUE violation on the primary key is
// translated to ErrDuplicateKey rather than surfaced as a generic failure.
func (s *SQLite) Put(ctx context.Context, rec *keyregistry.KeyRecord) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO key_records (key, expired_at, created_at, deleted) VALUES (?, ?, ?, ?)",
		rec.Key, formatStoredTime(rec.ExpiresAt), formatStoredTime(rec.CreatedAt), boolToInt(rec.Deleted),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("putting %q: %w", rec.Key, err)
	}
	return nil
}

// Update overwrites an existing record.
func (s *SQLite) Update(ctx context.Context, rec *keyregistry.KeyRecord) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE key_records SET expired_at = ?, created_at = ?, deleted = ? WHERE key = ?",
		formatStoredTime(rec.ExpiresAt), formatStoredTime(rec.CreatedAt), boolToInt(rec.Deleted), rec.Key,
	)
	if err != nil {
		return fmt.Errorf("updating %q: %w", rec.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating %q: %w", rec.Key, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the record for a key.
func (s *SQLite) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM key_records WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("deleting %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting %q: %w", key, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all records.
func (s *SQLite) List(ctx context.Context) ([]*keyregistry.KeyRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, expired_at, created_at, deleted FROM key_records ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []*keyregistry.KeyRecord
	for rows.Next() {
		var key, expiredAt, createdAt string
		var deleted int
		if err := rows.Scan(&key, &expiredAt, &createdAt, &deleted); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}

		rec := &keyregistry.KeyRecord{Key: key, Deleted: deleted != 0}
		if rec.ExpiresAt, err = parseStoredTime(expiredAt); err != nil {
			return nil, fmt.Errorf("listing records: %w", err)
		}
		if rec.CreatedAt, err = parseStoredTime(createdAt); err != nil {
			return nil, fmt.Errorf("listing records: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// AppendLog appends an entry and trims retention in the same transaction, so
// the log can never be observed above the bound.
func (s *SQLite) AppendLog(ctx context.Context, entry keyregistry.LogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning log append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO activity_logs (action, api_key, created_at) VALUES (?, ?, ?)",
		string(entry.Action), entry.Key, formatStoredTime(entry.Time),
	); err != nil {
		return fmt.Errorf("appending log: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM activity_logs WHERE id NOT IN (SELECT id FROM activity_logs ORDER BY id DESC LIMIT ?)",
		keyregistry.MaxLogEntries,
	); err != nil {
		return fmt.Errorf("trimming log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing log append: %w", err)
	}
	return nil
}

// ListLogs returns the retained log entries, oldest first.
func (s *SQLite) ListLogs(ctx context.Context) ([]keyregistry.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT action, api_key, created_at FROM activity_logs ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("listing logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var logs []keyregistry.LogEntry
	for rows.Next() {
		var action, key, createdAt string
		if err := rows.Scan(&action, &key, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning log entry: %w", err)
		}

		entry := keyregistry.LogEntry{Action: keyregistry.Action(action), Key: key}
		if entry.Time, err = parseStoredTime(createdAt); err != nil {
			return nil, fmt.Errorf("listing logs: %w", err)
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// isConstraintViolation reports whether err is a SQLite constraint error.
// Extended result codes (e.g. SQLITE_CONSTRAINT_UNIQUE) carry the primary
// code in the low byte.
func isConstraintViolation(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.Code()&0xff == sqliteConstraint
}

func formatStoredTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseStoredTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing stored timestamp %q: %w", s, err)
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
