package store

import (
	"context"
	"errors"
	"time"

	keyregistry "github.com/wolfeidau/key-registry"
	"github.com/wolfeidau/key-registry/telemetry"
)

// Instrumented wraps a Store with metrics recording for every operation.
type Instrumented struct {
	store Store
	name  string
}

// NewInstrumented creates a new instrumented store wrapper. The name
// identifies the backend in metrics (e.g. "sqlite", "file").
func NewInstrumented(s Store, name string) *Instrumented {
	return &Instrumented{store: s, name: name}
}

func (is *Instrumented) Get(ctx context.Context, key string) (*keyregistry.KeyRecord, error) {
	start := time.Now()
	rec, err := is.store.Get(ctx, key)
	telemetry.RecordStoreOp(ctx, is.name, "get", outcomeFromError(err), time.Since(start))
	return rec, err
}

func (is *Instrumented) Put(ctx context.Context, rec *keyregistry.KeyRecord) error {
	start := time.Now()
	err := is.store.Put(ctx, rec)
	telemetry.RecordStoreOp(ctx, is.name, "put", outcomeFromError(err), time.Since(start))
	return err
}

func (is *Instrumented) Update(ctx context.Context, rec *keyregistry.KeyRecord) error {
	start := time.Now()
	err := is.store.Update(ctx, rec)
	telemetry.RecordStoreOp(ctx, is.name, "update", outcomeFromError(err), time.Since(start))
	return err
}

func (is *Instrumented) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := is.store.Delete(ctx, key)
	telemetry.RecordStoreOp(ctx, is.name, "delete", outcomeFromError(err), time.Since(start))
	return err
}

func (is *Instrumented) List(ctx context.Context) ([]*keyregistry.KeyRecord, error) {
	start := time.Now()
	recs, err := is.store.List(ctx)
	telemetry.RecordStoreOp(ctx, is.name, "list", outcomeFromError(err), time.Since(start))
	return recs, err
}

func (is *Instrumented) AppendLog(ctx context.Context, entry keyregistry.LogEntry) error {
	start := time.Now()
	err := is.store.AppendLog(ctx, entry)
	telemetry.RecordStoreOp(ctx, is.name, "append_log", outcomeFromError(err), time.Since(start))
	return err
}

func (is *Instrumented) ListLogs(ctx context.Context) ([]keyregistry.LogEntry, error) {
	start := time.Now()
	logs, err := is.store.ListLogs(ctx)
	telemetry.RecordStoreOp(ctx, is.name, "list_logs", outcomeFromError(err), time.Since(start))
	return logs, err
}

func (is *Instrumented) Close() error {
	return is.store.Close()
}

// outcomeFromError maps an error to a low-cardinality outcome label.
// ErrNotFound and ErrDuplicateKey are expected results of normal operation,
// not failures, and are labelled separately so error rates stay meaningful.
func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicateKey):
		return "duplicate"
	default:
		return "error"
	}
}
