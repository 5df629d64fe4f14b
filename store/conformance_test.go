package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	keyregistry "github.com/wolfeidau/key-registry"
)

// runStoreTests exercises the Store contract shared by every backend.
func runStoreTests(t *testing.T, factory func(t *testing.T) Store) {
	t.Helper()

	t.Run("GetNotFound", func(t *testing.T) {
		s := factory(t)
		defer func() { _ = s.Close() }()

		_, err := s.Get(context.Background(), "missing")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("PutGet", func(t *testing.T) {
		s := factory(t)
		defer func() { _ = s.Close() }()

		ctx := context.Background()
		rec := testRecord("abc")

		require.NoError(t, s.Put(ctx, rec))

		got, err := s.Get(ctx, "abc")
		require.NoError(t, err)
		require.Equal(t, rec.Key, got.Key)
		require.True(t, got.ExpiresAt.Equal(rec.ExpiresAt))
		require.True(t, got.CreatedAt.Equal(rec.CreatedAt))
		require.False(t, got.Deleted)
	})

	t.Run("PutDuplicate", func(t *testing.T) {
		s := factory(t)
		defer func() { _ = s.Close() }()

		ctx := context.Background()
		require.NoError(t, s.Put(ctx, testRecord("abc")))

		err := s.Put(ctx, testRecord("abc"))
		require.ErrorIs(t, err, ErrDuplicateKey)
	})

	t.Run("Update", func(t *testing.T) {
		s := factory(t)
		defer func() { _ = s.Close() }()

		ctx := context.Background()
		rec := testRecord("abc")
		require.NoError(t, s.Put(ctx, rec))

		rec.Deleted = true
		require.NoError(t, s.Update(ctx, rec))

		got, err := s.Get(ctx, "abc")
		require.NoError(t, err)
		require.True(t, got.Deleted)
	})

	t.Run("UpdateNotFound", func(t *testing.T) {
		s := factory(t)
		defer func() { _ = s.Close() }()

		err := s.Update(context.Background(), testRecord("missing"))
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		s := factory(t)
		defer func() { _ = s.Close() }()

		ctx := context.Background()
		require.NoError(t, s.Put(ctx, testRecord("abc")))
		require.NoError(t, s.Delete(ctx, "abc"))

		_, err := s.Get(ctx, "abc")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("DeleteNotFound", func(t *testing.T) {
		s := factory(t)
		defer func() { _ = s.Close() }()

		err := s.Delete(context.Background(), "missing")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("DeleteThenPutSucceeds", func(t *testing.T) {
		s := factory(t)
		defer func() { _ = s.Close() }()

		ctx := context.Background()
		require.NoError(t, s.Put(ctx, testRecord("abc")))
		require.NoError(t, s.Delete(ctx, "abc"))

		// No tombstone: the key can be registered again.
		require.NoError(t, s.Put(ctx, testRecord("abc")))
	})

	t.Run("List", func(t *testing.T) {
		s := factory(t)
		defer func() { _ = s.Close() }()

		ctx := context.Background()
		require.NoError(t, s.Put(ctx, testRecord("a")))
		require.NoError(t, s.Put(ctx, testRecord("b")))

		deleted := testRecord("c")
		deleted.Deleted = true
		require.NoError(t, s.Put(ctx, deleted))

		recs, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, recs, 3)

		keys := map[string]bool{}
		for _, rec := range recs {
			keys[rec.Key] = rec.Deleted
		}
		require.Equal(t, map[string]bool{"a": false, "b": false, "c": true}, keys)
	})

	t.Run("AppendAndListLogs", func(t *testing.T) {
		s := factory(t)
		defer func() { _ = s.Close() }()

		ctx := context.Background()
		base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

		for i := range 3 {
			entry := keyregistry.LogEntry{
				Action: keyregistry.ActionAdd,
				Key:    fmt.Sprintf("key-%d", i),
				Time:   base.Add(time.Duration(i) * time.Second),
			}
			require.NoError(t, s.AppendLog(ctx, entry))
		}

		logs, err := s.ListLogs(ctx)
		require.NoError(t, err)
		require.Len(t, logs, 3)

		// Chronological order, oldest first.
		for i, entry := range logs {
			require.Equal(t, fmt.Sprintf("key-%d", i), entry.Key)
		}
	})

	t.Run("LogRetention", func(t *testing.T) {
		s := factory(t)
		defer func() { _ = s.Close() }()

		ctx := context.Background()
		base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

		for i := range 150 {
			entry := keyregistry.LogEntry{
				Action: keyregistry.ActionAdd,
				Key:    fmt.Sprintf("key-%d", i),
				Time:   base.Add(time.Duration(i) * time.Second),
			}
			require.NoError(t, s.AppendLog(ctx, entry))
		}

		logs, err := s.ListLogs(ctx)
		require.NoError(t, err)
		require.Len(t, logs, keyregistry.MaxLogEntries)

		// Exactly the 100 most recent, in original relative order.
		for i, entry := range logs {
			require.Equal(t, fmt.Sprintf("key-%d", i+50), entry.Key)
		}
	})
}

func testRecord(key string) *keyregistry.KeyRecord {
	return &keyregistry.KeyRecord{
		Key:       key,
		ExpiresAt: time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC),
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}
