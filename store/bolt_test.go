package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	keyregistry "github.com/wolfeidau/key-registry"
)

func TestBoltStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		b, err := NewBolt(filepath.Join(t.TempDir(), "keys.bolt"))
		require.NoError(t, err)
		return b
	})
}

func TestBoltReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.bolt")
	ctx := context.Background()

	b, err := NewBolt(path)
	require.NoError(t, err)
	require.NoError(t, b.Put(ctx, testRecord("abc")))
	require.NoError(t, b.AppendLog(ctx, keyregistry.LogEntry{
		Action: keyregistry.ActionAdd,
		Key:    "abc",
		Time:   testRecord("abc").CreatedAt,
	}))
	require.NoError(t, b.Close())

	b, err = NewBolt(path)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	got, err := b.Get(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, "abc", got.Key)

	logs, err := b.ListLogs(ctx)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "abc", logs[0].Key)
}

// Log order must survive a reopen: sequence keys, not insertion timing,
// define iteration order.
func TestBoltLogOrderAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.bolt")
	ctx := context.Background()

	b, err := NewBolt(path)
	require.NoError(t, err)
	require.NoError(t, b.AppendLog(ctx, keyregistry.LogEntry{Action: keyregistry.ActionAdd, Key: "first"}))
	require.NoError(t, b.Close())

	b, err = NewBolt(path)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()
	require.NoError(t, b.AppendLog(ctx, keyregistry.LogEntry{Action: keyregistry.ActionDelete, Key: "second"}))

	logs, err := b.ListLogs(ctx)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.Equal(t, "first", logs[0].Key)
	require.Equal(t, "second", logs[1].Key)
}
