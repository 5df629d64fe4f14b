package keyregistry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResolveAbsent(t *testing.T) {
	require.Equal(t, StatusNotFound, Resolve(nil, time.Now()))
}

func TestResolveValidAndExpired(t *testing.T) {
	expiresAt := time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := &KeyRecord{Key: "abc", ExpiresAt: expiresAt}

	require.Equal(t, StatusValid, Resolve(rec, expiresAt.Add(-time.Second)))
	require.Equal(t, StatusExpired, Resolve(rec, expiresAt.Add(time.Second)))
}

// Expiry is a strict comparison: a record expiring exactly at now is still
// valid.
func TestResolveBoundaryIsValid(t *testing.T) {
	expiresAt := time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := &KeyRecord{Key: "abc", ExpiresAt: expiresAt}

	require.Equal(t, StatusValid, Resolve(rec, expiresAt))
}

// Deleted takes precedence over expired, whichever way the expiry falls.
func TestResolveDeletedPrecedence(t *testing.T) {
	expiresAt := time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := &KeyRecord{Key: "abc", ExpiresAt: expiresAt, Deleted: true}

	require.Equal(t, StatusDeleted, Resolve(rec, expiresAt.Add(-time.Hour)))
	require.Equal(t, StatusDeleted, Resolve(rec, expiresAt.Add(time.Hour)))
}
