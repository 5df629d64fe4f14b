package keyregistry

import "time"

// Status is the resolved lifecycle state of a key at a point in time.
type Status string

const (
	StatusNotFound Status = "invalid"
	StatusDeleted  Status = "deleted"
	StatusExpired  Status = "expired"
	StatusValid    Status = "valid"
)

// Resolve maps a key record and the current time to a lifecycle status.
// The precedence is fixed: absent > deleted > expired > valid. A deleted
// record reports deleted regardless of its expiration, and expiry uses a
// strict comparison, so a record expiring exactly at now is still valid.
//
// Resolve is pure: no side effects, deterministic given its inputs.
func Resolve(rec *KeyRecord, now time.Time) Status {
	switch {
	case rec == nil:
		return StatusNotFound
	case rec.Deleted:
		return StatusDeleted
	case now.After(rec.ExpiresAt):
		return StatusExpired
	default:
		return StatusValid
	}
}
