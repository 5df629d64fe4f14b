// Package keyregistry defines the domain types for the key registry:
// key records, activity log entries, and the lifecycle resolver.
package keyregistry

import (
	"fmt"
	"time"
)

// Action identifies the kind of administrative action recorded in the
// activity log. The string values are part of the wire and storage format.
type Action string

const (
	// ActionAdd records a key registration.
	ActionAdd Action = "add"

	// ActionMarkDeleted records a soft delete (record kept, flagged deleted).
	ActionMarkDeleted Action = "deleted"

	// ActionDelete records a hard delete (record removed).
	ActionDelete Action = "delete"
)

// KeyRecord is a registered API key bound to an expiration instant.
// Key is the immutable identity; Deleted only ever transitions false→true.
type KeyRecord struct {
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expired"`
	CreatedAt time.Time `json:"created_at"`
	Deleted   bool      `json:"deleted"`
}

// LogEntry is one event in the activity log. Key is a denormalized copy of
// the record's identity and may reference a record that has since been
// removed.
type LogEntry struct {
	Action Action    `json:"action"`
	Key    string    `json:"api_key"`
	Time   time.Time `json:"time"`
}

// MaxLogEntries is the activity log retention bound. Appending beyond the
// bound discards the oldest entries until exactly MaxLogEntries remain.
const MaxLogEntries = 100

// timestampLayouts are the accepted input formats for expiration timestamps,
// tried in order. All stored and emitted timestamps use RFC 3339.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses an expiration timestamp from client input.
// Comparisons must always be done on the parsed instant, never on the raw
// string: lexical ordering of mixed formats is not reliable.
func ParseTimestamp(raw string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}
