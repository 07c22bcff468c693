// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

package tracedb

import (
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Event type column values. The eventlog package defines the typed
// constants; these are the strings the lookups below match on.
const (
	eventSpanStart = "span_start"
	eventSpanEnd   = "span_end"
)

// Node kind column values shared by relations and lookups.
const (
	KindSpan     = "span"
	KindArtifact = "artifact"
)

// UnixNanos converts a time to the INTEGER form stored in timestamp
// columns. The zero time stores as 0.
func UnixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// FromUnixNanos converts a stored timestamp back to UTC time.
func FromUnixNanos(nanos int64) time.Time {
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos).UTC()
}

// SpanLifecycle reports whether a span has a start event and whether it
// has an end event. Call inside the transaction that depends on the
// answer.
func SpanLifecycle(conn *sqlite.Conn, traceID, spanID string) (started, ended bool, err error) {
	err = sqlitex.Execute(conn,
		`SELECT event_type FROM events
			WHERE trace_id = ? AND span_id = ? AND event_type IN (?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{traceID, spanID, eventSpanStart, eventSpanEnd},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				switch stmt.ColumnText(0) {
				case eventSpanStart:
					started = true
				case eventSpanEnd:
					ended = true
				}
				return nil
			},
		})
	return started, ended, err
}

// ArtifactExists reports whether an artifact metadata row exists for
// the hex digest.
func ArtifactExists(conn *sqlite.Conn, hash string) (bool, error) {
	exists := false
	err := sqlitex.Execute(conn, "SELECT 1 FROM artifacts WHERE hash = ?", &sqlitex.ExecOptions{
		Args: []any{hash},
		ResultFunc: func(*sqlite.Stmt) error {
			exists = true
			return nil
		},
	})
	return exists, err
}
