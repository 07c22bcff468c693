// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

package tracedb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"zombiezen.com/go/sqlite/sqlitex"
)

func TestOpenAppliesSchema(t *testing.T) {
	pool, err := Open(Config{Path: filepath.Join(t.TempDir(), "trace.db"), PoolSize: 2})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	version, err := Version(context.Background(), pool)
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if version != SchemaVersion {
		t.Errorf("Version = %d, want %d", version, SchemaVersion)
	}
}

func TestReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.db")
	for attempt := range 2 {
		pool, err := Open(Config{Path: path, PoolSize: 1})
		if err != nil {
			t.Fatalf("Open attempt %d: %v", attempt, err)
		}
		if err := pool.Close(); err != nil {
			t.Fatalf("Close attempt %d: %v", attempt, err)
		}
	}
}

func TestNewerSchemaRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.db")
	pool, err := Open(Config{Path: path, PoolSize: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA user_version=99", nil); err != nil {
		t.Fatalf("stamping version: %v", err)
	}
	pool.Put(conn)
	pool.Close()

	if _, err := Open(Config{Path: path, PoolSize: 1}); err == nil {
		t.Fatal("Open accepted a database with a newer schema version")
	}
}

func TestSpanLifecycleAndArtifactExists(t *testing.T) {
	pool, err := Open(Config{Path: filepath.Join(t.TempDir(), "trace.db"), PoolSize: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	err = sqlitex.ExecuteScript(conn, `
		INSERT INTO events (trace_id, span_id, event_type, timestamp) VALUES ('t1', 's1', 'span_start', 1);
		INSERT INTO events (trace_id, span_id, event_type, timestamp) VALUES ('t1', 's2', 'span_start', 2);
		INSERT INTO events (trace_id, span_id, event_type, timestamp) VALUES ('t1', 's2', 'span_end', 3);
		INSERT INTO artifacts (hash, artifact_type, content_type, byte_length, storage_location, compression, created_at)
			VALUES ('abc', 'tool_output', 'text/plain', 3, 'objects/ab/c', 'none', 1);
	`, nil)
	if err != nil {
		t.Fatalf("seeding: %v", err)
	}

	cases := []struct {
		span           string
		started, ended bool
	}{
		{"s1", true, false},
		{"s2", true, true},
		{"missing", false, false},
	}
	for _, tc := range cases {
		started, ended, err := SpanLifecycle(conn, "t1", tc.span)
		if err != nil {
			t.Fatalf("SpanLifecycle(%s): %v", tc.span, err)
		}
		if started != tc.started || ended != tc.ended {
			t.Errorf("SpanLifecycle(%s) = (%v, %v), want (%v, %v)",
				tc.span, started, ended, tc.started, tc.ended)
		}
	}

	if exists, err := ArtifactExists(conn, "abc"); err != nil || !exists {
		t.Errorf("ArtifactExists(abc) = %v, %v; want true", exists, err)
	}
	if exists, err := ArtifactExists(conn, "def"); err != nil || exists {
		t.Errorf("ArtifactExists(def) = %v, %v; want false", exists, err)
	}
}

func TestUnixNanosRoundtrip(t *testing.T) {
	moment := time.Date(2026, 3, 1, 12, 30, 0, 123456789, time.UTC)
	if got := FromUnixNanos(UnixNanos(moment)); !got.Equal(moment) {
		t.Errorf("roundtrip = %v, want %v", got, moment)
	}
	if UnixNanos(time.Time{}) != 0 || !FromUnixNanos(0).IsZero() {
		t.Error("zero time does not map to 0")
	}
}
