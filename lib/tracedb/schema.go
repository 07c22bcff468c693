// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

package tracedb

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/jhacksman/compymac-sub000/lib/sqlitepool"
	"github.com/jhacksman/compymac-sub000/lib/traceerr"
)

// SchemaVersion is written to PRAGMA user_version. Opening a database
// stamped with a newer version fails rather than guessing at columns.
const SchemaVersion = 1

const schema = `
	CREATE TABLE IF NOT EXISTS events (
		event_id   INTEGER PRIMARY KEY AUTOINCREMENT,
		trace_id   TEXT NOT NULL,
		span_id    TEXT NOT NULL,
		event_type TEXT NOT NULL,
		timestamp  INTEGER NOT NULL,
		payload    BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_events_trace ON events(trace_id, event_id);
	CREATE INDEX IF NOT EXISTS idx_events_span ON events(trace_id, span_id, event_type);

	CREATE TABLE IF NOT EXISTS artifacts (
		hash             TEXT PRIMARY KEY,
		artifact_type    TEXT NOT NULL,
		content_type     TEXT NOT NULL,
		byte_length      INTEGER NOT NULL,
		storage_location TEXT NOT NULL,
		compression      TEXT NOT NULL,
		created_at       INTEGER NOT NULL,
		metadata         BLOB
	) WITHOUT ROWID;
	CREATE INDEX IF NOT EXISTS idx_artifacts_type ON artifacts(artifact_type, created_at);

	CREATE TABLE IF NOT EXISTS relations (
		relation_id  INTEGER PRIMARY KEY AUTOINCREMENT,
		trace_id     TEXT NOT NULL,
		relation     TEXT NOT NULL,
		subject_kind TEXT NOT NULL,
		subject_id   TEXT NOT NULL,
		object_kind  TEXT NOT NULL,
		object_id    TEXT NOT NULL,
		timestamp    INTEGER NOT NULL,
		UNIQUE (trace_id, relation, subject_kind, subject_id, object_kind, object_id)
	);
	CREATE INDEX IF NOT EXISTS idx_relations_subject ON relations(trace_id, subject_kind, subject_id);
	CREATE INDEX IF NOT EXISTS idx_relations_object ON relations(trace_id, object_kind, object_id);
	CREATE INDEX IF NOT EXISTS idx_relations_generated ON relations(relation, subject_kind, subject_id);

	CREATE TABLE IF NOT EXISTS checkpoints (
		sequence             INTEGER PRIMARY KEY AUTOINCREMENT,
		checkpoint_id        TEXT NOT NULL UNIQUE,
		trace_id             TEXT NOT NULL,
		step_number          INTEGER NOT NULL,
		status               TEXT NOT NULL,
		description          TEXT NOT NULL,
		state_artifact       TEXT NOT NULL,
		parent_checkpoint_id TEXT,
		created_at           INTEGER NOT NULL,
		metadata             BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_trace ON checkpoints(trace_id, sequence);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_parent ON checkpoints(parent_checkpoint_id);

	CREATE TABLE IF NOT EXISTS trace_states (
		trace_id      TEXT PRIMARY KEY,
		state         TEXT NOT NULL,
		checkpoint_id TEXT,
		updated_at    INTEGER NOT NULL
	) WITHOUT ROWID;
`

// Config holds the parameters for opening the trace database.
type Config struct {
	// Path is the database file path. Required.
	Path string

	// PoolSize is passed through to sqlitepool.
	PoolSize int

	// BusyTimeout is passed through to sqlitepool.
	BusyTimeout time.Duration

	// Logger receives pool messages. Nil discards them.
	Logger *slog.Logger
}

// Open opens a connection pool on the trace database with the schema
// applied to every connection, and verifies the schema version with
// one eager connection so a bad path fails here rather than on first
// use.
func Open(cfg Config) (*sqlitepool.Pool, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:        cfg.Path,
		PoolSize:    cfg.PoolSize,
		BusyTimeout: cfg.BusyTimeout,
		Logger:      cfg.Logger,
		OnConnect:   ApplySchema,
	})
	if err != nil {
		return nil, traceerr.Unavailable("tracedb: open", err)
	}

	conn, err := pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return nil, traceerr.Unavailable("tracedb: open", err)
	}
	pool.Put(conn)

	return pool, nil
}

// ApplySchema creates any missing tables and indexes and stamps the
// schema version. Safe to run on every connection and from several
// processes at once.
func ApplySchema(conn *sqlite.Conn) error {
	version, err := userVersion(conn)
	if err != nil {
		return err
	}
	if version > SchemaVersion {
		return fmt.Errorf("tracedb: database schema version %d is newer than supported version %d",
			version, SchemaVersion)
	}

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("tracedb: applying schema: %w", err)
	}
	if version < SchemaVersion {
		pragma := fmt.Sprintf("PRAGMA user_version=%d", SchemaVersion)
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("tracedb: stamping schema version: %w", err)
		}
	}
	return nil
}

// Version returns the schema version stamped on the database.
func Version(ctx context.Context, pool *sqlitepool.Pool) (int, error) {
	conn, err := pool.Take(ctx)
	if err != nil {
		return 0, traceerr.Unavailable("tracedb: version", err)
	}
	defer pool.Put(conn)
	return userVersion(conn)
}

func userVersion(conn *sqlite.Conn) (int, error) {
	var version int
	err := sqlitex.ExecuteTransient(conn, "PRAGMA user_version", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			version = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("tracedb: reading schema version: %w", err)
	}
	return version, nil
}
