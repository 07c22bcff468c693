// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/jhacksman/compymac-sub000/lib/sqlitepool"
	"github.com/jhacksman/compymac-sub000/lib/tracedb"
)

func TestEveryConnectionGetsTheTraceSchema(t *testing.T) {
	var prepared atomic.Int32
	pool := openTracePool(t, filepath.Join(t.TempDir(), "trace.db"), 3, 0, func(conn *sqlite.Conn) error {
		prepared.Add(1)
		return tracedb.ApplySchema(conn)
	})

	// Hold three connections at once so each one is a fresh connection.
	ctx := context.Background()
	var conns []*sqlite.Conn
	for range 3 {
		conn, err := pool.Take(ctx)
		if err != nil {
			t.Fatalf("Take: %v", err)
		}
		conns = append(conns, conn)
	}
	defer func() {
		for _, conn := range conns {
			pool.Put(conn)
		}
	}()

	if got := prepared.Load(); got != 3 {
		t.Errorf("OnConnect ran %d times for 3 connections", got)
	}
	for i, conn := range conns {
		if mode := pragmaText(t, conn, "PRAGMA journal_mode"); mode != "wal" {
			t.Errorf("connection %d journal_mode = %q, want wal", i, mode)
		}
		if version := pragmaInt(t, conn, "PRAGMA user_version"); version != tracedb.SchemaVersion {
			t.Errorf("connection %d user_version = %d, want %d", i, version, tracedb.SchemaVersion)
		}
		if count := pragmaInt(t, conn, "SELECT count(*) FROM checkpoints"); count != 0 {
			t.Errorf("connection %d sees %d checkpoints in a new database", i, count)
		}
	}

	// A row written through one connection is visible on the others.
	insertEvent(t, conns[0], "trace-1")
	for i, conn := range conns[1:] {
		if count := pragmaInt(t, conn, "SELECT count(*) FROM events"); count != 1 {
			t.Errorf("connection %d sees %d events, want 1", i+1, count)
		}
	}
}

func TestOnConnectFailureFailsTake(t *testing.T) {
	refused := errors.New("schema refused")
	var attempts atomic.Int32
	pool := openTracePool(t, filepath.Join(t.TempDir(), "trace.db"), 1, 0, func(*sqlite.Conn) error {
		attempts.Add(1)
		return refused
	})

	for range 2 {
		conn, err := pool.Take(context.Background())
		if err == nil {
			pool.Put(conn)
			t.Fatal("Take succeeded although OnConnect failed")
		}
		if !errors.Is(err, refused) {
			t.Errorf("Take error = %v, want the OnConnect error", err)
		}
	}
	// The failed connection goes back unprepared and is retried.
	if got := attempts.Load(); got != 2 {
		t.Errorf("OnConnect ran %d times over two Takes, want 2", got)
	}
}

func TestSecondWriterWaitsForTheFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.db")
	first := openTracePool(t, path, 1, 5*time.Second, tracedb.ApplySchema)
	second := openTracePool(t, path, 1, 5*time.Second, tracedb.ApplySchema)
	ctx := context.Background()
	prepare(t, second)

	holder, err := first.Take(ctx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if timeout := pragmaInt(t, holder, "PRAGMA busy_timeout"); timeout != 5000 {
		t.Errorf("busy_timeout = %d, want 5000", timeout)
	}
	endHold, err := sqlitex.ImmediateTransaction(holder)
	if err != nil {
		t.Fatalf("first writer BEGIN IMMEDIATE: %v", err)
	}
	insertEvent(t, holder, "trace-a")

	var waitGroup sync.WaitGroup
	var secondErr error
	waitGroup.Add(1)
	go func() {
		defer waitGroup.Done()
		secondErr = writeEvent(ctx, second, "trace-b")
	}()

	time.Sleep(200 * time.Millisecond)
	var commitErr error
	endHold(&commitErr)
	if commitErr != nil {
		t.Fatalf("first writer commit: %v", commitErr)
	}
	first.Put(holder)

	waitGroup.Wait()
	if secondErr != nil {
		t.Fatalf("second writer did not wait out the lock: %v", secondErr)
	}

	conn, err := first.Take(ctx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer first.Put(conn)
	if count := pragmaInt(t, conn, "SELECT count(*) FROM events"); count != 2 {
		t.Errorf("events = %d, want one from each writer", count)
	}
}

func TestShortBusyTimeoutReportsBusy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.db")
	first := openTracePool(t, path, 1, 0, tracedb.ApplySchema)
	second := openTracePool(t, path, 1, 20*time.Millisecond, tracedb.ApplySchema)
	ctx := context.Background()
	prepare(t, second)

	holder, err := first.Take(ctx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer first.Put(holder)
	endHold, err := sqlitex.ImmediateTransaction(holder)
	if err != nil {
		t.Fatalf("BEGIN IMMEDIATE: %v", err)
	}
	defer func() {
		var rollback error = errors.New("rollback")
		endHold(&rollback)
	}()

	err = writeEvent(ctx, second, "trace-b")
	if code := sqlite.ErrCode(err); code.ToPrimary() != sqlite.ResultBusy {
		t.Errorf("write under a held lock: code %v (%v), want SQLITE_BUSY", code, err)
	}
}

func TestTakeHonoursContext(t *testing.T) {
	pool := openTracePool(t, filepath.Join(t.TempDir(), "trace.db"), 1, 0, tracedb.ApplySchema)

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if extra, err := pool.Take(ctx); err == nil {
		pool.Put(extra)
		t.Fatal("Take from an exhausted pool succeeded")
	}
}

func TestEmptyPathRejected(t *testing.T) {
	if _, err := sqlitepool.Open(sqlitepool.Config{}); err == nil {
		t.Fatal("Open accepted an empty Path")
	}
}

func openTracePool(t *testing.T, path string, size int, busyTimeout time.Duration, onConnect func(*sqlite.Conn) error) *sqlitepool.Pool {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:        path,
		PoolSize:    size,
		BusyTimeout: busyTimeout,
		OnConnect:   onConnect,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return pool
}

// prepare runs OnConnect on every connection of a single-connection
// pool while no other writer holds the lock.
func prepare(t *testing.T, pool *sqlitepool.Pool) {
	t.Helper()
	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	pool.Put(conn)
}

// writeEvent appends one event in its own immediate transaction, the
// way the event log does.
func writeEvent(ctx context.Context, pool *sqlitepool.Pool, traceID string) (err error) {
	conn, err := pool.Take(ctx)
	if err != nil {
		return err
	}
	defer pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return err
	}
	defer endTransaction(&err)
	return execEvent(conn, traceID)
}

func insertEvent(t *testing.T, conn *sqlite.Conn, traceID string) {
	t.Helper()
	if err := execEvent(conn, traceID); err != nil {
		t.Fatalf("inserting event: %v", err)
	}
}

func execEvent(conn *sqlite.Conn, traceID string) error {
	return sqlitex.Execute(conn,
		`INSERT INTO events (trace_id, span_id, event_type, timestamp) VALUES (?, 'span-1', 'SPAN_START', ?)`,
		&sqlitex.ExecOptions{Args: []any{traceID, time.Now().UnixNano()}})
}

func pragmaText(t *testing.T, conn *sqlite.Conn, query string) string {
	t.Helper()
	value, err := sqlitex.ResultText(conn.Prep(query))
	if err != nil {
		t.Fatalf("%s: %v", query, err)
	}
	return value
}

func pragmaInt(t *testing.T, conn *sqlite.Conn, query string) int {
	t.Helper()
	value, err := sqlitex.ResultInt(conn.Prep(query))
	if err != nil {
		t.Fatalf("%s: %v", query, err)
	}
	return value
}
