// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the trace store's SQLite connection pool.
//
// The event log, artifact metadata, provenance edges, and checkpoint
// records all live in one SQLite database so that integrity checks
// spanning them (a provenance edge naming a span and an artifact, a
// checkpoint naming its state artifact) run inside a single
// transaction. This package wraps zombiezen.com/go/sqlite with the
// pragmas that database needs:
//
//   - journal_mode=WAL: readers (viewers, replay) never block writers
//     (agent loops, harnesses) and vice versa.
//   - synchronous=NORMAL: committed events survive a process crash.
//   - busy_timeout: concurrent writers in separate processes wait for
//     the write lock instead of failing with SQLITE_BUSY. Writers that
//     still time out surface as storage-unavailable errors.
//   - foreign_keys=OFF: referential integrity is checked explicitly so
//     violations map to typed errors rather than constraint failures.
//   - cache_size, mmap_size, temp_store: read performance for large
//     trace scans.
//
// Callers [Pool.Take] a connection, do their work, and [Pool.Put] it
// back. Connections are not safe for concurrent use. Mutations use
// sqlitex.ImmediateTransaction so the write lock is taken up front and
// the transaction's reads and writes are serialized against every
// other writer, in this process or another.
//
//	conn, err := pool.Take(ctx)
//	if err != nil {
//	    return err
//	}
//	defer pool.Put(conn)
package sqlitepool
