// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventlog is the append-only ledger of span lifecycle events.
//
// Every event gets its Sequence from the events table's AUTOINCREMENT
// key inside the inserting IMMEDIATE transaction. SQLite serializes
// those transactions across every connection and process sharing the
// database, so sequences are unique, strictly increasing, and a
// writer's events always appear in the order it appended them.
//
// The same transaction enforces span lifecycle rules by reading the
// log: a span starts once, its parent must already have started, and
// it ends at most once, only after it started. A rejected event leaves
// nothing behind, and a rejected event in a batch rolls back the whole
// batch.
//
// Reads are lazy. [Log.ReadTrace] and [Log.ReadSpan] return iterators
// that fetch pages by sequence cursor and hold no connection while the
// caller processes an event. Each range starts a fresh query bounded
// by the highest sequence present when it began, so iteration is
// restartable and always finishes.
//
// There is no update or delete.
package eventlog
