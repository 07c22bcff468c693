// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracedb owns the trace store's SQLite schema.
//
// One database holds five tables:
//
//   - events: the append-only span lifecycle ledger. event_id is an
//     AUTOINCREMENT key assigned inside the inserting transaction, which
//     makes it a collision-free, strictly increasing sequence across
//     every writer sharing the file.
//   - artifacts: immutable metadata for content-addressed blobs, keyed
//     by hex digest. The blob bytes live on the filesystem.
//   - relations: append-only provenance edges between spans and
//     artifacts.
//   - checkpoints: immutable checkpoint records; sequence orders them.
//   - trace_states: the one mutable table, holding each trace's
//     pause/resume state machine position.
//
// Components share the schema so integrity checks that cross tables
// (a relation naming a span and an artifact) run in one transaction.
// The schema is applied on every new connection with CREATE ... IF NOT
// EXISTS statements and stamped with user_version.
package tracedb
