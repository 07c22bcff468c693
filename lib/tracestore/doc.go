// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracestore opens every trace store component over one
// directory: the SQLite database holding events, artifact metadata,
// provenance edges and checkpoints, and the content-addressed blob
// tree beside it.
//
// [Open] wires the components to a single connection pool and clock.
// The agent loop records through [Store].Spans and [Store].Artifacts,
// the orchestrator pauses and resumes through [Store].Checkpoints, and
// viewers read through [Store].Replay. [Store].LiveArtifacts feeds an
// external retention collector; the store itself never deletes.
package tracestore
