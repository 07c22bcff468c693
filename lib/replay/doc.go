// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

// Package replay builds read-only views over recorded traces: a merged
// timeline of span events and checkpoints, structural diffs between
// checkpoint states, and per-trace summaries.
//
// A [Reader] depends only on read interfaces of the event log, the
// checkpoint manager and the artifact store, so nothing it does can
// change the store. Artifacts that are missing or fail verification are
// reported per reference as [ArtifactHealth] and never fail a whole
// view.
package replay
