// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

// Package span is the in-process API the agent loop and tool harness
// use to record nested units of work.
//
// Callers get a [Trace] handle for an explicit trace id from
// [Engine.Trace] and open and close spans on it. Nothing is keyed off
// ambient state: concurrent tasks holding different handles cannot
// leak spans into each other's traces.
//
// Every operation emits one event to the event log, which enforces the
// lifecycle rules. A Trace also remembers the spans it ended so a
// repeated EndSpan fails with [traceerr.ErrDoubleEnd] without a round
// trip.
//
// When the log reports [traceerr.ErrStorageUnavailable] the engine
// retries with exponential backoff. If the log is still down and
// buffering is enabled, the event is queued in memory, a warning is
// logged, and the call succeeds. Queued events are written, in order,
// before the next event from this engine or on [Engine.Flush]. With
// buffering disabled the error is returned to the caller.
//
// [Engine.SpanTree] folds a trace's events into a forest. Spans with no
// end event are reported as incomplete, and events that do not fit the
// lifecycle are collected as anomalies, so a partial trace is always
// viewable.
package span
