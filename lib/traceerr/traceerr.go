// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

// Package traceerr defines the trace store's error taxonomy.
//
// Every component wraps one of these sentinels with context
// ("eventlog: append: %w") so callers can branch with errors.Is
// without parsing messages. The sentinels fall into three groups:
//
//   - Transient: [ErrStorageUnavailable]. The only error class a caller
//     may retry, with backoff, at a higher layer. [Retryable] reports
//     membership.
//   - Expected: [ErrNotFound]. An absent event, artifact, or checkpoint.
//   - Misuse and integrity: everything else. Programming errors
//     ([ErrPayloadTooLarge], [ErrDoubleEnd], [ErrInvalidParent], ...)
//     surface immediately; integrity failures ([ErrCorruptArtifact],
//     [ErrDanglingReference], [ErrCycle]) are never retried and never
//     swallowed.
package traceerr

import (
	"context"
	"errors"
	"fmt"

	"zombiezen.com/go/sqlite"
)

var (
	// ErrStorageUnavailable means the backing store could not be
	// reached or could not take the write: pool exhausted or closed,
	// lock timeout, I/O failure, disk full.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNotFound means the requested event, span, artifact, or
	// checkpoint does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPayloadTooLarge means a caller tried to inline a value that
	// must be stored as an artifact.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrDoubleEnd means a span already has an end event.
	ErrDoubleEnd = errors.New("span already ended")

	// ErrInvalidParent means a parent span id does not exist in the
	// trace.
	ErrInvalidParent = errors.New("invalid parent span")

	// ErrDuplicateSpan means a span id already has a start event.
	ErrDuplicateSpan = errors.New("span already started")

	// ErrDanglingReference means a provenance relation names a span or
	// artifact that does not exist.
	ErrDanglingReference = errors.New("dangling reference")

	// ErrCycle means a provenance relation would close a cycle.
	ErrCycle = errors.New("provenance cycle")

	// ErrInvalidRelation means a provenance relation connects node
	// kinds the relation does not allow.
	ErrInvalidRelation = errors.New("invalid relation")

	// ErrEmptyState means a checkpoint was requested with no state.
	ErrEmptyState = errors.New("empty checkpoint state")

	// ErrInvalidTransition means a trace state change is not allowed
	// from the trace's current state.
	ErrInvalidTransition = errors.New("invalid trace state transition")

	// ErrCorruptArtifact means stored bytes no longer hash to their
	// address, or an artifact's blob is missing.
	ErrCorruptArtifact = errors.New("corrupt artifact")
)

// ErrSpanNotFound is the error for span operations naming a span that
// was never started. It matches both itself and ErrNotFound.
var ErrSpanNotFound = fmt.Errorf("span %w", ErrNotFound)

// Retryable reports whether err is a transient storage failure that a
// caller may retry.
func Retryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

// Unavailable wraps a failure to obtain a storage connection. Context
// cancellation passes through unchanged: the caller gave up, the store
// did not fail.
func Unavailable(operation string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", operation, err)
	}
	return fmt.Errorf("%s: %w: %w", operation, ErrStorageUnavailable, err)
}

// Storage wraps an error returned by a SQLite statement or transaction.
// Result codes that describe an unreachable or overloaded backend are
// classified as ErrStorageUnavailable; errors that already carry a
// taxonomy sentinel pass through with context; anything else is
// wrapped as-is.
func Storage(operation string, err error) error {
	if err == nil {
		return nil
	}
	if isTaxonomy(err) {
		return fmt.Errorf("%s: %w", operation, err)
	}
	switch sqlite.ErrCode(err).ToPrimary() {
	case sqlite.ResultBusy,
		sqlite.ResultLocked,
		sqlite.ResultIOErr,
		sqlite.ResultCantOpen,
		sqlite.ResultFull,
		sqlite.ResultReadOnly,
		sqlite.ResultProtocol,
		sqlite.ResultNoMem:
		return fmt.Errorf("%s: %w: %w", operation, ErrStorageUnavailable, err)
	}
	return fmt.Errorf("%s: %w", operation, err)
}

func isTaxonomy(err error) bool {
	for _, sentinel := range []error{
		ErrStorageUnavailable, ErrNotFound, ErrPayloadTooLarge,
		ErrDoubleEnd, ErrInvalidParent, ErrDuplicateSpan,
		ErrDanglingReference, ErrCycle, ErrInvalidRelation,
		ErrEmptyState, ErrInvalidTransition, ErrCorruptArtifact,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
