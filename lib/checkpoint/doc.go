// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

// Package checkpoint captures resumable snapshots of agent state and
// tracks each trace's pause/resume lifecycle.
//
// A checkpoint's serialized state is stored as an artifact first. The
// checkpoint record, its parent link, and the trace's new state are
// then written in one IMMEDIATE transaction: a record is either fully
// visible with a durable state artifact behind it, or absent. An
// artifact left behind by a failed record write is harmless.
//
// Checkpoints form a tree through ParentID. Within a trace each new
// checkpoint's parent is the trace's most recent one. [Manager.Branch]
// starts a new trace whose first checkpoint points into the source
// trace, so forked rollouts share history without copying it.
//
// Each trace moves through a state machine:
//
//	NONE -> PAUSED -> RESUMED -> (PAUSED | COMPLETED | FAILED)
//
// Creating a checkpoint pauses the trace. The manager never touches
// the event log; branching a trace writes nothing to the source
// trace's events.
package checkpoint
