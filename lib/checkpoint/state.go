// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/jhacksman/compymac-sub000/lib/tracedb"
	"github.com/jhacksman/compymac-sub000/lib/traceerr"
)

// State is a trace's position in the checkpoint lifecycle.
type State string

const (
	StateNone      State = "NONE"
	StatePaused    State = "PAUSED"
	StateResumed   State = "RESUMED"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// transitions lists the states each state may move to. Pausing an
// already paused trace records another checkpoint without resuming in
// between.
var transitions = map[State][]State{
	StateNone:    {StatePaused},
	StatePaused:  {StatePaused, StateResumed},
	StateResumed: {StatePaused, StateCompleted, StateFailed},
}

func canTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TraceStatus is a trace's current lifecycle state.
type TraceStatus struct {
	TraceID string `json:"trace_id"`
	State   State  `json:"state"`

	// CheckpointID is the checkpoint the trace last paused at or
	// resumed from. Empty in state NONE.
	CheckpointID string `json:"checkpoint_id,omitempty"`

	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

func selectTraceStatus(conn *sqlite.Conn, traceID string) (TraceStatus, error) {
	status := TraceStatus{TraceID: traceID, State: StateNone}
	err := sqlitex.Execute(conn,
		"SELECT state, checkpoint_id, updated_at FROM trace_states WHERE trace_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{traceID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				status.State = State(stmt.ColumnText(0))
				status.CheckpointID = stmt.ColumnText(1)
				status.UpdatedAt = tracedb.FromUnixNanos(stmt.ColumnInt64(2))
				return nil
			},
		})
	return status, err
}

// transition moves a trace to the next state inside the caller's
// transaction. An empty checkpointID keeps the current one.
func transition(conn *sqlite.Conn, traceID string, to State, checkpointID string, now time.Time) error {
	current, err := selectTraceStatus(conn, traceID)
	if err != nil {
		return err
	}
	if !canTransition(current.State, to) {
		return fmt.Errorf("trace %s: %s -> %s: %w", traceID, current.State, to, traceerr.ErrInvalidTransition)
	}
	if checkpointID == "" {
		checkpointID = current.CheckpointID
	}
	return sqlitex.Execute(conn,
		`INSERT INTO trace_states (trace_id, state, checkpoint_id, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (trace_id) DO UPDATE SET
				state = excluded.state,
				checkpoint_id = excluded.checkpoint_id,
				updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{
			Args: []any{traceID, string(to), checkpointID, tracedb.UnixNanos(now)},
		})
}
