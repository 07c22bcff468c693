// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/jhacksman/compymac-sub000/lib/artifact"
	"github.com/jhacksman/compymac-sub000/lib/blob"
	"github.com/jhacksman/compymac-sub000/lib/clock"
	"github.com/jhacksman/compymac-sub000/lib/codec"
	"github.com/jhacksman/compymac-sub000/lib/sqlitepool"
	"github.com/jhacksman/compymac-sub000/lib/tracedb"
	"github.com/jhacksman/compymac-sub000/lib/traceerr"
)

// ArtifactType is the artifact type of serialized checkpoint states.
const ArtifactType = "checkpoint_state"

// DefaultStatus labels checkpoints created without an explicit status.
const DefaultStatus = "paused"

// Checkpoint is an immutable checkpoint record.
type Checkpoint struct {
	ID      string `json:"checkpoint_id"`
	TraceID string `json:"trace_id"`

	// Sequence orders checkpoints across the store. Within a trace the
	// highest sequence is the most recent checkpoint.
	Sequence int64 `json:"sequence"`

	StepNumber  int64     `json:"step_number"`
	Status      string    `json:"status"`
	Description string    `json:"description"`
	State       blob.Hash `json:"state_artifact"`

	// ParentID is empty for the first checkpoint of a root trace.
	ParentID string `json:"parent_checkpoint_id,omitempty"`

	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Snapshot is a checkpoint with its serialized state.
type Snapshot struct {
	Checkpoint
	State []byte
}

// CreateRequest describes a checkpoint to create.
type CreateRequest struct {
	TraceID     string
	StepNumber  int64
	Description string

	// State is the serialized agent state. Must not be empty.
	State []byte

	// ContentType of State, such as application/json. Used for
	// compression and by diff tooling.
	ContentType string

	// Status labels the checkpoint. Empty uses DefaultStatus.
	Status string

	Metadata map[string]string
}

// ArtifactStore is the subset of the artifact store the manager uses.
type ArtifactStore interface {
	Store(ctx context.Context, request artifact.StoreRequest, content []byte) (*artifact.Artifact, error)
	Retrieve(ctx context.Context, hash blob.Hash) (*artifact.Content, error)
}

// Config holds the dependencies of a Manager.
type Config struct {
	// Pool is the trace database pool. Required.
	Pool *sqlitepool.Pool

	// Artifacts stores checkpoint states. Required.
	Artifacts ArtifactStore

	// Clock stamps records. Nil uses the real clock.
	Clock clock.Clock

	// Logger receives lifecycle messages. Nil discards them.
	Logger *slog.Logger
}

// Manager creates, lists, loads and branches checkpoints. It is safe
// for concurrent use.
type Manager struct {
	pool      *sqlitepool.Pool
	artifacts ArtifactStore
	clock     clock.Clock
	logger    *slog.Logger
}

// New creates a Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Pool == nil {
		return nil, errors.New("checkpoint: Pool is required")
	}
	if cfg.Artifacts == nil {
		return nil, errors.New("checkpoint: Artifacts is required")
	}
	manager := &Manager{
		pool:      cfg.Pool,
		artifacts: cfg.Artifacts,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}
	if manager.clock == nil {
		manager.clock = clock.Real()
	}
	if manager.logger == nil {
		manager.logger = slog.New(slog.DiscardHandler)
	}
	return manager, nil
}

// Create stores request.State and records a checkpoint for the trace,
// pausing it. The new checkpoint's parent is the trace's most recent
// checkpoint. Fails with ErrEmptyState for empty state and with
// ErrInvalidTransition for a completed or failed trace.
func (m *Manager) Create(ctx context.Context, request CreateRequest) (*Checkpoint, error) {
	if request.TraceID == "" {
		return nil, errors.New("checkpoint: create: trace id is required")
	}
	if len(request.State) == 0 {
		return nil, fmt.Errorf("checkpoint: create for trace %s: %w", request.TraceID, traceerr.ErrEmptyState)
	}

	stored, err := m.artifacts.Store(ctx, artifact.StoreRequest{
		Type:        ArtifactType,
		ContentType: request.ContentType,
		Metadata:    map[string]string{"trace_id": request.TraceID},
		Verbatim:    true,
	}, request.State)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: storing state: %w", err)
	}
	if stored.Size == 0 {
		return nil, fmt.Errorf("checkpoint: create for trace %s: state stored as %s is empty: %w",
			request.TraceID, stored.Hash, traceerr.ErrEmptyState)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("checkpoint: generating id: %w", err)
	}
	status := request.Status
	if status == "" {
		status = DefaultStatus
	}
	record := Checkpoint{
		ID:          id.String(),
		TraceID:     request.TraceID,
		StepNumber:  request.StepNumber,
		Status:      status,
		Description: request.Description,
		State:       stored.Hash,
		CreatedAt:   m.clock.Now(),
		Metadata:    request.Metadata,
	}

	conn, err := m.pool.Take(ctx)
	if err != nil {
		return nil, traceerr.Unavailable("checkpoint: create", err)
	}
	defer m.pool.Put(conn)

	if err := insertCheckpoint(conn, &record, true); err != nil {
		return nil, traceerr.Storage("checkpoint: create", err)
	}

	m.logger.Info("checkpoint created",
		"trace_id", record.TraceID,
		"checkpoint_id", record.ID,
		"step", record.StepNumber,
		"parent_checkpoint_id", record.ParentID,
		"state_artifact", record.State.String(),
	)
	return &record, nil
}

// insertCheckpoint writes the record and pauses its trace in one
// transaction. With linkParent the parent is the trace's latest
// checkpoint; otherwise record.ParentID is used as given.
func insertCheckpoint(conn *sqlite.Conn, record *Checkpoint, linkParent bool) (err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return err
	}
	defer endTransaction(&err)
	return writeCheckpoint(conn, record, linkParent)
}

func writeCheckpoint(conn *sqlite.Conn, record *Checkpoint, linkParent bool) (err error) {
	if err := transition(conn, record.TraceID, StatePaused, record.ID, record.CreatedAt); err != nil {
		return err
	}

	if linkParent {
		latest, err := queryCheckpoints(conn,
			checkpointColumns+"WHERE trace_id = ? ORDER BY sequence DESC LIMIT 1", record.TraceID)
		if err != nil {
			return err
		}
		if len(latest) > 0 {
			record.ParentID = latest[0].ID
		}
	}

	var metadata []byte
	if len(record.Metadata) > 0 {
		metadata, err = codec.Marshal(record.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata: %w", err)
		}
	}
	var parent any
	if record.ParentID != "" {
		parent = record.ParentID
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO checkpoints
			(checkpoint_id, trace_id, step_number, status, description, state_artifact, parent_checkpoint_id, created_at, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				record.ID, record.TraceID, record.StepNumber, record.Status, record.Description,
				record.State.String(), parent, tracedb.UnixNanos(record.CreatedAt), metadata,
			},
		})
	if err != nil {
		return err
	}
	record.Sequence = conn.LastInsertRowID()
	return nil
}

// Get returns a checkpoint by id.
func (m *Manager) Get(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	conn, err := m.pool.Take(ctx)
	if err != nil {
		return nil, traceerr.Unavailable("checkpoint: get", err)
	}
	defer m.pool.Put(conn)

	record, err := selectCheckpoint(conn, checkpointID)
	if err != nil {
		return nil, traceerr.Storage("checkpoint: get", err)
	}
	return record, nil
}

// List returns a trace's checkpoints, newest first.
func (m *Manager) List(ctx context.Context, traceID string) ([]Checkpoint, error) {
	conn, err := m.pool.Take(ctx)
	if err != nil {
		return nil, traceerr.Unavailable("checkpoint: list", err)
	}
	defer m.pool.Put(conn)

	records, err := queryCheckpoints(conn,
		checkpointColumns+"WHERE trace_id = ? ORDER BY sequence DESC", traceID)
	if err != nil {
		return nil, traceerr.Storage("checkpoint: list", err)
	}
	return records, nil
}

// Load returns a checkpoint of the trace with its state. An empty
// checkpointID loads the most recent checkpoint. Fails with ErrNotFound
// when the trace has no such checkpoint.
func (m *Manager) Load(ctx context.Context, traceID, checkpointID string) (*Snapshot, error) {
	record, err := m.find(ctx, traceID, checkpointID)
	if err != nil {
		return nil, err
	}

	content, err := m.artifacts.Retrieve(ctx, record.State)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: loading state of %s: %w", record.ID, err)
	}
	return &Snapshot{Checkpoint: *record, State: content.Data}, nil
}

func (m *Manager) find(ctx context.Context, traceID, checkpointID string) (*Checkpoint, error) {
	conn, err := m.pool.Take(ctx)
	if err != nil {
		return nil, traceerr.Unavailable("checkpoint: load", err)
	}
	defer m.pool.Put(conn)

	var records []Checkpoint
	if checkpointID == "" {
		records, err = queryCheckpoints(conn,
			checkpointColumns+"WHERE trace_id = ? ORDER BY sequence DESC LIMIT 1", traceID)
	} else {
		records, err = queryCheckpoints(conn,
			checkpointColumns+"WHERE trace_id = ? AND checkpoint_id = ?", traceID, checkpointID)
	}
	if err != nil {
		return nil, traceerr.Storage("checkpoint: load", err)
	}
	if len(records) == 0 {
		if checkpointID == "" {
			return nil, fmt.Errorf("checkpoint: trace %s has no checkpoints: %w", traceID, traceerr.ErrNotFound)
		}
		return nil, fmt.Errorf("checkpoint: %s in trace %s: %w", checkpointID, traceID, traceerr.ErrNotFound)
	}
	return &records[0], nil
}

// Branch starts newTraceID from an existing checkpoint. The new trace's
// first checkpoint shares the source's state artifact and step number,
// has the source checkpoint as its parent, and leaves the new trace
// paused. The target trace must have no checkpoints and no recorded
// state.
func (m *Manager) Branch(ctx context.Context, checkpointID, newTraceID string) (*Checkpoint, error) {
	if newTraceID == "" {
		return nil, errors.New("checkpoint: branch: new trace id is required")
	}
	source, err := m.Get(ctx, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: branch: %w", err)
	}
	if source.TraceID == newTraceID {
		return nil, fmt.Errorf("checkpoint: branch: %s already belongs to trace %s", checkpointID, newTraceID)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("checkpoint: generating id: %w", err)
	}
	record := Checkpoint{
		ID:          id.String(),
		TraceID:     newTraceID,
		StepNumber:  source.StepNumber,
		Status:      source.Status,
		Description: fmt.Sprintf("branch of %s", source.ID),
		State:       source.State,
		ParentID:    source.ID,
		CreatedAt:   m.clock.Now(),
		Metadata: map[string]string{
			"branched_from_trace":      source.TraceID,
			"branched_from_checkpoint": source.ID,
		},
	}

	conn, err := m.pool.Take(ctx)
	if err != nil {
		return nil, traceerr.Unavailable("checkpoint: branch", err)
	}
	defer m.pool.Put(conn)

	if err := insertBranch(conn, &record); err != nil {
		return nil, traceerr.Storage("checkpoint: branch", err)
	}

	m.logger.Info("trace branched",
		"trace_id", newTraceID,
		"checkpoint_id", record.ID,
		"source_trace_id", source.TraceID,
		"source_checkpoint_id", source.ID,
	)
	return &record, nil
}

func insertBranch(conn *sqlite.Conn, record *Checkpoint) (err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return err
	}
	defer endTransaction(&err)

	existing, err := queryCheckpoints(conn, checkpointColumns+"WHERE trace_id = ? LIMIT 1", record.TraceID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return fmt.Errorf("branch target trace %s already has checkpoints: %w",
			record.TraceID, traceerr.ErrInvalidTransition)
	}
	status, err := selectTraceStatus(conn, record.TraceID)
	if err != nil {
		return err
	}
	if status.State != StateNone {
		return fmt.Errorf("branch target trace %s is %s: %w",
			record.TraceID, status.State, traceerr.ErrInvalidTransition)
	}
	return writeCheckpoint(conn, record, false)
}

// Resume loads a checkpoint of a paused trace and marks the trace
// resumed from it. An empty checkpointID resumes from the most recent
// checkpoint.
func (m *Manager) Resume(ctx context.Context, traceID, checkpointID string) (*Snapshot, error) {
	snapshot, err := m.Load(ctx, traceID, checkpointID)
	if err != nil {
		return nil, err
	}
	if err := m.setState(ctx, traceID, StateResumed, snapshot.ID); err != nil {
		return nil, err
	}
	m.logger.Info("trace resumed",
		"trace_id", traceID,
		"checkpoint_id", snapshot.ID,
		"step", snapshot.StepNumber,
	)
	return snapshot, nil
}

// Complete marks a resumed trace completed.
func (m *Manager) Complete(ctx context.Context, traceID string) error {
	return m.setState(ctx, traceID, StateCompleted, "")
}

// Fail marks a resumed trace failed.
func (m *Manager) Fail(ctx context.Context, traceID string) error {
	return m.setState(ctx, traceID, StateFailed, "")
}

func (m *Manager) setState(ctx context.Context, traceID string, to State, checkpointID string) error {
	conn, err := m.pool.Take(ctx)
	if err != nil {
		return traceerr.Unavailable("checkpoint: set state", err)
	}
	defer m.pool.Put(conn)

	err = func() (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return err
		}
		defer endTransaction(&err)
		return transition(conn, traceID, to, checkpointID, m.clock.Now())
	}()
	if err != nil {
		return traceerr.Storage(fmt.Sprintf("checkpoint: %s", to), err)
	}
	return nil
}

// TraceState returns a trace's lifecycle state. A trace never seen is
// in state NONE.
func (m *Manager) TraceState(ctx context.Context, traceID string) (TraceStatus, error) {
	conn, err := m.pool.Take(ctx)
	if err != nil {
		return TraceStatus{}, traceerr.Unavailable("checkpoint: trace state", err)
	}
	defer m.pool.Put(conn)

	status, err := selectTraceStatus(conn, traceID)
	if err != nil {
		return TraceStatus{}, traceerr.Storage("checkpoint: trace state", err)
	}
	return status, nil
}

// Ancestry returns the chain of checkpoints from the root of the
// checkpoint tree down to checkpointID, following parents across
// branches.
func (m *Manager) Ancestry(ctx context.Context, checkpointID string) ([]Checkpoint, error) {
	conn, err := m.pool.Take(ctx)
	if err != nil {
		return nil, traceerr.Unavailable("checkpoint: ancestry", err)
	}
	defer m.pool.Put(conn)

	records, err := queryCheckpoints(conn,
		`WITH RECURSIVE chain(id, depth) AS (
			SELECT ?, 0
			UNION ALL
			SELECT c.parent_checkpoint_id, chain.depth + 1
				FROM checkpoints c JOIN chain ON c.checkpoint_id = chain.id
				WHERE c.parent_checkpoint_id IS NOT NULL
		)
		SELECT sequence, checkpoint_id, trace_id, step_number, status, description,
			state_artifact, parent_checkpoint_id, created_at, metadata
		FROM checkpoints JOIN chain ON checkpoints.checkpoint_id = chain.id
		ORDER BY chain.depth DESC`,
		checkpointID)
	if err != nil {
		return nil, traceerr.Storage("checkpoint: ancestry", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("checkpoint: ancestry: %s: %w", checkpointID, traceerr.ErrNotFound)
	}
	return records, nil
}

// Children returns the checkpoints whose parent is checkpointID: the
// next checkpoint of the same trace and the first checkpoint of each
// branch, oldest first.
func (m *Manager) Children(ctx context.Context, checkpointID string) ([]Checkpoint, error) {
	conn, err := m.pool.Take(ctx)
	if err != nil {
		return nil, traceerr.Unavailable("checkpoint: children", err)
	}
	defer m.pool.Put(conn)

	records, err := queryCheckpoints(conn,
		checkpointColumns+"WHERE parent_checkpoint_id = ? ORDER BY sequence", checkpointID)
	if err != nil {
		return nil, traceerr.Storage("checkpoint: children", err)
	}
	return records, nil
}

// StateArtifacts returns the state artifact digest of every checkpoint.
func (m *Manager) StateArtifacts(ctx context.Context) ([]string, error) {
	conn, err := m.pool.Take(ctx)
	if err != nil {
		return nil, traceerr.Unavailable("checkpoint: state artifacts", err)
	}
	defer m.pool.Put(conn)

	var hashes []string
	err = sqlitex.Execute(conn, "SELECT DISTINCT state_artifact FROM checkpoints", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			hashes = append(hashes, stmt.ColumnText(0))
			return nil
		},
	})
	if err != nil {
		return nil, traceerr.Storage("checkpoint: state artifacts", err)
	}
	return hashes, nil
}

const checkpointColumns = `SELECT sequence, checkpoint_id, trace_id, step_number, status, description,
	state_artifact, parent_checkpoint_id, created_at, metadata
	FROM checkpoints `

func selectCheckpoint(conn *sqlite.Conn, checkpointID string) (*Checkpoint, error) {
	records, err := queryCheckpoints(conn, checkpointColumns+"WHERE checkpoint_id = ?", checkpointID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("checkpoint %s: %w", checkpointID, traceerr.ErrNotFound)
	}
	return &records[0], nil
}

func queryCheckpoints(conn *sqlite.Conn, query string, args ...any) ([]Checkpoint, error) {
	var records []Checkpoint
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			record := Checkpoint{
				Sequence:    stmt.ColumnInt64(0),
				ID:          stmt.ColumnText(1),
				TraceID:     stmt.ColumnText(2),
				StepNumber:  stmt.ColumnInt64(3),
				Status:      stmt.ColumnText(4),
				Description: stmt.ColumnText(5),
				ParentID:    stmt.ColumnText(7),
				CreatedAt:   tracedb.FromUnixNanos(stmt.ColumnInt64(8)),
			}
			state, err := blob.ParseHash(stmt.ColumnText(6))
			if err != nil {
				return fmt.Errorf("checkpoint %s: %w", record.ID, err)
			}
			record.State = state
			if length := stmt.ColumnLen(9); length > 0 {
				raw := make([]byte, length)
				stmt.ColumnBytes(9, raw)
				if err := codec.Unmarshal(raw, &record.Metadata); err != nil {
					return fmt.Errorf("checkpoint %s: decoding metadata: %w", record.ID, err)
				}
			}
			records = append(records, record)
			return nil
		},
	})
	return records, err
}
