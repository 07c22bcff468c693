// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jhacksman/compymac-sub000/lib/artifact"
	"github.com/jhacksman/compymac-sub000/lib/blob"
	"github.com/jhacksman/compymac-sub000/lib/clock"
	"github.com/jhacksman/compymac-sub000/lib/eventlog"
	"github.com/jhacksman/compymac-sub000/lib/sqlitepool"
	"github.com/jhacksman/compymac-sub000/lib/tracedb"
	"github.com/jhacksman/compymac-sub000/lib/traceerr"
)

var epoch = time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

type fixture struct {
	pool      *sqlitepool.Pool
	clock     *clock.FakeClock
	artifacts *artifact.Store
	manager   *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()

	pool, err := tracedb.Open(tracedb.Config{Path: filepath.Join(root, "trace.db"), PoolSize: 4})
	if err != nil {
		t.Fatalf("tracedb.Open: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	blobs, err := blob.Open(blob.Config{Root: filepath.Join(root, "artifacts")})
	if err != nil {
		t.Fatalf("blob.Open: %v", err)
	}
	fake := clock.Fake(epoch)
	artifacts, err := artifact.New(artifact.Config{Pool: pool, Blobs: blobs, Clock: fake})
	if err != nil {
		t.Fatalf("artifact.New: %v", err)
	}
	manager, err := New(Config{Pool: pool, Artifacts: artifacts, Clock: fake})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{pool: pool, clock: fake, artifacts: artifacts, manager: manager}
}

func (f *fixture) create(t *testing.T, traceID string, step int64, state string) *Checkpoint {
	t.Helper()
	f.clock.Advance(time.Second)
	record, err := f.manager.Create(context.Background(), CreateRequest{
		TraceID:     traceID,
		StepNumber:  step,
		Description: "step checkpoint",
		State:       []byte(state),
		ContentType: "application/json",
	})
	if err != nil {
		t.Fatalf("Create(%s, step %d): %v", traceID, step, err)
	}
	return record
}

func TestCreateAndLoadLatest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created := f.create(t, "trace-1", 3, `{"steps_done":3}`)
	if created.ParentID != "" {
		t.Errorf("first checkpoint ParentID = %q, want empty", created.ParentID)
	}
	if created.Status != DefaultStatus {
		t.Errorf("Status = %q, want %q", created.Status, DefaultStatus)
	}

	snapshot, err := f.manager.Load(ctx, "trace-1", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snapshot.ID != created.ID {
		t.Errorf("Load returned %s, want %s", snapshot.ID, created.ID)
	}
	if snapshot.StepNumber != 3 {
		t.Errorf("StepNumber = %d, want 3", snapshot.StepNumber)
	}
	if string(snapshot.State) != `{"steps_done":3}` {
		t.Errorf("State = %s", snapshot.State)
	}
	if !snapshot.CreatedAt.Equal(epoch.Add(time.Second)) {
		t.Errorf("CreatedAt = %v", snapshot.CreatedAt)
	}

	status, err := f.manager.TraceState(ctx, "trace-1")
	if err != nil {
		t.Fatalf("TraceState: %v", err)
	}
	if status.State != StatePaused || status.CheckpointID != created.ID {
		t.Errorf("TraceState = %+v, want PAUSED at %s", status, created.ID)
	}
}

func TestCreateMetadataRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.manager.Create(ctx, CreateRequest{
		TraceID:  "trace-1",
		State:    []byte("state"),
		Status:   "manual",
		Metadata: map[string]string{"reason": "operator pause"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := f.manager.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != "manual" {
		t.Errorf("Status = %q, want manual", got.Status)
	}
	if got.Metadata["reason"] != "operator pause" {
		t.Errorf("Metadata = %v", got.Metadata)
	}
	if got.Sequence != created.Sequence {
		t.Errorf("Sequence = %d, want %d", got.Sequence, created.Sequence)
	}
}

func TestListNewestFirstWithParentChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.create(t, "trace-1", 1, "one")
	second := f.create(t, "trace-1", 2, "two")
	third := f.create(t, "trace-1", 3, "three")
	f.create(t, "trace-2", 1, "other")

	list, err := f.manager.List(ctx, "trace-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("List returned %d checkpoints, want 3", len(list))
	}
	want := []string{third.ID, second.ID, first.ID}
	for i, record := range list {
		if record.ID != want[i] {
			t.Errorf("List[%d] = %s, want %s", i, record.ID, want[i])
		}
	}
	if second.ParentID != first.ID || third.ParentID != second.ID {
		t.Errorf("parent chain = %q <- %q, want %q <- %q",
			second.ParentID, third.ParentID, first.ID, second.ID)
	}

	snapshot, err := f.manager.Load(ctx, "trace-1", first.ID)
	if err != nil {
		t.Fatalf("Load(first): %v", err)
	}
	if string(snapshot.State) != "one" {
		t.Errorf("first State = %q, want one", snapshot.State)
	}
}

func TestSameStateSharesArtifact(t *testing.T) {
	f := newFixture(t)

	a := f.create(t, "trace-1", 1, "same")
	b := f.create(t, "trace-1", 2, "same")
	if a.State != b.State {
		t.Errorf("identical states stored as %s and %s", a.State, b.State)
	}

	hashes, err := f.manager.StateArtifacts(context.Background())
	if err != nil {
		t.Fatalf("StateArtifacts: %v", err)
	}
	if len(hashes) != 1 || hashes[0] != a.State.String() {
		t.Errorf("StateArtifacts = %v, want [%s]", hashes, a.State)
	}
}

func TestCreateRejectsEmptyState(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Create(context.Background(), CreateRequest{TraceID: "trace-1"})
	if !errors.Is(err, traceerr.ErrEmptyState) {
		t.Fatalf("Create with empty state: got %v, want ErrEmptyState", err)
	}

	list, err := f.manager.List(context.Background(), "trace-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("rejected create left %d checkpoints", len(list))
	}
}

func TestStateBypassesPreStoreHook(t *testing.T) {
	for name, hook := range map[string]artifact.Transform{
		"empty":  func([]byte) ([]byte, error) { return nil, nil },
		"redact": func([]byte) ([]byte, error) { return []byte("[REDACTED]"), nil },
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.artifacts.SetPreStoreHook(hook)

			state := `{"steps_done":3,"secret":"x"}`
			record := f.create(t, "trace-1", 3, state)

			snapshot, err := f.manager.Load(ctx, "trace-1", record.ID)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if string(snapshot.State) != state {
				t.Errorf("loaded state %q, want %q", snapshot.State, state)
			}
			if record.State != blob.Sum([]byte(state)) {
				t.Errorf("state hash %s is not the hash of the saved bytes", record.State)
			}

			// Other artifacts still pass through the hook.
			other, err := f.artifacts.Store(ctx, artifact.StoreRequest{Type: "tool_output"}, []byte("out"))
			if err != nil {
				t.Fatalf("Store: %v", err)
			}
			if other.Hash == blob.Sum([]byte("out")) {
				t.Error("tool output was stored without the hook")
			}
		})
	}
}

// emptyingStore stores every state as zero bytes, whatever the request.
type emptyingStore struct {
	inner *artifact.Store
}

func (s emptyingStore) Store(ctx context.Context, request artifact.StoreRequest, _ []byte) (*artifact.Artifact, error) {
	return s.inner.Store(ctx, request, nil)
}

func (s emptyingStore) Retrieve(ctx context.Context, hash blob.Hash) (*artifact.Content, error) {
	return s.inner.Retrieve(ctx, hash)
}

func TestCreateRejectsEmptyStoredState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	manager, err := New(Config{Pool: f.pool, Artifacts: emptyingStore{inner: f.artifacts}, Clock: f.clock})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = manager.Create(ctx, CreateRequest{TraceID: "trace-1", State: []byte(`{"a":1}`)})
	if !errors.Is(err, traceerr.ErrEmptyState) {
		t.Fatalf("Create whose state was stored empty: got %v, want ErrEmptyState", err)
	}
	if records, err := manager.List(ctx, "trace-1"); err != nil || len(records) != 0 {
		t.Errorf("List after rejected create = %v, %v; want no checkpoints", records, err)
	}
	status, err := manager.TraceState(ctx, "trace-1")
	if err != nil {
		t.Fatalf("TraceState: %v", err)
	}
	if status.State != StateNone {
		t.Errorf("trace state = %s after rejected create, want NONE", status.State)
	}
}

func TestLoadNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.manager.Load(ctx, "trace-1", ""); !errors.Is(err, traceerr.ErrNotFound) {
		t.Errorf("Load on empty trace: got %v, want ErrNotFound", err)
	}
	if _, err := f.manager.Load(ctx, "trace-1", "no-such-checkpoint"); !errors.Is(err, traceerr.ErrNotFound) {
		t.Errorf("Load unknown id: got %v, want ErrNotFound", err)
	}

	other := f.create(t, "trace-2", 1, "state")
	if _, err := f.manager.Load(ctx, "trace-1", other.ID); !errors.Is(err, traceerr.ErrNotFound) {
		t.Errorf("Load of another trace's checkpoint: got %v, want ErrNotFound", err)
	}
	if _, err := f.manager.Get(ctx, "no-such-checkpoint"); !errors.Is(err, traceerr.ErrNotFound) {
		t.Errorf("Get unknown id: got %v, want ErrNotFound", err)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.manager.Complete(ctx, "trace-1"); !errors.Is(err, traceerr.ErrInvalidTransition) {
		t.Errorf("Complete from NONE: got %v, want ErrInvalidTransition", err)
	}
	if _, err := f.manager.Resume(ctx, "trace-1", ""); !errors.Is(err, traceerr.ErrNotFound) {
		t.Errorf("Resume without checkpoints: got %v, want ErrNotFound", err)
	}

	first := f.create(t, "trace-1", 1, "one")
	if err := f.manager.Complete(ctx, "trace-1"); !errors.Is(err, traceerr.ErrInvalidTransition) {
		t.Errorf("Complete from PAUSED: got %v, want ErrInvalidTransition", err)
	}

	snapshot, err := f.manager.Resume(ctx, "trace-1", first.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if string(snapshot.State) != "one" {
		t.Errorf("resumed State = %q", snapshot.State)
	}
	if _, err := f.manager.Resume(ctx, "trace-1", ""); !errors.Is(err, traceerr.ErrInvalidTransition) {
		t.Errorf("Resume from RESUMED: got %v, want ErrInvalidTransition", err)
	}

	f.create(t, "trace-1", 2, "two")
	if _, err := f.manager.Resume(ctx, "trace-1", ""); err != nil {
		t.Fatalf("second Resume: %v", err)
	}
	if err := f.manager.Complete(ctx, "trace-1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	status, err := f.manager.TraceState(ctx, "trace-1")
	if err != nil {
		t.Fatalf("TraceState: %v", err)
	}
	if status.State != StateCompleted || !status.State.Terminal() {
		t.Errorf("State = %s, want COMPLETED", status.State)
	}
	if _, err := f.manager.Create(ctx, CreateRequest{TraceID: "trace-1", State: []byte("x")}); !errors.Is(err, traceerr.ErrInvalidTransition) {
		t.Errorf("Create on completed trace: got %v, want ErrInvalidTransition", err)
	}
	if err := f.manager.Fail(ctx, "trace-1"); !errors.Is(err, traceerr.ErrInvalidTransition) {
		t.Errorf("Fail on completed trace: got %v, want ErrInvalidTransition", err)
	}

	list, err := f.manager.List(ctx, "trace-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("checkpoint count = %d, want 2", len(list))
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateNone, StatePaused, true},
		{StateNone, StateResumed, false},
		{StatePaused, StatePaused, true},
		{StatePaused, StateResumed, true},
		{StatePaused, StateCompleted, false},
		{StateResumed, StatePaused, true},
		{StateResumed, StateFailed, true},
		{StateCompleted, StatePaused, false},
		{StateFailed, StateResumed, false},
	}
	for _, test := range tests {
		if got := canTransition(test.from, test.to); got != test.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", test.from, test.to, got, test.want)
		}
	}
}

func TestBranchIsolatesSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	log, err := eventlog.New(eventlog.Config{Pool: f.pool, Clock: f.clock})
	if err != nil {
		t.Fatalf("eventlog.New: %v", err)
	}
	if err := log.Append(ctx, &eventlog.Event{
		TraceID: "trace-1",
		SpanID:  "turn-1",
		Type:    eventlog.SpanStart,
		Payload: eventlog.Payload{Kind: "agent_turn", Name: "turn"},
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	source := f.create(t, "trace-1", 4, `{"steps_done":4}`)
	branch, err := f.manager.Branch(ctx, source.ID, "trace-2")
	if err != nil {
		t.Fatalf("Branch: %v", err)
	}
	if branch.TraceID != "trace-2" || branch.ParentID != source.ID {
		t.Errorf("branch = %+v, want trace-2 with parent %s", branch, source.ID)
	}
	if branch.State != source.State || branch.StepNumber != source.StepNumber {
		t.Errorf("branch state/step = %s/%d, want %s/%d",
			branch.State, branch.StepNumber, source.State, source.StepNumber)
	}
	if branch.Metadata["branched_from_trace"] != "trace-1" {
		t.Errorf("branch Metadata = %v", branch.Metadata)
	}

	// Work on the branch touches nothing in the source trace.
	if err := log.Append(ctx, &eventlog.Event{
		TraceID: "trace-2",
		SpanID:  "turn-1",
		Type:    eventlog.SpanStart,
		Payload: eventlog.Payload{Kind: "agent_turn", Name: "turn"},
	}); err != nil {
		t.Fatalf("Append to branch: %v", err)
	}
	f.create(t, "trace-2", 5, `{"steps_done":5}`)

	var sourceEvents int
	for _, err := range log.ReadTrace(ctx, "trace-1") {
		if err != nil {
			t.Fatalf("ReadTrace: %v", err)
		}
		sourceEvents++
	}
	if sourceEvents != 1 {
		t.Errorf("source trace has %d events, want 1", sourceEvents)
	}
	sourceList, err := f.manager.List(ctx, "trace-1")
	if err != nil {
		t.Fatalf("List(trace-1): %v", err)
	}
	if len(sourceList) != 1 || sourceList[0].ID != source.ID {
		t.Errorf("source checkpoints = %+v, want only %s", sourceList, source.ID)
	}
	status, err := f.manager.TraceState(ctx, "trace-2")
	if err != nil {
		t.Fatalf("TraceState: %v", err)
	}
	if status.State != StatePaused {
		t.Errorf("branch state = %s, want PAUSED", status.State)
	}
}

func TestBranchRejectsUsedTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	source := f.create(t, "trace-1", 1, "one")
	f.create(t, "trace-2", 1, "two")

	if _, err := f.manager.Branch(ctx, source.ID, "trace-2"); !errors.Is(err, traceerr.ErrInvalidTransition) {
		t.Errorf("Branch onto trace with checkpoints: got %v, want ErrInvalidTransition", err)
	}
	if _, err := f.manager.Branch(ctx, source.ID, "trace-1"); err == nil {
		t.Error("Branch onto the source trace succeeded")
	}
	if _, err := f.manager.Branch(ctx, "no-such-checkpoint", "trace-3"); !errors.Is(err, traceerr.ErrNotFound) {
		t.Errorf("Branch from unknown checkpoint: got %v, want ErrNotFound", err)
	}
}

func TestAncestryAndChildren(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.create(t, "trace-1", 1, "one")
	second := f.create(t, "trace-1", 2, "two")
	branch, err := f.manager.Branch(ctx, first.ID, "trace-2")
	if err != nil {
		t.Fatalf("Branch: %v", err)
	}
	f.clock.Advance(time.Second)
	leaf := f.create(t, "trace-2", 3, "three")

	ancestry, err := f.manager.Ancestry(ctx, leaf.ID)
	if err != nil {
		t.Fatalf("Ancestry: %v", err)
	}
	want := []string{first.ID, branch.ID, leaf.ID}
	if len(ancestry) != len(want) {
		t.Fatalf("Ancestry has %d entries, want %d", len(ancestry), len(want))
	}
	for i, record := range ancestry {
		if record.ID != want[i] {
			t.Errorf("Ancestry[%d] = %s, want %s", i, record.ID, want[i])
		}
	}

	children, err := f.manager.Children(ctx, first.ID)
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if len(children) != 2 || children[0].ID != second.ID || children[1].ID != branch.ID {
		t.Errorf("Children(first) = %+v, want [%s %s]", children, second.ID, branch.ID)
	}

	if _, err := f.manager.Ancestry(ctx, "no-such-checkpoint"); !errors.Is(err, traceerr.ErrNotFound) {
		t.Errorf("Ancestry of unknown id: got %v, want ErrNotFound", err)
	}
}
