// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

package replay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jhacksman/compymac-sub000/lib/artifact"
	"github.com/jhacksman/compymac-sub000/lib/blob"
	"github.com/jhacksman/compymac-sub000/lib/checkpoint"
	"github.com/jhacksman/compymac-sub000/lib/clock"
	"github.com/jhacksman/compymac-sub000/lib/eventlog"
	"github.com/jhacksman/compymac-sub000/lib/span"
	"github.com/jhacksman/compymac-sub000/lib/tracedb"
	"github.com/jhacksman/compymac-sub000/lib/traceerr"
)

var epoch = time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC)

type fixture struct {
	clock       *clock.FakeClock
	blobs       *blob.Store
	artifacts   *artifact.Store
	log         *eventlog.Log
	engine      *span.Engine
	checkpoints *checkpoint.Manager
	reader      *Reader
}

func newFixture(t *testing.T, verify bool) *fixture {
	t.Helper()
	root := t.TempDir()

	pool, err := tracedb.Open(tracedb.Config{Path: filepath.Join(root, "trace.db"), PoolSize: 4})
	if err != nil {
		t.Fatalf("tracedb.Open: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	fake := clock.Fake(epoch)
	blobs, err := blob.Open(blob.Config{Root: filepath.Join(root, "artifacts"), Compression: "none"})
	if err != nil {
		t.Fatalf("blob.Open: %v", err)
	}
	artifacts, err := artifact.New(artifact.Config{Pool: pool, Blobs: blobs, Clock: fake})
	if err != nil {
		t.Fatalf("artifact.New: %v", err)
	}
	log, err := eventlog.New(eventlog.Config{Pool: pool, Clock: fake})
	if err != nil {
		t.Fatalf("eventlog.New: %v", err)
	}
	engine, err := span.New(span.Config{Log: log, Clock: fake})
	if err != nil {
		t.Fatalf("span.New: %v", err)
	}
	checkpoints, err := checkpoint.New(checkpoint.Config{Pool: pool, Artifacts: artifacts, Clock: fake})
	if err != nil {
		t.Fatalf("checkpoint.New: %v", err)
	}
	reader, err := New(Config{
		Events:          log,
		Checkpoints:     checkpoints,
		Artifacts:       artifacts,
		VerifyArtifacts: verify,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{
		clock:       fake,
		blobs:       blobs,
		artifacts:   artifacts,
		log:         log,
		engine:      engine,
		checkpoints: checkpoints,
		reader:      reader,
	}
}

func (f *fixture) checkpoint(t *testing.T, traceID string, step int64, contentType, state string) *checkpoint.Checkpoint {
	t.Helper()
	record, err := f.checkpoints.Create(context.Background(), checkpoint.CreateRequest{
		TraceID:     traceID,
		StepNumber:  step,
		Description: "after step",
		ContentType: contentType,
		State:       []byte(state),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return record
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func TestTimelineMergesCheckpoints(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	trace := f.engine.Trace("trace-1")

	turn, err := trace.StartSpan(ctx, span.KindAgentTurn, "turn 1", "")
	must(t, err)
	f.clock.Advance(time.Second)
	call, err := trace.StartSpan(ctx, span.KindLLMCall, "plan", turn)
	must(t, err)
	f.clock.Advance(time.Second)
	must(t, trace.EndSpan(ctx, call, span.EndOptions{}))
	f.clock.Advance(time.Second)
	saved := f.checkpoint(t, "trace-1", 1, "application/json", `{"steps_done":1}`)
	f.clock.Advance(time.Second)
	must(t, trace.SetAttribute(ctx, turn, "tokens", span.Number(512)))
	must(t, trace.EndSpan(ctx, turn, span.EndOptions{}))

	entries, err := f.reader.Timeline(ctx, "trace-1")
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	want := []struct {
		kind  EntryKind
		span  string
		depth int
	}{
		{EntrySpanStart, turn, 0},
		{EntrySpanStart, call, 1},
		{EntrySpanEnd, call, 1},
		{EntryCheckpoint, "", 0},
		{EntryAttribute, turn, 0},
		{EntrySpanEnd, turn, 0},
	}
	if len(entries) != len(want) {
		t.Fatalf("Timeline has %d entries, want %d: %+v", len(entries), len(want), entries)
	}
	for i, entry := range entries {
		if entry.Kind != want[i].kind || entry.SpanID != want[i].span || entry.Depth != want[i].depth {
			t.Errorf("entry %d = %s/%s/depth %d, want %s/%s/depth %d",
				i, entry.Kind, entry.SpanID, entry.Depth, want[i].kind, want[i].span, want[i].depth)
		}
	}
	if entries[1].Name != "plan" || entries[1].SpanKind != span.KindLLMCall {
		t.Errorf("llm entry = %+v", entries[1])
	}
	if entries[3].Checkpoint == nil || entries[3].Checkpoint.ID != saved.ID {
		t.Errorf("checkpoint entry = %+v, want %s", entries[3], saved.ID)
	}
	if entries[4].Key != "tokens" || entries[4].Value == nil || entries[4].Value.Num != 512 {
		t.Errorf("attribute entry = %+v", entries[4])
	}
}

func TestTimelineKeepsSequenceOrderWhenClocksDisagree(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	// The second writer stamped its event before the first writer but
	// committed after it.
	f.clock.Advance(10 * time.Second)
	saved := f.checkpoint(t, "trace-1", 1, "application/json", `{"steps_done":1}`)
	for _, event := range []*eventlog.Event{
		{TraceID: "trace-1", SpanID: "a", Type: eventlog.SpanStart, Timestamp: epoch.Add(5 * time.Second),
			Payload: eventlog.Payload{Kind: span.KindAgentTurn, Name: "a"}},
		{TraceID: "trace-1", SpanID: "b", Type: eventlog.SpanStart, Timestamp: epoch.Add(12 * time.Second),
			Payload: eventlog.Payload{Kind: span.KindToolCall, Name: "b", ParentSpanID: "a"}},
		{TraceID: "trace-1", SpanID: "c", Type: eventlog.SpanStart, Timestamp: epoch.Add(8 * time.Second),
			Payload: eventlog.Payload{Kind: span.KindToolCall, Name: "c", ParentSpanID: "a"}},
		{TraceID: "trace-1", SpanID: "c", Type: eventlog.SpanEnd, Timestamp: epoch.Add(14 * time.Second),
			Payload: eventlog.Payload{Status: eventlog.StatusOK}},
	} {
		must(t, f.log.Append(ctx, event))
	}

	entries, err := f.reader.Timeline(ctx, "trace-1")
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	var got []string
	for _, entry := range entries {
		if entry.Kind == EntryCheckpoint {
			got = append(got, "checkpoint")
			continue
		}
		got = append(got, entry.SpanID+":"+string(entry.Kind))
	}
	want := []string{
		"a:" + string(EntrySpanStart),
		"checkpoint",
		"b:" + string(EntrySpanStart),
		"c:" + string(EntrySpanStart),
		"c:" + string(EntrySpanEnd),
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("timeline order = %v, want %v", got, want)
	}
	if entries[1].Checkpoint == nil || entries[1].Checkpoint.ID != saved.ID {
		t.Errorf("entry 1 = %+v, want checkpoint %s", entries[1], saved.ID)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Kind != EntryCheckpoint && entries[i-1].Kind != EntryCheckpoint &&
			entries[i].Sequence < entries[i-1].Sequence {
			t.Errorf("events %d and %d are out of sequence order", i-1, i)
		}
	}
}

func TestTimelineEmptyTrace(t *testing.T) {
	f := newFixture(t, false)
	entries, err := f.reader.Timeline(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Timeline of unknown trace has %d entries", len(entries))
	}
}

func TestDiffJSONStates(t *testing.T) {
	f := newFixture(t, false)
	from := f.checkpoint(t, "trace-1", 3, "application/json",
		`{"steps_done":3,"files":["a.go","b.go"],"plan":{"goal":"fix","notes":"x"}}`)
	to := f.checkpoint(t, "trace-1", 4, "application/json",
		`{"steps_done":4,"files":["a.go"],"plan":{"goal":"fix","owner":"agent"}}`)

	diff, err := f.reader.DiffCheckpoints(context.Background(), from.ID, to.ID)
	if err != nil {
		t.Fatalf("DiffCheckpoints: %v", err)
	}
	if diff.Format != FormatJSON || diff.Identical {
		t.Fatalf("diff = %s identical=%v, want json with changes", diff.Format, diff.Identical)
	}
	want := []struct {
		path string
		kind ChangeKind
	}{
		{"/files/1", ChangeRemoved},
		{"/plan/notes", ChangeRemoved},
		{"/plan/owner", ChangeAdded},
		{"/steps_done", ChangeChanged},
	}
	if len(diff.Changes) != len(want) {
		t.Fatalf("Changes = %+v, want %d entries", diff.Changes, len(want))
	}
	for i, change := range diff.Changes {
		if change.Path != want[i].path || change.Kind != want[i].kind {
			t.Errorf("Changes[%d] = %s %s, want %s %s", i, change.Kind, change.Path, want[i].kind, want[i].path)
		}
	}
	if before, after := fmt.Sprint(diff.Changes[3].Before), fmt.Sprint(diff.Changes[3].After); before != "3" || after != "4" {
		t.Errorf("steps_done changed %s -> %s, want 3 -> 4", before, after)
	}
}

func TestDiffIdenticalAndOpaque(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	a := f.checkpoint(t, "trace-1", 1, "application/json", `{"k":1}`)
	b := f.checkpoint(t, "trace-1", 2, "application/json", `{"k":1}`)
	diff, err := f.reader.DiffCheckpoints(ctx, a.ID, b.ID)
	if err != nil {
		t.Fatalf("DiffCheckpoints: %v", err)
	}
	if !diff.Identical || len(diff.Changes) != 0 {
		t.Errorf("identical states: Identical=%v Changes=%v", diff.Identical, diff.Changes)
	}

	c := f.checkpoint(t, "trace-1", 3, "application/octet-stream", "\x00\x01opaque")
	d := f.checkpoint(t, "trace-1", 4, "application/octet-stream", "\x00\x02opaque")
	diff, err = f.reader.DiffCheckpoints(ctx, c.ID, d.ID)
	if err != nil {
		t.Fatalf("DiffCheckpoints: %v", err)
	}
	if diff.Format != FormatBytes || diff.Identical || len(diff.Changes) != 1 {
		t.Errorf("opaque diff = %+v", diff)
	}

	if _, err := f.reader.DiffCheckpoints(ctx, a.ID, "missing"); !errors.Is(err, traceerr.ErrNotFound) {
		t.Errorf("diff against unknown checkpoint: got %v, want ErrNotFound", err)
	}
}

func TestDiffDegradesOnCorruptState(t *testing.T) {
	f := newFixture(t, false)
	a := f.checkpoint(t, "trace-1", 1, "application/json", `{"k":1}`)
	b := f.checkpoint(t, "trace-1", 2, "application/json", `{"k":2}`)

	if err := os.WriteFile(f.blobs.Path(b.State), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	diff, err := f.reader.DiffCheckpoints(context.Background(), a.ID, b.ID)
	if err != nil {
		t.Fatalf("DiffCheckpoints: %v", err)
	}
	if diff.Format != FormatUnavailable {
		t.Errorf("Format = %s, want unavailable", diff.Format)
	}
	if len(diff.Health) != 1 || diff.Health[0].Hash != b.State || diff.Health[0].Status != HealthCorrupt {
		t.Errorf("Health = %+v, want %s corrupt", diff.Health, b.State)
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name          string
		before, after any
		paths         []string
	}{
		{"equal scalars", "a", "a", nil},
		{"changed scalar", "a", "b", []string{""}},
		{"type change", map[string]any{"x": 1}, []any{1}, []string{""}},
		{"escaped key", map[string]any{"a/b": 1}, map[string]any{"a/b": 2}, []string{"/a~1b"}},
		{"appended element", []any{1}, []any{1, 2}, []string{"/1"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			changes := compare("", test.before, test.after, nil)
			if len(changes) != len(test.paths) {
				t.Fatalf("compare returned %+v, want paths %v", changes, test.paths)
			}
			for i, change := range changes {
				if change.Path != test.paths[i] {
					t.Errorf("change %d path = %q, want %q", i, change.Path, test.paths[i])
				}
			}
		})
	}
}

func TestSummary(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	trace := f.engine.Trace("trace-1")

	prompt, err := f.artifacts.Store(ctx, artifact.StoreRequest{Type: "llm_prompt", ContentType: "text/plain"}, []byte("plan the fix"))
	must(t, err)
	response, err := f.artifacts.Store(ctx, artifact.StoreRequest{Type: "llm_response", ContentType: "text/plain"}, []byte("edit a.go"))
	must(t, err)

	turn, err := trace.StartSpan(ctx, span.KindAgentTurn, "turn 1", "")
	must(t, err)
	call, err := trace.StartSpan(ctx, span.KindLLMCall, "plan", turn)
	must(t, err)
	f.clock.Advance(2 * time.Second)
	must(t, trace.EndSpan(ctx, call, span.EndOptions{Input: &prompt.Hash, Output: &response.Hash}))
	tool, err := trace.StartSpan(ctx, span.KindToolCall, "run_tests", turn)
	must(t, err)
	f.clock.Advance(time.Second)
	must(t, trace.EndSpan(ctx, tool, span.EndOptions{Status: eventlog.StatusError, Error: "exit 1"}))
	f.clock.Advance(time.Second)
	saved := f.checkpoint(t, "trace-1", 1, "application/json", `{"steps_done":1}`)

	if err := os.Remove(f.blobs.Path(response.Hash)); err != nil {
		t.Fatal(err)
	}

	summary, err := f.reader.Summary(ctx, "trace-1")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.Spans != 3 || summary.Events != 5 {
		t.Errorf("Spans=%d Events=%d, want 3 and 5", summary.Spans, summary.Events)
	}
	if summary.ByKind[span.KindToolCall] != 1 || summary.ByStatus[string(eventlog.StatusIncomplete)] != 1 {
		t.Errorf("ByKind=%v ByStatus=%v", summary.ByKind, summary.ByStatus)
	}
	if len(summary.ErrorSpans) != 1 || summary.ErrorSpans[0].SpanID != tool || summary.ErrorSpans[0].Error != "exit 1" {
		t.Errorf("ErrorSpans = %+v", summary.ErrorSpans)
	}
	if len(summary.IncompleteSpans) != 1 || summary.IncompleteSpans[0].SpanID != turn {
		t.Errorf("IncompleteSpans = %+v", summary.IncompleteSpans)
	}
	if summary.Checkpoints != 1 || summary.LatestCheckpoint != saved.ID {
		t.Errorf("Checkpoints=%d Latest=%s", summary.Checkpoints, summary.LatestCheckpoint)
	}
	if summary.Duration != 4*time.Second {
		t.Errorf("Duration = %v, want 4s", summary.Duration)
	}

	health := make(map[blob.Hash]HealthStatus)
	for _, entry := range summary.Artifacts {
		health[entry.Hash] = entry.Status
	}
	if len(health) != 3 {
		t.Fatalf("Artifacts = %+v, want 3 references", summary.Artifacts)
	}
	if health[prompt.Hash] != HealthOK || health[saved.State] != HealthOK {
		t.Errorf("healthy references reported as %v", health)
	}
	if health[response.Hash] != HealthCorrupt {
		t.Errorf("response with removed blob = %s, want corrupt", health[response.Hash])
	}
}

func TestSummaryKeepsOverwrittenArtifactAttributes(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	trace := f.engine.Trace("trace-1")

	first, err := f.artifacts.Store(ctx, artifact.StoreRequest{Type: "diff", ContentType: "text/x-diff"}, []byte("-a\n+b\n"))
	must(t, err)
	second, err := f.artifacts.Store(ctx, artifact.StoreRequest{Type: "diff", ContentType: "text/x-diff"}, []byte("-b\n+c\n"))
	must(t, err)

	tool, err := trace.StartSpan(ctx, span.KindToolCall, "apply_patch", "")
	must(t, err)
	must(t, trace.SetAttribute(ctx, tool, "patch", span.ArtifactRef(first.Hash, first.Size)))
	must(t, trace.SetAttribute(ctx, tool, "patch", span.ArtifactRef(second.Hash, second.Size)))
	must(t, trace.EndSpan(ctx, tool, span.EndOptions{}))

	summary, err := f.reader.Summary(ctx, "trace-1")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	seen := make(map[blob.Hash]bool)
	for _, entry := range summary.Artifacts {
		seen[entry.Hash] = true
	}
	if !seen[first.Hash] || !seen[second.Hash] || len(seen) != 2 {
		t.Errorf("Artifacts = %+v, want both patch values", summary.Artifacts)
	}
}
