// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

package span

import (
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/jhacksman/compymac-sub000/lib/eventlog"
)

func sequenceOf(events []eventlog.Event, tail error) iter.Seq2[eventlog.Event, error] {
	return func(yield func(eventlog.Event, error) bool) {
		for _, event := range events {
			if !yield(event, nil) {
				return
			}
		}
		if tail != nil {
			yield(eventlog.Event{}, tail)
		}
	}
}

func TestFoldRecordsAnomalies(t *testing.T) {
	base := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	events := []eventlog.Event{
		{Sequence: 1, Timestamp: base, SpanID: "a", Type: eventlog.SpanStart, Payload: eventlog.Payload{Kind: "llm_call"}},
		{Sequence: 2, SpanID: "ghost", Type: eventlog.SpanEnd, Payload: eventlog.Payload{Status: eventlog.StatusOK}},
		{Sequence: 3, SpanID: "a", Type: eventlog.SpanStart},
		{Sequence: 4, SpanID: "orphan", Type: eventlog.SpanStart, Payload: eventlog.Payload{ParentSpanID: "missing"}},
		{Sequence: 5, Timestamp: base.Add(2 * time.Second), SpanID: "a", Type: eventlog.SpanEnd, Payload: eventlog.Payload{Status: eventlog.StatusError, Error: "boom"}},
		{Sequence: 6, SpanID: "a", Type: eventlog.SpanEnd, Payload: eventlog.Payload{Status: eventlog.StatusOK}},
		{Sequence: 7, SpanID: "ghost", Type: eventlog.SpanAttribute, Payload: eventlog.Payload{Key: "k"}},
	}

	tree, err := Fold("t1", sequenceOf(events, nil))
	if err != nil {
		t.Fatalf("Fold: %v", err)
	}
	if tree.Spans != 2 || len(tree.Roots) != 2 {
		t.Errorf("tree has %d spans and %d roots, want 2 and 2", tree.Spans, len(tree.Roots))
	}

	a := tree.Find("a")
	if a.Status != eventlog.StatusError || a.Error != "boom" {
		t.Errorf("a = (%s, %q), want the first end event to win", a.Status, a.Error)
	}
	if a.Duration() != 2*time.Second {
		t.Errorf("Duration = %v, want 2s", a.Duration())
	}
	if orphan := tree.Find("orphan"); orphan.Status != eventlog.StatusIncomplete {
		t.Errorf("orphan status = %s, want incomplete", orphan.Status)
	}

	wantSequences := []int64{2, 3, 4, 6, 7}
	if len(tree.Anomalies) != len(wantSequences) {
		t.Fatalf("anomalies = %+v, want %d", tree.Anomalies, len(wantSequences))
	}
	for i, want := range wantSequences {
		if tree.Anomalies[i].Sequence != want {
			t.Errorf("anomaly %d at sequence %d, want %d", i, tree.Anomalies[i].Sequence, want)
		}
	}
}

func TestFoldStopsOnReadError(t *testing.T) {
	failure := errors.New("disk on fire")
	_, err := Fold("t1", sequenceOf(nil, failure))
	if !errors.Is(err, failure) {
		t.Errorf("Fold error = %v, want the read error", err)
	}
}
