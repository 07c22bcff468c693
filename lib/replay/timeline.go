// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

package replay

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/jhacksman/compymac-sub000/lib/checkpoint"
	"github.com/jhacksman/compymac-sub000/lib/eventlog"
	"github.com/jhacksman/compymac-sub000/lib/span"
)

// EntryKind discriminates timeline entries.
type EntryKind string

const (
	EntrySpanStart  EntryKind = "span_start"
	EntrySpanEnd    EntryKind = "span_end"
	EntryAttribute  EntryKind = "span_attribute"
	EntryCheckpoint EntryKind = "checkpoint"
)

// TimelineEntry is one row of a trace timeline. Span fields are set for
// event entries, Checkpoint for checkpoint entries.
type TimelineEntry struct {
	Kind      EntryKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	// Sequence is the event sequence or the checkpoint sequence,
	// depending on Kind.
	Sequence int64 `json:"sequence"`

	SpanID   string `json:"span_id,omitempty"`
	SpanKind string `json:"span_kind,omitempty"`
	Name     string `json:"name,omitempty"`

	// Depth is the span's nesting level, zero for roots. Checkpoints
	// have depth zero.
	Depth int `json:"depth"`

	Status eventlog.Status `json:"status,omitempty"`
	Error  string          `json:"error,omitempty"`

	Key   string          `json:"key,omitempty"`
	Value *eventlog.Value `json:"value,omitempty"`

	Checkpoint *checkpoint.Checkpoint `json:"checkpoint,omitempty"`
}

// Timeline returns the trace's span events in sequence order with its
// checkpoints merged in. Event timestamps are taken before a sequence
// is assigned, so concurrent writers can log them slightly out of time
// order. The merge therefore compares each checkpoint against the
// latest timestamp seen so far: a checkpoint goes before the first
// event that moves that mark past its creation time. Events come before
// a checkpoint with the same timestamp.
func (r *Reader) Timeline(ctx context.Context, traceID string) ([]TimelineEntry, error) {
	var events []eventlog.Event
	for event, err := range r.events.ReadTrace(ctx, traceID) {
		if err != nil {
			return nil, fmt.Errorf("replay: timeline: %w", err)
		}
		events = append(events, event)
	}
	tree, err := span.Fold(traceID, eventSeq(events))
	if err != nil {
		return nil, fmt.Errorf("replay: timeline: %w", err)
	}
	spans := make(map[string]spanPosition, tree.Spans)
	tree.Walk(func(node *span.Node, depth int) bool {
		spans[node.SpanID] = spanPosition{node: node, depth: depth}
		return true
	})

	checkpoints, err := r.checkpoints.List(ctx, traceID)
	if err != nil {
		return nil, fmt.Errorf("replay: timeline: %w", err)
	}
	// List is newest first.
	for i, j := 0, len(checkpoints)-1; i < j; i, j = i+1, j-1 {
		checkpoints[i], checkpoints[j] = checkpoints[j], checkpoints[i]
	}

	entries := make([]TimelineEntry, 0, len(events)+len(checkpoints))
	next := 0
	flushCheckpoints := func(before time.Time, inclusive bool) {
		for next < len(checkpoints) {
			created := checkpoints[next].CreatedAt
			if created.After(before) || (!inclusive && created.Equal(before)) {
				return
			}
			entries = append(entries, checkpointEntry(&checkpoints[next]))
			next++
		}
	}

	var mark time.Time
	for _, event := range events {
		if event.Timestamp.After(mark) {
			mark = event.Timestamp
		}
		flushCheckpoints(mark, false)
		entries = append(entries, eventEntry(spans, event))
	}
	for next < len(checkpoints) {
		entries = append(entries, checkpointEntry(&checkpoints[next]))
		next++
	}
	return entries, nil
}

type spanPosition struct {
	node  *span.Node
	depth int
}

func eventEntry(spans map[string]spanPosition, event eventlog.Event) TimelineEntry {
	entry := TimelineEntry{
		Timestamp: event.Timestamp,
		Sequence:  event.Sequence,
		SpanID:    event.SpanID,
	}
	if position, ok := spans[event.SpanID]; ok {
		entry.SpanKind = position.node.Kind
		entry.Name = position.node.Name
		entry.Depth = position.depth
	}
	switch event.Type {
	case eventlog.SpanStart:
		entry.Kind = EntrySpanStart
		entry.Status = eventlog.StatusStarted
	case eventlog.SpanEnd:
		entry.Kind = EntrySpanEnd
		entry.Status = event.Payload.Status
		entry.Error = event.Payload.Error
	default:
		entry.Kind = EntryAttribute
		entry.Key = event.Payload.Key
		entry.Value = event.Payload.Value
	}
	return entry
}

func checkpointEntry(record *checkpoint.Checkpoint) TimelineEntry {
	return TimelineEntry{
		Kind:       EntryCheckpoint,
		Timestamp:  record.CreatedAt,
		Sequence:   record.Sequence,
		Name:       record.Description,
		Checkpoint: record,
	}
}

func eventSeq(events []eventlog.Event) iter.Seq2[eventlog.Event, error] {
	return func(yield func(eventlog.Event, error) bool) {
		for _, event := range events {
			if !yield(event, nil) {
				return
			}
		}
	}
}
