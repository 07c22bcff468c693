// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

package replay

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/jhacksman/compymac-sub000/lib/blob"
	"github.com/jhacksman/compymac-sub000/lib/eventlog"
	"github.com/jhacksman/compymac-sub000/lib/span"
)

// SpanBrief identifies a span in a Summary.
type SpanBrief struct {
	SpanID string `json:"span_id"`
	Kind   string `json:"kind"`
	Name   string `json:"name"`
	Error  string `json:"error,omitempty"`
}

// Summary aggregates one trace.
type Summary struct {
	TraceID string `json:"trace_id"`
	Events  int    `json:"events"`
	Spans   int    `json:"spans"`

	ByKind   map[string]int `json:"by_kind"`
	ByStatus map[string]int `json:"by_status"`

	// StartedAt and EndedAt bound every recorded event and checkpoint.
	StartedAt time.Time     `json:"started_at,omitzero"`
	EndedAt   time.Time     `json:"ended_at,omitzero"`
	Duration  time.Duration `json:"duration"`

	ErrorSpans      []SpanBrief `json:"error_spans,omitempty"`
	IncompleteSpans []SpanBrief `json:"incomplete_spans,omitempty"`
	Anomalies       int         `json:"anomalies"`

	Checkpoints      int    `json:"checkpoints"`
	LatestCheckpoint string `json:"latest_checkpoint,omitempty"`

	// Artifacts lists every artifact the trace's events or checkpoints
	// reference, including attribute values later overwritten, ordered
	// by hash.
	Artifacts []ArtifactHealth `json:"artifacts,omitempty"`
}

// Summary folds a trace and reports span counts, errors, incomplete
// spans, checkpoints and referenced artifacts.
func (r *Reader) Summary(ctx context.Context, traceID string) (*Summary, error) {
	summary := &Summary{
		TraceID:  traceID,
		ByKind:   make(map[string]int),
		ByStatus: make(map[string]int),
	}

	observe := func(at time.Time) {
		if at.IsZero() {
			return
		}
		if summary.StartedAt.IsZero() || at.Before(summary.StartedAt) {
			summary.StartedAt = at
		}
		if at.After(summary.EndedAt) {
			summary.EndedAt = at
		}
	}

	referenced := make(map[blob.Hash]struct{})
	reference := func(hash *blob.Hash) {
		if hash != nil && !hash.IsZero() {
			referenced[*hash] = struct{}{}
		}
	}

	// References are taken from every event rather than the folded tree,
	// where a later attribute value hides an earlier one.
	counted := func(yield func(eventlog.Event, error) bool) {
		for event, err := range r.events.ReadTrace(ctx, traceID) {
			if err == nil {
				summary.Events++
				observe(event.Timestamp)
				reference(event.Payload.Input)
				reference(event.Payload.Output)
				if value := event.Payload.Value; value != nil && value.Kind == eventlog.KindArtifact {
					reference(value.Artifact)
				}
			}
			if !yield(event, err) {
				return
			}
		}
	}
	tree, err := span.Fold(traceID, counted)
	if err != nil {
		return nil, fmt.Errorf("replay: summary: %w", err)
	}
	summary.Spans = tree.Spans
	summary.Anomalies = len(tree.Anomalies)

	tree.Walk(func(node *span.Node, _ int) bool {
		summary.ByKind[node.Kind]++
		summary.ByStatus[string(node.Status)]++
		brief := SpanBrief{SpanID: node.SpanID, Kind: node.Kind, Name: node.Name, Error: node.Error}
		switch node.Status {
		case eventlog.StatusError:
			summary.ErrorSpans = append(summary.ErrorSpans, brief)
		case eventlog.StatusIncomplete:
			summary.IncompleteSpans = append(summary.IncompleteSpans, brief)
		}
		return true
	})

	checkpoints, err := r.checkpoints.List(ctx, traceID)
	if err != nil {
		return nil, fmt.Errorf("replay: summary: %w", err)
	}
	summary.Checkpoints = len(checkpoints)
	if len(checkpoints) > 0 {
		summary.LatestCheckpoint = checkpoints[0].ID
	}
	for i := range checkpoints {
		observe(checkpoints[i].CreatedAt)
		reference(&checkpoints[i].State)
	}
	if !summary.StartedAt.IsZero() {
		summary.Duration = summary.EndedAt.Sub(summary.StartedAt)
	}

	hashes := make([]blob.Hash, 0, len(referenced))
	for hash := range referenced {
		hashes = append(hashes, hash)
	}
	slices.SortFunc(hashes, func(a, b blob.Hash) int {
		return bytes.Compare(a[:], b[:])
	})
	for _, hash := range hashes {
		summary.Artifacts = append(summary.Artifacts, r.check(ctx, hash))
	}
	return summary, nil
}
