// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

package span

import (
	"fmt"
	"iter"
	"time"

	"github.com/jhacksman/compymac-sub000/lib/blob"
	"github.com/jhacksman/compymac-sub000/lib/eventlog"
)

// Tree is the folded view of one trace.
type Tree struct {
	TraceID string `json:"trace_id"`

	// Roots are spans without a parent, in start order.
	Roots []*Node `json:"roots"`

	// Spans is the number of nodes in the forest.
	Spans int `json:"spans"`

	// Anomalies lists events the fold could not apply.
	Anomalies []Anomaly `json:"anomalies,omitempty"`
}

// Node is one span in a Tree.
type Node struct {
	SpanID       string `json:"span_id"`
	Kind         string `json:"kind"`
	Name         string `json:"name"`
	ParentSpanID string `json:"parent_span_id,omitempty"`

	// Status is ok or error for ended spans and incomplete otherwise.
	Status eventlog.Status `json:"status"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitzero"`

	Input  *blob.Hash `json:"input,omitempty"`
	Output *blob.Hash `json:"output,omitempty"`
	Error  string     `json:"error,omitempty"`

	Attributes map[string]eventlog.Value `json:"attributes,omitempty"`

	// Children are in start order.
	Children []*Node `json:"children,omitempty"`

	StartSequence int64 `json:"start_sequence"`
	EndSequence   int64 `json:"end_sequence,omitempty"`
}

// Duration returns how long the span ran, or zero if it never ended.
func (n *Node) Duration() time.Duration {
	if n.EndedAt.IsZero() {
		return 0
	}
	return n.EndedAt.Sub(n.StartedAt)
}

// Anomaly is an event that contradicts the span lifecycle, such as an
// end for a span that never started.
type Anomaly struct {
	Sequence int64         `json:"sequence"`
	SpanID   string        `json:"span_id"`
	Type     eventlog.Type `json:"type"`
	Reason   string        `json:"reason"`
}

// Walk visits every node depth-first in start order. Returning false
// from visit skips the node's children.
func (t *Tree) Walk(visit func(node *Node, depth int) bool) {
	var walk func(nodes []*Node, depth int)
	walk = func(nodes []*Node, depth int) {
		for _, node := range nodes {
			if visit(node, depth) {
				walk(node.Children, depth+1)
			}
		}
	}
	walk(t.Roots, 0)
}

// Find returns the node for spanID, or nil.
func (t *Tree) Find(spanID string) *Node {
	var found *Node
	t.Walk(func(node *Node, _ int) bool {
		if node.SpanID == spanID {
			found = node
		}
		return found == nil
	})
	return found
}

// Fold builds a Tree from a trace's events in Sequence order. A read
// error aborts the fold; lifecycle contradictions become anomalies.
func Fold(traceID string, events iter.Seq2[eventlog.Event, error]) (*Tree, error) {
	tree := &Tree{TraceID: traceID}
	nodes := make(map[string]*Node)

	anomaly := func(event eventlog.Event, format string, args ...any) {
		tree.Anomalies = append(tree.Anomalies, Anomaly{
			Sequence: event.Sequence,
			SpanID:   event.SpanID,
			Type:     event.Type,
			Reason:   fmt.Sprintf(format, args...),
		})
	}

	for event, err := range events {
		if err != nil {
			return nil, fmt.Errorf("span: reading trace %s: %w", traceID, err)
		}

		switch event.Type {
		case eventlog.SpanStart:
			if _, exists := nodes[event.SpanID]; exists {
				anomaly(event, "second start event")
				continue
			}
			node := &Node{
				SpanID:        event.SpanID,
				Kind:          event.Payload.Kind,
				Name:          event.Payload.Name,
				ParentSpanID:  event.Payload.ParentSpanID,
				Status:        eventlog.StatusStarted,
				StartedAt:     event.Timestamp,
				StartSequence: event.Sequence,
			}
			nodes[event.SpanID] = node
			tree.Spans++

			if node.ParentSpanID == "" {
				tree.Roots = append(tree.Roots, node)
				continue
			}
			parent, ok := nodes[node.ParentSpanID]
			if !ok {
				anomaly(event, "parent %s has not started; shown as a root", node.ParentSpanID)
				tree.Roots = append(tree.Roots, node)
				continue
			}
			parent.Children = append(parent.Children, node)

		case eventlog.SpanEnd:
			node, ok := nodes[event.SpanID]
			if !ok {
				anomaly(event, "end for a span that never started")
				continue
			}
			if node.EndSequence != 0 {
				anomaly(event, "second end event")
				continue
			}
			node.Status = event.Payload.Status
			node.EndedAt = event.Timestamp
			node.EndSequence = event.Sequence
			node.Input = event.Payload.Input
			node.Output = event.Payload.Output
			node.Error = event.Payload.Error

		case eventlog.SpanAttribute:
			node, ok := nodes[event.SpanID]
			if !ok {
				anomaly(event, "attribute %q for a span that never started", event.Payload.Key)
				continue
			}
			if event.Payload.Value == nil {
				anomaly(event, "attribute %q has no value", event.Payload.Key)
				continue
			}
			if node.Attributes == nil {
				node.Attributes = make(map[string]eventlog.Value)
			}
			node.Attributes[event.Payload.Key] = *event.Payload.Value

		default:
			anomaly(event, "unknown event type")
		}
	}

	for _, node := range nodes {
		if node.EndSequence == 0 {
			node.Status = eventlog.StatusIncomplete
		}
	}
	return tree, nil
}
