// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

package provenance

import (
	"context"
	"fmt"
)

// Lineage is everything transitively connected to a node in one trace.
type Lineage struct {
	Node Node `json:"node"`

	// Upstream holds what the node depends on: artifacts a span used,
	// the span that generated an artifact, its sources, and so on up.
	Upstream []Node `json:"upstream"`

	// Downstream holds what depends on the node.
	Downstream []Node `json:"downstream"`

	// Edges are the edges traversed in either direction.
	Edges []Edge `json:"edges"`
}

// Related returns the upstream and downstream nodes together.
func (l *Lineage) Related() []Node {
	related := make([]Node, 0, len(l.Upstream)+len(l.Downstream))
	related = append(related, l.Upstream...)
	return append(related, l.Downstream...)
}

// Lineage walks the trace's edges from node in both directions. A node
// with no edges yields an empty lineage, not an error.
func (g *Graph) Lineage(ctx context.Context, traceID string, node Node) (*Lineage, error) {
	edges, err := g.Edges(ctx, traceID)
	if err != nil {
		return nil, fmt.Errorf("provenance: lineage: %w", err)
	}

	outgoing := make(map[Node][]int)
	incoming := make(map[Node][]int)
	for i, edge := range edges {
		outgoing[edge.Subject] = append(outgoing[edge.Subject], i)
		incoming[edge.Object] = append(incoming[edge.Object], i)
	}

	traversed := make(map[int]bool)
	walk := func(adjacent map[Node][]int, next func(Edge) Node) []Node {
		visited := map[Node]bool{node: true}
		queue := []Node{node}
		var reached []Node
		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]
			for _, index := range adjacent[current] {
				traversed[index] = true
				neighbor := next(edges[index])
				if visited[neighbor] {
					continue
				}
				visited[neighbor] = true
				reached = append(reached, neighbor)
				queue = append(queue, neighbor)
			}
		}
		return reached
	}

	lineage := &Lineage{
		Node:       node,
		Upstream:   walk(outgoing, func(edge Edge) Node { return edge.Object }),
		Downstream: walk(incoming, func(edge Edge) Node { return edge.Subject }),
	}
	for i, edge := range edges {
		if traversed[i] {
			lineage.Edges = append(lineage.Edges, edge)
		}
	}
	return lineage, nil
}
