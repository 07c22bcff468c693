// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

// Package provenance records how spans and artifacts relate: which
// artifacts a span used, which span generated an artifact, and which
// artifacts were derived from others.
//
// Edges point from the dependent node to what it depends on:
//
//	USED              span     -> artifact  (the span read the artifact)
//	WAS_GENERATED_BY  artifact -> span      (the span produced the artifact)
//	WAS_DERIVED_FROM  artifact -> artifact  (computed from the other)
//
// The graph is append-only and must stay acyclic within a trace.
// [Graph.AddRelation] checks the edge's shape, that both endpoints
// exist (the span has started in the trace, the artifact has been
// stored), and that the object cannot already reach the subject, all
// inside one IMMEDIATE transaction so concurrent writers cannot
// interleave past the checks. Adding an edge that already exists
// returns the stored edge.
package provenance
