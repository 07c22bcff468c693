// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

package provenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/jhacksman/compymac-sub000/lib/blob"
	"github.com/jhacksman/compymac-sub000/lib/clock"
	"github.com/jhacksman/compymac-sub000/lib/sqlitepool"
	"github.com/jhacksman/compymac-sub000/lib/tracedb"
	"github.com/jhacksman/compymac-sub000/lib/traceerr"
)

// Relation is the type of a provenance edge.
type Relation string

const (
	Used           Relation = "USED"
	WasGeneratedBy Relation = "WAS_GENERATED_BY"
	WasDerivedFrom Relation = "WAS_DERIVED_FROM"
)

// NodeKind distinguishes span nodes from artifact nodes.
type NodeKind string

const (
	KindSpan     NodeKind = tracedb.KindSpan
	KindArtifact NodeKind = tracedb.KindArtifact
)

// Node is an endpoint of an edge. ID is a span id or an artifact's hex
// digest.
type Node struct {
	Kind NodeKind `json:"kind"`
	ID   string   `json:"id"`
}

// SpanNode returns the node for a span.
func SpanNode(spanID string) Node {
	return Node{Kind: KindSpan, ID: spanID}
}

// ArtifactNode returns the node for an artifact.
func ArtifactNode(hash blob.Hash) Node {
	return Node{Kind: KindArtifact, ID: hash.String()}
}

func (n Node) String() string {
	return string(n.Kind) + ":" + n.ID
}

// Edge is one stored relation.
type Edge struct {
	ID        int64     `json:"id"`
	TraceID   string    `json:"trace_id"`
	Relation  Relation  `json:"relation"`
	Subject   Node      `json:"subject"`
	Object    Node      `json:"object"`
	Timestamp time.Time `json:"timestamp"`
}

// SpanRef identifies a span across traces.
type SpanRef struct {
	TraceID string `json:"trace_id"`
	SpanID  string `json:"span_id"`
}

// Config holds the dependencies of a Graph.
type Config struct {
	// Pool is the trace database pool. Required.
	Pool *sqlitepool.Pool

	// Clock stamps edges. Nil uses the real clock.
	Clock clock.Clock

	// Logger receives debug messages. Nil discards them.
	Logger *slog.Logger
}

// Graph is the provenance graph. It is safe for concurrent use.
type Graph struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a Graph.
func New(cfg Config) (*Graph, error) {
	if cfg.Pool == nil {
		return nil, errors.New("provenance: Pool is required")
	}
	graph := &Graph{pool: cfg.Pool, clock: cfg.Clock, logger: cfg.Logger}
	if graph.clock == nil {
		graph.clock = clock.Real()
	}
	if graph.logger == nil {
		graph.logger = slog.New(slog.DiscardHandler)
	}
	return graph, nil
}

// checkShape validates the node kinds a relation connects.
func checkShape(relation Relation, subject, object Node) error {
	var wantSubject, wantObject NodeKind
	switch relation {
	case Used:
		wantSubject, wantObject = KindSpan, KindArtifact
	case WasGeneratedBy:
		wantSubject, wantObject = KindArtifact, KindSpan
	case WasDerivedFrom:
		wantSubject, wantObject = KindArtifact, KindArtifact
	default:
		return fmt.Errorf("unknown relation %q: %w", relation, traceerr.ErrInvalidRelation)
	}
	if subject.Kind != wantSubject || object.Kind != wantObject {
		return fmt.Errorf("%s connects %s to %s, got %s to %s: %w",
			relation, wantSubject, wantObject, subject.Kind, object.Kind, traceerr.ErrInvalidRelation)
	}
	if subject.ID == "" || object.ID == "" {
		return fmt.Errorf("%s: node id is empty: %w", relation, traceerr.ErrInvalidRelation)
	}
	return nil
}

// AddRelation records that subject relates to object in traceID.
func (g *Graph) AddRelation(ctx context.Context, traceID string, relation Relation, subject, object Node) (*Edge, error) {
	if traceID == "" {
		return nil, errors.New("provenance: add relation: trace id is required")
	}
	if err := checkShape(relation, subject, object); err != nil {
		return nil, fmt.Errorf("provenance: add relation: %w", err)
	}

	conn, err := g.pool.Take(ctx)
	if err != nil {
		return nil, traceerr.Unavailable("provenance: add relation", err)
	}
	defer g.pool.Put(conn)

	edge, err := insertEdge(conn, Edge{
		TraceID:   traceID,
		Relation:  relation,
		Subject:   subject,
		Object:    object,
		Timestamp: g.clock.Now(),
	})
	if err != nil {
		return nil, traceerr.Storage("provenance: add relation", err)
	}

	g.logger.Debug("provenance relation added",
		"trace_id", traceID,
		"relation", string(relation),
		"subject", subject.String(),
		"object", object.String(),
	)
	return edge, nil
}

func insertEdge(conn *sqlite.Conn, edge Edge) (stored *Edge, err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, err
	}
	defer endTransaction(&err)

	for _, node := range []Node{edge.Subject, edge.Object} {
		exists, err := nodeExists(conn, edge.TraceID, node)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("%s not found in trace %s: %w", node, edge.TraceID, traceerr.ErrDanglingReference)
		}
	}

	existing, err := selectEdge(conn, edge)
	if err != nil || existing != nil {
		return existing, err
	}

	cycle, err := reaches(conn, edge.TraceID, edge.Object, edge.Subject)
	if err != nil {
		return nil, err
	}
	if cycle {
		return nil, fmt.Errorf("%s %s %s would close a cycle: %w",
			edge.Subject, edge.Relation, edge.Object, traceerr.ErrCycle)
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO relations (trace_id, relation, subject_kind, subject_id, object_kind, object_id, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				edge.TraceID, string(edge.Relation),
				string(edge.Subject.Kind), edge.Subject.ID,
				string(edge.Object.Kind), edge.Object.ID,
				tracedb.UnixNanos(edge.Timestamp),
			},
		})
	if err != nil {
		return nil, err
	}
	edge.ID = conn.LastInsertRowID()
	return &edge, nil
}

func nodeExists(conn *sqlite.Conn, traceID string, node Node) (bool, error) {
	if node.Kind == KindSpan {
		started, _, err := tracedb.SpanLifecycle(conn, traceID, node.ID)
		return started, err
	}
	return tracedb.ArtifactExists(conn, node.ID)
}

// reaches reports whether to is reachable from from by following edges
// of the trace from subject to object. from reaches itself.
func reaches(conn *sqlite.Conn, traceID string, from, to Node) (bool, error) {
	found := false
	err := sqlitex.Execute(conn,
		`WITH RECURSIVE reach(kind, id) AS (
			SELECT ?, ?
			UNION
			SELECT r.object_kind, r.object_id
				FROM relations r JOIN reach ON r.subject_kind = reach.kind AND r.subject_id = reach.id
				WHERE r.trace_id = ?
		)
		SELECT 1 FROM reach WHERE kind = ? AND id = ? LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{string(from.Kind), from.ID, traceID, string(to.Kind), to.ID},
			ResultFunc: func(*sqlite.Stmt) error {
				found = true
				return nil
			},
		})
	return found, err
}

func selectEdge(conn *sqlite.Conn, edge Edge) (*Edge, error) {
	edges, err := queryEdges(conn,
		edgeColumns+`WHERE trace_id = ? AND relation = ?
			AND subject_kind = ? AND subject_id = ? AND object_kind = ? AND object_id = ?`,
		edge.TraceID, string(edge.Relation),
		string(edge.Subject.Kind), edge.Subject.ID,
		string(edge.Object.Kind), edge.Object.ID)
	if err != nil || len(edges) == 0 {
		return nil, err
	}
	return &edges[0], nil
}

const edgeColumns = `SELECT relation_id, trace_id, relation, subject_kind, subject_id, object_kind, object_id, timestamp
	FROM relations `

func queryEdges(conn *sqlite.Conn, query string, args ...any) ([]Edge, error) {
	var edges []Edge
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			edges = append(edges, Edge{
				ID:        stmt.ColumnInt64(0),
				TraceID:   stmt.ColumnText(1),
				Relation:  Relation(stmt.ColumnText(2)),
				Subject:   Node{Kind: NodeKind(stmt.ColumnText(3)), ID: stmt.ColumnText(4)},
				Object:    Node{Kind: NodeKind(stmt.ColumnText(5)), ID: stmt.ColumnText(6)},
				Timestamp: tracedb.FromUnixNanos(stmt.ColumnInt64(7)),
			})
			return nil
		},
	})
	return edges, err
}

// Edges lists the edges of a trace in insertion order.
func (g *Graph) Edges(ctx context.Context, traceID string) ([]Edge, error) {
	conn, err := g.pool.Take(ctx)
	if err != nil {
		return nil, traceerr.Unavailable("provenance: edges", err)
	}
	defer g.pool.Put(conn)

	edges, err := queryEdges(conn, edgeColumns+"WHERE trace_id = ? ORDER BY relation_id", traceID)
	if err != nil {
		return nil, traceerr.Storage("provenance: edges", err)
	}
	return edges, nil
}

// Generators returns the spans, in any trace, that an artifact was
// generated by.
func (g *Graph) Generators(ctx context.Context, hash blob.Hash) ([]SpanRef, error) {
	conn, err := g.pool.Take(ctx)
	if err != nil {
		return nil, traceerr.Unavailable("provenance: generators", err)
	}
	defer g.pool.Put(conn)

	edges, err := queryEdges(conn,
		edgeColumns+"WHERE relation = ? AND subject_kind = ? AND subject_id = ? ORDER BY relation_id",
		string(WasGeneratedBy), string(KindArtifact), hash.String())
	if err != nil {
		return nil, traceerr.Storage("provenance: generators", err)
	}

	refs := make([]SpanRef, 0, len(edges))
	for _, edge := range edges {
		refs = append(refs, SpanRef{TraceID: edge.TraceID, SpanID: edge.Object.ID})
	}
	return refs, nil
}

// Artifacts returns the digest of every artifact named by any edge.
func (g *Graph) Artifacts(ctx context.Context) ([]string, error) {
	conn, err := g.pool.Take(ctx)
	if err != nil {
		return nil, traceerr.Unavailable("provenance: artifacts", err)
	}
	defer g.pool.Put(conn)

	var hashes []string
	err = sqlitex.Execute(conn,
		`SELECT subject_id FROM relations WHERE subject_kind = ?
			UNION SELECT object_id FROM relations WHERE object_kind = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(KindArtifact), string(KindArtifact)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				hashes = append(hashes, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, traceerr.Storage("provenance: artifacts", err)
	}
	return hashes, nil
}
