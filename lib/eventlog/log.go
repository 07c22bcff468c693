// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

package eventlog

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/jhacksman/compymac-sub000/lib/clock"
	"github.com/jhacksman/compymac-sub000/lib/codec"
	"github.com/jhacksman/compymac-sub000/lib/sqlitepool"
	"github.com/jhacksman/compymac-sub000/lib/tracedb"
	"github.com/jhacksman/compymac-sub000/lib/traceerr"
)

// DefaultMaxPayloadSize bounds the encoded payload of one event.
const DefaultMaxPayloadSize = 64 * 1024

// DefaultPageSize is how many events a read fetches per query.
const DefaultPageSize = 256

// Config holds the dependencies of a Log.
type Config struct {
	// Pool is the trace database pool. Required.
	Pool *sqlitepool.Pool

	// Clock stamps events whose Timestamp is zero. Nil uses the real
	// clock.
	Clock clock.Clock

	// MaxPayloadSize bounds the CBOR-encoded payload. Zero uses
	// DefaultMaxPayloadSize.
	MaxPayloadSize int

	// PageSize is the read page size. Zero uses DefaultPageSize.
	PageSize int

	// Logger receives debug messages. Nil discards them.
	Logger *slog.Logger
}

// Log is the event log. It is safe for concurrent use.
type Log struct {
	pool           *sqlitepool.Pool
	clock          clock.Clock
	maxPayloadSize int
	pageSize       int
	logger         *slog.Logger
}

// New creates a Log.
func New(cfg Config) (*Log, error) {
	if cfg.Pool == nil {
		return nil, errors.New("eventlog: Pool is required")
	}
	log := &Log{
		pool:           cfg.Pool,
		clock:          cfg.Clock,
		maxPayloadSize: cfg.MaxPayloadSize,
		pageSize:       cfg.PageSize,
		logger:         cfg.Logger,
	}
	if log.clock == nil {
		log.clock = clock.Real()
	}
	if log.maxPayloadSize <= 0 {
		log.maxPayloadSize = DefaultMaxPayloadSize
	}
	if log.pageSize <= 0 {
		log.pageSize = DefaultPageSize
	}
	if log.logger == nil {
		log.logger = slog.New(slog.DiscardHandler)
	}
	return log, nil
}

// MaxPayloadSize returns the payload bound in bytes.
func (l *Log) MaxPayloadSize() int {
	return l.maxPayloadSize
}

// Append validates event against the log and writes it, setting its
// Sequence and, if zero, its Timestamp. On error the event is not in
// the log.
func (l *Log) Append(ctx context.Context, event *Event) error {
	return l.AppendBatch(ctx, []*Event{event})
}

// AppendBatch writes events in order in one transaction. Either every
// event is appended or none is.
func (l *Log) AppendBatch(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}

	encoded := make([][]byte, len(events))
	for i, event := range events {
		payload, err := l.encode(event)
		if err != nil {
			return err
		}
		encoded[i] = payload
	}

	conn, err := l.pool.Take(ctx)
	if err != nil {
		return traceerr.Unavailable("eventlog: append", err)
	}
	defer l.pool.Put(conn)

	now := l.clock.Now()
	sequences, err := appendEvents(conn, events, encoded, now)
	if err != nil {
		return traceerr.Storage("eventlog: append", err)
	}

	for i, event := range events {
		event.Sequence = sequences[i]
		if event.Timestamp.IsZero() {
			event.Timestamp = now
		}
		l.logger.Debug("event appended",
			"trace_id", event.TraceID,
			"span_id", event.SpanID,
			"event_type", string(event.Type),
			"sequence", event.Sequence,
		)
	}
	return nil
}

func (l *Log) encode(event *Event) ([]byte, error) {
	if event.TraceID == "" || event.SpanID == "" {
		return nil, errors.New("eventlog: append: TraceID and SpanID are required")
	}
	if !event.Type.Valid() {
		return nil, fmt.Errorf("eventlog: append: unknown event type %q", event.Type)
	}
	if event.Type == SpanAttribute {
		if event.Payload.Key == "" || event.Payload.Value == nil {
			return nil, errors.New("eventlog: append: attribute events need a Key and a Value")
		}
		if err := event.Payload.Value.Validate(); err != nil {
			return nil, err
		}
	}

	payload, err := codec.Marshal(event.Payload)
	if err != nil {
		return nil, fmt.Errorf("eventlog: encoding payload: %w", err)
	}
	if len(payload) > l.maxPayloadSize {
		return nil, fmt.Errorf("eventlog: append: %s payload is %d bytes, limit %d: %w",
			event.Type, len(payload), l.maxPayloadSize, traceerr.ErrPayloadTooLarge)
	}
	return payload, nil
}

func appendEvents(conn *sqlite.Conn, events []*Event, payloads [][]byte, now time.Time) (sequences []int64, err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, err
	}
	defer endTransaction(&err)

	sequences = make([]int64, len(events))
	for i, event := range events {
		if err := checkLifecycle(conn, event); err != nil {
			return nil, err
		}

		timestamp := event.Timestamp
		if timestamp.IsZero() {
			timestamp = now
		}
		err := sqlitex.Execute(conn,
			`INSERT INTO events (trace_id, span_id, event_type, timestamp, payload)
				VALUES (?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{event.TraceID, event.SpanID, string(event.Type),
					tracedb.UnixNanos(timestamp), payloads[i]},
			})
		if err != nil {
			return nil, err
		}
		sequences[i] = conn.LastInsertRowID()
	}
	return sequences, nil
}

// checkLifecycle enforces span rules against what the log already
// holds, including earlier events of the same batch.
func checkLifecycle(conn *sqlite.Conn, event *Event) error {
	started, ended, err := tracedb.SpanLifecycle(conn, event.TraceID, event.SpanID)
	if err != nil {
		return err
	}

	switch event.Type {
	case SpanStart:
		if started {
			return fmt.Errorf("span %s in trace %s: %w", event.SpanID, event.TraceID, traceerr.ErrDuplicateSpan)
		}
		parent := event.Payload.ParentSpanID
		if parent == "" {
			return nil
		}
		if parent == event.SpanID {
			return fmt.Errorf("span %s is its own parent: %w", event.SpanID, traceerr.ErrInvalidParent)
		}
		parentStarted, _, err := tracedb.SpanLifecycle(conn, event.TraceID, parent)
		if err != nil {
			return err
		}
		if !parentStarted {
			return fmt.Errorf("parent %s of span %s in trace %s: %w",
				parent, event.SpanID, event.TraceID, traceerr.ErrInvalidParent)
		}

	case SpanEnd:
		if !started {
			return fmt.Errorf("end of %s in trace %s: %w", event.SpanID, event.TraceID, traceerr.ErrSpanNotFound)
		}
		if ended {
			return fmt.Errorf("span %s in trace %s: %w", event.SpanID, event.TraceID, traceerr.ErrDoubleEnd)
		}

	case SpanAttribute:
		if !started {
			return fmt.Errorf("attribute %q on %s in trace %s: %w",
				event.Payload.Key, event.SpanID, event.TraceID, traceerr.ErrSpanNotFound)
		}
	}
	return nil
}

// ReadTrace returns the events of a trace in Sequence order.
func (l *Log) ReadTrace(ctx context.Context, traceID string) iter.Seq2[Event, error] {
	return l.read(ctx, "trace_id = ?", traceID)
}

// ReadSpan returns the events of one span in Sequence order.
func (l *Log) ReadSpan(ctx context.Context, traceID, spanID string) iter.Seq2[Event, error] {
	return l.read(ctx, "trace_id = ? AND span_id = ?", traceID, spanID)
}

// read pages through events matching filter. A failed page yields the
// error once and stops.
func (l *Log) read(ctx context.Context, filter string, args ...any) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		ceiling, err := l.highWater(ctx)
		if err != nil {
			yield(Event{}, err)
			return
		}

		var after int64
		for {
			page, err := l.page(ctx, filter, args, after, ceiling)
			if err != nil {
				yield(Event{}, err)
				return
			}
			for _, event := range page {
				if !yield(event, nil) {
					return
				}
				after = event.Sequence
			}
			if len(page) < l.pageSize {
				return
			}
		}
	}
}

func (l *Log) highWater(ctx context.Context) (int64, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return 0, traceerr.Unavailable("eventlog: read", err)
	}
	defer l.pool.Put(conn)

	var ceiling int64
	err = sqlitex.Execute(conn, "SELECT COALESCE(MAX(event_id), 0) FROM events", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ceiling = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, traceerr.Storage("eventlog: read", err)
	}
	return ceiling, nil
}

func (l *Log) page(ctx context.Context, filter string, args []any, after, ceiling int64) ([]Event, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, traceerr.Unavailable("eventlog: read", err)
	}
	defer l.pool.Put(conn)

	query := `SELECT event_id, timestamp, trace_id, span_id, event_type, payload
		FROM events WHERE ` + filter + ` AND event_id > ? AND event_id <= ?
		ORDER BY event_id LIMIT ?`
	queryArgs := append(append([]any{}, args...), after, ceiling, l.pageSize)

	events, err := queryEvents(conn, query, queryArgs...)
	if err != nil {
		return nil, traceerr.Storage("eventlog: read", err)
	}
	return events, nil
}

func queryEvents(conn *sqlite.Conn, query string, args ...any) ([]Event, error) {
	var events []Event
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			event := Event{
				Sequence:  stmt.ColumnInt64(0),
				Timestamp: tracedb.FromUnixNanos(stmt.ColumnInt64(1)),
				TraceID:   stmt.ColumnText(2),
				SpanID:    stmt.ColumnText(3),
				Type:      Type(stmt.ColumnText(4)),
			}
			if length := stmt.ColumnLen(5); length > 0 {
				raw := make([]byte, length)
				stmt.ColumnBytes(5, raw)
				if err := codec.Unmarshal(raw, &event.Payload); err != nil {
					return fmt.Errorf("event %d: decoding payload: %w", event.Sequence, err)
				}
			}
			events = append(events, event)
			return nil
		},
	})
	return events, err
}

// SpanState is a span's lifecycle position as recorded in the log.
type SpanState struct {
	Started bool
	Ended   bool
}

// SpanState reports whether a span has start and end events.
func (l *Log) SpanState(ctx context.Context, traceID, spanID string) (SpanState, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return SpanState{}, traceerr.Unavailable("eventlog: span state", err)
	}
	defer l.pool.Put(conn)

	started, ended, err := tracedb.SpanLifecycle(conn, traceID, spanID)
	if err != nil {
		return SpanState{}, traceerr.Storage("eventlog: span state", err)
	}
	return SpanState{Started: started, Ended: ended}, nil
}

// TraceInfo summarizes one trace's presence in the log.
type TraceInfo struct {
	TraceID    string    `json:"trace_id"`
	Events     int64     `json:"events"`
	FirstEvent time.Time `json:"first_event"`
	LastEvent  time.Time `json:"last_event"`
}

// Traces lists every trace with at least one event, oldest first.
func (l *Log) Traces(ctx context.Context) ([]TraceInfo, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, traceerr.Unavailable("eventlog: traces", err)
	}
	defer l.pool.Put(conn)

	var traces []TraceInfo
	err = sqlitex.Execute(conn,
		`SELECT trace_id, COUNT(*), MIN(timestamp), MAX(timestamp), MIN(event_id) AS first
			FROM events GROUP BY trace_id ORDER BY first`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				traces = append(traces, TraceInfo{
					TraceID:    stmt.ColumnText(0),
					Events:     stmt.ColumnInt64(1),
					FirstEvent: tracedb.FromUnixNanos(stmt.ColumnInt64(2)),
					LastEvent:  tracedb.FromUnixNanos(stmt.ColumnInt64(3)),
				})
				return nil
			},
		})
	if err != nil {
		return nil, traceerr.Storage("eventlog: traces", err)
	}
	return traces, nil
}

// IncompleteSpans returns the start events of spans in the trace that
// have no end event, in Sequence order.
func (l *Log) IncompleteSpans(ctx context.Context, traceID string) ([]Event, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, traceerr.Unavailable("eventlog: incomplete spans", err)
	}
	defer l.pool.Put(conn)

	events, err := queryEvents(conn,
		`SELECT s.event_id, s.timestamp, s.trace_id, s.span_id, s.event_type, s.payload
			FROM events s
			WHERE s.trace_id = ? AND s.event_type = ?
				AND NOT EXISTS (
					SELECT 1 FROM events e
					WHERE e.trace_id = s.trace_id AND e.span_id = s.span_id AND e.event_type = ?)
			ORDER BY s.event_id`,
		traceID, string(SpanStart), string(SpanEnd))
	if err != nil {
		return nil, traceerr.Storage("eventlog: incomplete spans", err)
	}
	return events, nil
}
