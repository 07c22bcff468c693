// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

package span

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jhacksman/compymac-sub000/lib/blob"
	"github.com/jhacksman/compymac-sub000/lib/clock"
	"github.com/jhacksman/compymac-sub000/lib/codec"
	"github.com/jhacksman/compymac-sub000/lib/eventlog"
	"github.com/jhacksman/compymac-sub000/lib/traceerr"
)

// Span kinds used by the agent platform. Any non-empty string is
// accepted.
const (
	KindAgentTurn = "agent_turn"
	KindLLMCall   = "llm_call"
	KindToolCall  = "tool_call"
	KindSubAgent  = "sub_agent"
)

// Defaults for Config fields left zero.
const (
	DefaultInlineThreshold = 10 * 1024
	DefaultRetryAttempts   = 3
	DefaultRetryBackoff    = 50 * time.Millisecond
)

// RecoveredAttribute is set to true on spans closed by
// Engine.CloseIncomplete.
const RecoveredAttribute = "recovered"

// Value is an attribute value. See eventlog.Value.
type Value = eventlog.Value

// Attribute value constructors.
var (
	String      = eventlog.String
	Number      = eventlog.Number
	Bool        = eventlog.Bool
	ArtifactRef = eventlog.ArtifactRef
)

// EventLog is the subset of the event log the engine uses.
type EventLog interface {
	AppendBatch(ctx context.Context, events []*eventlog.Event) error
	ReadTrace(ctx context.Context, traceID string) iter.Seq2[eventlog.Event, error]
	IncompleteSpans(ctx context.Context, traceID string) ([]eventlog.Event, error)
}

// Config holds the parameters of an Engine.
type Config struct {
	// Log receives every event. Required.
	Log EventLog

	// Clock stamps events and times retry backoff. Nil uses the real
	// clock.
	Clock clock.Clock

	// InlineThreshold is the largest encoded attribute value accepted
	// inline. Larger values must be stored as artifacts and attached
	// with ArtifactRef. Zero uses DefaultInlineThreshold.
	InlineThreshold int

	// RetryAttempts is the number of append attempts made before an
	// unavailable log is treated as down. Zero uses
	// DefaultRetryAttempts.
	RetryAttempts int

	// RetryBackoff is the wait before the second attempt. Each later
	// wait doubles. Zero uses DefaultRetryBackoff.
	RetryBackoff time.Duration

	// BufferOnUnavailable queues events in memory when the log stays
	// unavailable after retries, instead of failing the call.
	BufferOnUnavailable bool

	// NewID generates span ids. Nil uses random UUIDs.
	NewID func() string

	// Logger receives buffering warnings and recovery notices. Nil
	// discards them.
	Logger *slog.Logger
}

// Engine emits span events. It is safe for concurrent use.
type Engine struct {
	log             EventLog
	clock           clock.Clock
	inlineThreshold int
	retryAttempts   int
	retryBackoff    time.Duration
	buffer          bool
	newID           func() string
	logger          *slog.Logger

	// mu guards pending. It is held while flushing so queued events
	// and the event that follows them reach the log in order.
	mu      sync.Mutex
	pending []*eventlog.Event

	// spans records the lifecycle of every span this engine started or
	// ended. It answers for the log while the log is down. Lock order
	// is mu, then spansMu.
	spansMu sync.Mutex
	spans   map[spanKey]spanPhase
}

type spanKey struct {
	traceID string
	spanID  string
}

type spanPhase int

const (
	phaseUnknown spanPhase = iota
	phaseStarted
	phaseEnded
)

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Log == nil {
		return nil, errors.New("span: Log is required")
	}
	engine := &Engine{
		log:             cfg.Log,
		clock:           cfg.Clock,
		inlineThreshold: cfg.InlineThreshold,
		retryAttempts:   cfg.RetryAttempts,
		retryBackoff:    cfg.RetryBackoff,
		buffer:          cfg.BufferOnUnavailable,
		newID:           cfg.NewID,
		logger:          cfg.Logger,
		spans:           make(map[spanKey]spanPhase),
	}
	if engine.clock == nil {
		engine.clock = clock.Real()
	}
	if engine.inlineThreshold <= 0 {
		engine.inlineThreshold = DefaultInlineThreshold
	}
	if engine.retryAttempts <= 0 {
		engine.retryAttempts = DefaultRetryAttempts
	}
	if engine.retryBackoff <= 0 {
		engine.retryBackoff = DefaultRetryBackoff
	}
	if engine.newID == nil {
		engine.newID = uuid.NewString
	}
	if engine.logger == nil {
		engine.logger = slog.New(slog.DiscardHandler)
	}
	return engine, nil
}

// Trace returns a handle for recording spans in traceID.
func (e *Engine) Trace(traceID string) *Trace {
	return &Trace{engine: e, id: traceID}
}

func (e *Engine) phase(traceID, spanID string) spanPhase {
	e.spansMu.Lock()
	defer e.spansMu.Unlock()
	return e.spans[spanKey{traceID, spanID}]
}

func (e *Engine) setPhase(traceID, spanID string, phase spanPhase) {
	e.spansMu.Lock()
	e.spans[spanKey{traceID, spanID}] = phase
	e.spansMu.Unlock()
}

// Pending returns the number of events queued while the log was
// unavailable.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Flush writes queued events to the log. It returns
// ErrStorageUnavailable, leaving the rest queued, if the log is still
// down.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushLocked(ctx)
}

func (e *Engine) flushLocked(ctx context.Context) error {
	for len(e.pending) > 0 {
		event := e.pending[0]
		err := e.log.AppendBatch(ctx, []*eventlog.Event{event})
		if traceerr.Retryable(err) {
			return fmt.Errorf("span: flushing %d queued events: %w", len(e.pending), err)
		}
		if err != nil {
			// The log rejected the event on its merits. Keeping it
			// would wedge the queue forever.
			e.logger.Error("queued span event rejected by event log",
				"trace_id", event.TraceID,
				"span_id", event.SpanID,
				"event_type", string(event.Type),
				"error", err,
			)
		}
		e.pending[0] = nil
		e.pending = e.pending[1:]
	}
	e.pending = nil
	return nil
}

// emit writes events as one batch after any queued events. A nil
// return may mean the batch was queued rather than written.
//
// The log checks span lifecycle on append, but a queued batch is not
// checked until it is flushed. Before queueing, emit calls local,
// which must fail for a batch the log would reject. Nil skips the
// check.
func (e *Engine) emit(ctx context.Context, local func() error, events ...*eventlog.Event) error {
	now := e.clock.Now()
	for _, event := range events {
		if event.Timestamp.IsZero() {
			event.Timestamp = now
		}
	}

	e.mu.Lock()
	if len(e.pending) == 0 {
		e.mu.Unlock()
		err := e.appendWithRetry(ctx, events)
		if err == nil || !traceerr.Retryable(err) || !e.buffer {
			return err
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.bufferLocked(events, err, local)
	}
	defer e.mu.Unlock()

	if err := e.flushLocked(ctx); err != nil {
		return e.bufferLocked(events, err, local)
	}
	err := e.appendWithRetry(ctx, events)
	if err != nil && traceerr.Retryable(err) && e.buffer {
		return e.bufferLocked(events, err, local)
	}
	return err
}

// bufferLocked queues events unless local rejects them. A rejection
// is returned as the caller's error; the outage is only reported in
// its text, so the result is not retryable.
func (e *Engine) bufferLocked(events []*eventlog.Event, cause error, local func() error) error {
	if local != nil {
		if err := local(); err != nil {
			return fmt.Errorf("%w; event log unavailable: %v", err, cause)
		}
	}
	e.enqueueLocked(events, cause)
	return nil
}

func (e *Engine) enqueueLocked(events []*eventlog.Event, cause error) {
	e.pending = append(e.pending, events...)
	for _, event := range events {
		e.logger.Warn("event log unavailable, buffering span event",
			"trace_id", event.TraceID,
			"span_id", event.SpanID,
			"event_type", string(event.Type),
			"pending", len(e.pending),
			"error", cause,
		)
	}
}

func (e *Engine) appendWithRetry(ctx context.Context, events []*eventlog.Event) error {
	backoff := e.retryBackoff
	var err error
	for attempt := range e.retryAttempts {
		err = e.log.AppendBatch(ctx, events)
		if err == nil || !traceerr.Retryable(err) {
			return err
		}
		if attempt == e.retryAttempts-1 {
			break
		}
		select {
		case <-e.clock.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("span: waiting to retry append: %w", ctx.Err())
		}
		backoff *= 2
	}
	return err
}

// SpanTree folds the events of a trace into a span forest.
func (e *Engine) SpanTree(ctx context.Context, traceID string) (*Tree, error) {
	return Fold(traceID, e.log.ReadTrace(ctx, traceID))
}

// CloseIncomplete ends every span of the trace that has no end event
// with status error and the given reason, marking each with the
// recovered attribute. Children are closed before their parents. It
// returns the ids it closed.
//
// Run it only when no live writer can still end those spans, such as
// on startup after a crash. A span ended concurrently is skipped.
func (e *Engine) CloseIncomplete(ctx context.Context, traceID, reason string) ([]string, error) {
	incomplete, err := e.log.IncompleteSpans(ctx, traceID)
	if err != nil {
		return nil, fmt.Errorf("span: finding incomplete spans: %w", err)
	}

	var closed []string
	for _, start := range slices.Backward(incomplete) {
		recovered := Bool(true)
		err := e.emit(ctx, nil,
			&eventlog.Event{
				TraceID: traceID,
				SpanID:  start.SpanID,
				Type:    eventlog.SpanAttribute,
				Payload: eventlog.Payload{Key: RecoveredAttribute, Value: &recovered},
			},
			&eventlog.Event{
				TraceID: traceID,
				SpanID:  start.SpanID,
				Type:    eventlog.SpanEnd,
				Payload: eventlog.Payload{Status: eventlog.StatusError, Error: reason},
			},
		)
		if errors.Is(err, traceerr.ErrDoubleEnd) {
			continue
		}
		if err != nil {
			return closed, fmt.Errorf("span: closing %s: %w", start.SpanID, err)
		}
		e.setPhase(traceID, start.SpanID, phaseEnded)
		e.logger.Info("closed incomplete span",
			"trace_id", traceID,
			"span_id", start.SpanID,
			"kind", start.Payload.Kind,
			"reason", reason,
		)
		closed = append(closed, start.SpanID)
	}
	return closed, nil
}

// Trace records spans in one trace. It is safe for concurrent use.
type Trace struct {
	engine *Engine
	id     string
}

// ID returns the trace id.
func (t *Trace) ID() string {
	return t.id
}

// EndOptions describe how a span finished.
type EndOptions struct {
	// Status is StatusOK or StatusError. Empty means StatusOK.
	Status eventlog.Status

	// Input and Output reference artifacts stored before the call.
	Input  *blob.Hash
	Output *blob.Hash

	// Error describes the failure when Status is StatusError.
	Error string
}

// StartSpan opens a span and returns its id. parentSpanID is empty for
// a root span; otherwise that span must have started in this trace or
// the call fails with ErrInvalidParent.
func (t *Trace) StartSpan(ctx context.Context, kind, name, parentSpanID string) (string, error) {
	if kind == "" {
		return "", errors.New("span: start: kind is required")
	}
	spanID := t.engine.newID()
	local := func() error {
		if parentSpanID != "" && t.engine.phase(t.id, parentSpanID) == phaseUnknown {
			return fmt.Errorf("parent %s was not started by this process: %w", parentSpanID, traceerr.ErrInvalidParent)
		}
		return nil
	}
	err := t.engine.emit(ctx, local, &eventlog.Event{
		TraceID: t.id,
		SpanID:  spanID,
		Type:    eventlog.SpanStart,
		Payload: eventlog.Payload{Kind: kind, Name: name, ParentSpanID: parentSpanID},
	})
	if err != nil {
		return "", fmt.Errorf("span: start %s %q: %w", kind, name, err)
	}
	t.engine.setPhase(t.id, spanID, phaseStarted)
	return spanID, nil
}

// EndSpan closes a span. Ending a span twice fails with ErrDoubleEnd;
// ending one that never started fails with ErrSpanNotFound. Neither
// emits an event. While the log is down, only spans this engine
// started can be ended.
func (t *Trace) EndSpan(ctx context.Context, spanID string, options EndOptions) error {
	status := options.Status
	if status == "" {
		status = eventlog.StatusOK
	}
	if status != eventlog.StatusOK && status != eventlog.StatusError {
		return fmt.Errorf("span: end %s: status must be ok or error, got %q", spanID, status)
	}

	if t.engine.phase(t.id, spanID) == phaseEnded {
		return fmt.Errorf("span: end %s: %w", spanID, traceerr.ErrDoubleEnd)
	}

	err := t.engine.emit(ctx, t.requireStarted(spanID), &eventlog.Event{
		TraceID: t.id,
		SpanID:  spanID,
		Type:    eventlog.SpanEnd,
		Payload: eventlog.Payload{
			Status: status,
			Input:  options.Input,
			Output: options.Output,
			Error:  options.Error,
		},
	})
	if err != nil {
		return fmt.Errorf("span: end %s: %w", spanID, err)
	}
	t.engine.setPhase(t.id, spanID, phaseEnded)
	return nil
}

// requireStarted rejects events for spans this process has not seen
// start.
func (t *Trace) requireStarted(spanID string) func() error {
	return func() error {
		if t.engine.phase(t.id, spanID) == phaseUnknown {
			return fmt.Errorf("span %s was not started by this process: %w", spanID, traceerr.ErrSpanNotFound)
		}
		return nil
	}
}

// SetAttribute records a key/value pair on a span. A value whose
// encoding exceeds the inline threshold fails with ErrPayloadTooLarge;
// store it as an artifact and pass ArtifactRef instead.
func (t *Trace) SetAttribute(ctx context.Context, spanID, key string, value Value) error {
	if key == "" {
		return fmt.Errorf("span: attribute on %s: key is required", spanID)
	}
	if err := value.Validate(); err != nil {
		return fmt.Errorf("span: attribute %q on %s: %w", key, spanID, err)
	}
	encoded, err := codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("span: encoding attribute %q: %w", key, err)
	}
	if len(encoded) > t.engine.inlineThreshold {
		return fmt.Errorf("span: attribute %q on %s is %d bytes, inline limit %d: %w",
			key, spanID, len(encoded), t.engine.inlineThreshold, traceerr.ErrPayloadTooLarge)
	}

	err = t.engine.emit(ctx, t.requireStarted(spanID), &eventlog.Event{
		TraceID: t.id,
		SpanID:  spanID,
		Type:    eventlog.SpanAttribute,
		Payload: eventlog.Payload{Key: key, Value: &value},
	})
	if err != nil {
		return fmt.Errorf("span: attribute %q on %s: %w", key, spanID, err)
	}
	return nil
}
