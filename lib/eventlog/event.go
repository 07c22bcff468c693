// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

package eventlog

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/jhacksman/compymac-sub000/lib/blob"
)

// Type is the kind of lifecycle event.
type Type string

const (
	SpanStart     Type = "span_start"
	SpanEnd       Type = "span_end"
	SpanAttribute Type = "span_attribute"
)

// Valid reports whether t is one of the defined event types.
func (t Type) Valid() bool {
	switch t {
	case SpanStart, SpanEnd, SpanAttribute:
		return true
	}
	return false
}

// Status is a span's outcome as recorded on its end event, or one of
// the derived states reported by readers.
type Status string

const (
	// StatusStarted is a span with a start event whose end has not
	// been observed yet.
	StatusStarted Status = "started"

	StatusOK    Status = "ok"
	StatusError Status = "error"

	// StatusIncomplete is what tree and summary views report for a
	// span with no end event. It is never written to the log.
	StatusIncomplete Status = "incomplete"
)

// Event is one immutable log record.
type Event struct {
	// Sequence is assigned by Append. Zero before then.
	Sequence int64 `json:"event_id"`

	// Timestamp is when the event happened. Append fills it from the
	// clock when zero.
	Timestamp time.Time `json:"timestamp"`

	TraceID string  `json:"trace_id"`
	SpanID  string  `json:"span_id"`
	Type    Type    `json:"event_type"`
	Payload Payload `json:"payload"`
}

// Payload is the inline structured data of an event. Which fields are
// set depends on the event type.
type Payload struct {
	// Start fields.
	Kind         string `cbor:"kind,omitempty" json:"kind,omitempty"`
	Name         string `cbor:"name,omitempty" json:"name,omitempty"`
	ParentSpanID string `cbor:"parent,omitempty" json:"parent_span_id,omitempty"`

	// End fields.
	Status Status     `cbor:"status,omitempty" json:"status,omitempty"`
	Input  *blob.Hash `cbor:"input,omitempty" json:"input,omitempty"`
	Output *blob.Hash `cbor:"output,omitempty" json:"output,omitempty"`
	Error  string     `cbor:"error,omitempty" json:"error,omitempty"`

	// Attribute fields.
	Key   string `cbor:"key,omitempty" json:"key,omitempty"`
	Value *Value `cbor:"value,omitempty" json:"value,omitempty"`
}

// ValueKind discriminates the attribute value union.
type ValueKind string

const (
	KindString   ValueKind = "string"
	KindNumber   ValueKind = "number"
	KindBool     ValueKind = "bool"
	KindArtifact ValueKind = "artifact"
)

// Value is an attribute value: exactly one of a string, a number, a
// boolean, or a reference to a stored artifact. Build one with
// [String], [Number], [Bool] or [ArtifactRef].
type Value struct {
	Kind ValueKind `cbor:"k" json:"kind"`

	Str  string  `cbor:"s,omitempty" json:"string,omitempty"`
	Num  float64 `cbor:"n,omitempty" json:"number,omitempty"`
	Bool bool    `cbor:"b,omitempty" json:"bool,omitempty"`

	// Artifact and SizeHint are set for artifact references.
	Artifact *blob.Hash `cbor:"a,omitempty" json:"artifact,omitempty"`
	SizeHint int64      `cbor:"z,omitempty" json:"size_hint,omitempty"`
}

// String returns a string-valued attribute.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Number returns a number-valued attribute.
func Number(n float64) Value { return Value{Kind: KindNumber, Num: n} }

// Bool returns a boolean attribute.
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// ArtifactRef returns an attribute that points at a stored artifact.
// sizeHint is the artifact's byte length, for display.
func ArtifactRef(hash blob.Hash, sizeHint int64) Value {
	return Value{Kind: KindArtifact, Artifact: &hash, SizeHint: sizeHint}
}

// Validate checks that the value is a well-formed member of the union.
func (v Value) Validate() error {
	switch v.Kind {
	case KindString, KindBool:
		return nil
	case KindNumber:
		if math.IsNaN(v.Num) || math.IsInf(v.Num, 0) {
			return fmt.Errorf("eventlog: number attribute must be finite, got %v", v.Num)
		}
		return nil
	case KindArtifact:
		if v.Artifact == nil || v.Artifact.IsZero() {
			return fmt.Errorf("eventlog: artifact attribute has no hash")
		}
		return nil
	default:
		return fmt.Errorf("eventlog: unknown attribute kind %q", v.Kind)
	}
}

// Display renders the value for humans.
func (v Value) Display() string {
	switch v.Kind {
	case KindString:
		return strconv.Quote(v.Str)
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindArtifact:
		if v.Artifact == nil {
			return "artifact:<none>"
		}
		return fmt.Sprintf("artifact:%s (%d bytes)", v.Artifact, v.SizeHint)
	default:
		return fmt.Sprintf("<%s>", v.Kind)
	}
}
