// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/jhacksman/compymac-sub000/lib/checkpoint"
	"github.com/jhacksman/compymac-sub000/lib/codec"
)

// Format names how two checkpoint states were compared.
type Format string

const (
	FormatJSON  Format = "json"
	FormatCBOR  Format = "cbor"
	FormatBytes Format = "bytes"

	// FormatUnavailable means at least one state could not be read;
	// Diff.Health says which.
	FormatUnavailable Format = "unavailable"
)

// ChangeKind classifies one difference.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeRemoved ChangeKind = "removed"
	ChangeChanged ChangeKind = "changed"
)

// Change is one path-level difference between two states. Path is a
// JSON Pointer; the empty path is the whole document.
type Change struct {
	Path   string     `json:"path"`
	Kind   ChangeKind `json:"kind"`
	Before any        `json:"before,omitempty"`
	After  any        `json:"after,omitempty"`
}

// Diff is the result of comparing two checkpoints' states.
type Diff struct {
	From checkpoint.Checkpoint `json:"from"`
	To   checkpoint.Checkpoint `json:"to"`

	Format    Format `json:"format"`
	Identical bool   `json:"identical"`

	FromSize int `json:"from_size"`
	ToSize   int `json:"to_size"`

	// Changes are in document order with object keys sorted. For
	// FormatBytes a difference is a single change at the empty path
	// with no values.
	Changes []Change `json:"changes,omitempty"`

	// Health is set when a state could not be read.
	Health []ArtifactHealth `json:"health,omitempty"`
}

// DiffCheckpoints compares the states of two checkpoints, which may
// belong to different traces. JSON and CBOR states are compared
// structurally; anything else byte-wise. An unreadable state yields a
// Diff with FormatUnavailable rather than an error.
func (r *Reader) DiffCheckpoints(ctx context.Context, fromID, toID string) (*Diff, error) {
	from, err := r.checkpoints.Get(ctx, fromID)
	if err != nil {
		return nil, fmt.Errorf("replay: diff: %w", err)
	}
	to, err := r.checkpoints.Get(ctx, toID)
	if err != nil {
		return nil, fmt.Errorf("replay: diff: %w", err)
	}
	diff := &Diff{From: *from, To: *to}

	fromContent, fromErr := r.artifacts.Retrieve(ctx, from.State)
	toContent, toErr := r.artifacts.Retrieve(ctx, to.State)
	if fromErr != nil || toErr != nil {
		diff.Format = FormatUnavailable
		for _, failure := range []struct {
			checkpoint *checkpoint.Checkpoint
			err        error
		}{{from, fromErr}, {to, toErr}} {
			if failure.err == nil {
				continue
			}
			health := classify(failure.checkpoint.State, failure.err)
			r.logger.Warn("checkpoint state unreadable",
				"checkpoint_id", failure.checkpoint.ID,
				"hash", health.Hash.String(),
				"status", string(health.Status),
				"error", health.Error,
			)
			diff.Health = append(diff.Health, health)
		}
		return diff, nil
	}

	diff.FromSize = len(fromContent.Data)
	diff.ToSize = len(toContent.Data)
	diff.Identical = from.State == to.State || bytes.Equal(fromContent.Data, toContent.Data)

	format := detectFormat(fromContent.ContentType, fromContent.Data)
	if detectFormat(toContent.ContentType, toContent.Data) != format {
		format = FormatBytes
	}
	var before, after any
	if format != FormatBytes {
		var fromErr, toErr error
		before, fromErr = decode(format, fromContent.Data)
		after, toErr = decode(format, toContent.Data)
		if fromErr != nil || toErr != nil {
			format = FormatBytes
		}
	}
	diff.Format = format

	if diff.Identical {
		return diff, nil
	}
	if format == FormatBytes {
		diff.Changes = []Change{{Kind: ChangeChanged}}
		return diff, nil
	}
	diff.Changes = compare("", before, after, nil)
	return diff, nil
}

func detectFormat(contentType string, data []byte) Format {
	mediaType := strings.ToLower(contentType)
	switch {
	case strings.Contains(mediaType, "json"):
		return FormatJSON
	case strings.Contains(mediaType, "cbor"):
		return FormatCBOR
	case mediaType == "" && json.Valid(data):
		return FormatJSON
	}
	return FormatBytes
}

func decode(format Format, data []byte) (any, error) {
	var value any
	switch format {
	case FormatJSON:
		decoder := json.NewDecoder(bytes.NewReader(data))
		decoder.UseNumber()
		if err := decoder.Decode(&value); err != nil {
			return nil, err
		}
	case FormatCBOR:
		if err := codec.Unmarshal(data, &value); err != nil {
			return nil, err
		}
	}
	return value, nil
}

func compare(path string, before, after any, changes []Change) []Change {
	switch beforeValue := before.(type) {
	case map[string]any:
		afterValue, ok := after.(map[string]any)
		if !ok {
			break
		}
		keys := make([]string, 0, len(beforeValue)+len(afterValue))
		for key := range beforeValue {
			keys = append(keys, key)
		}
		for key := range afterValue {
			if _, shared := beforeValue[key]; !shared {
				keys = append(keys, key)
			}
		}
		slices.Sort(keys)
		for _, key := range keys {
			child := path + "/" + escapePointer(key)
			old, hadOld := beforeValue[key]
			updated, hasNew := afterValue[key]
			switch {
			case !hadOld:
				changes = append(changes, Change{Path: child, Kind: ChangeAdded, After: updated})
			case !hasNew:
				changes = append(changes, Change{Path: child, Kind: ChangeRemoved, Before: old})
			default:
				changes = compare(child, old, updated, changes)
			}
		}
		return changes

	case []any:
		afterValue, ok := after.([]any)
		if !ok {
			break
		}
		for i := 0; i < max(len(beforeValue), len(afterValue)); i++ {
			child := path + "/" + strconv.Itoa(i)
			switch {
			case i >= len(beforeValue):
				changes = append(changes, Change{Path: child, Kind: ChangeAdded, After: afterValue[i]})
			case i >= len(afterValue):
				changes = append(changes, Change{Path: child, Kind: ChangeRemoved, Before: beforeValue[i]})
			default:
				changes = compare(child, beforeValue[i], afterValue[i], changes)
			}
		}
		return changes
	}

	if !reflect.DeepEqual(before, after) {
		changes = append(changes, Change{Path: path, Kind: ChangeChanged, Before: before, After: after})
	}
	return changes
}

var pointerEscaper = strings.NewReplacer("~", "~0", "/", "~1")

func escapePointer(key string) string {
	return pointerEscaper.Replace(key)
}
