// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

package replay

import (
	"context"
	"errors"
	"iter"
	"log/slog"

	"github.com/jhacksman/compymac-sub000/lib/artifact"
	"github.com/jhacksman/compymac-sub000/lib/blob"
	"github.com/jhacksman/compymac-sub000/lib/checkpoint"
	"github.com/jhacksman/compymac-sub000/lib/eventlog"
	"github.com/jhacksman/compymac-sub000/lib/traceerr"
)

// EventReader reads a trace's events in sequence order.
type EventReader interface {
	ReadTrace(ctx context.Context, traceID string) iter.Seq2[eventlog.Event, error]
}

// CheckpointReader reads checkpoint records.
type CheckpointReader interface {
	Get(ctx context.Context, checkpointID string) (*checkpoint.Checkpoint, error)
	List(ctx context.Context, traceID string) ([]checkpoint.Checkpoint, error)
}

// ArtifactReader reads and verifies artifacts.
type ArtifactReader interface {
	Retrieve(ctx context.Context, hash blob.Hash) (*artifact.Content, error)
	Verify(ctx context.Context, hash blob.Hash) error
}

// Config holds the dependencies of a Reader.
type Config struct {
	Events      EventReader
	Checkpoints CheckpointReader
	Artifacts   ArtifactReader

	// VerifyArtifacts makes Summary re-hash every referenced artifact.
	// Otherwise references are reported as unverified.
	VerifyArtifacts bool

	// Logger receives degraded-read warnings. Nil discards them.
	Logger *slog.Logger
}

// Reader answers timeline, diff and summary queries.
type Reader struct {
	events      EventReader
	checkpoints CheckpointReader
	artifacts   ArtifactReader
	verify      bool
	logger      *slog.Logger
}

// New creates a Reader.
func New(cfg Config) (*Reader, error) {
	if cfg.Events == nil {
		return nil, errors.New("replay: Events is required")
	}
	if cfg.Checkpoints == nil {
		return nil, errors.New("replay: Checkpoints is required")
	}
	if cfg.Artifacts == nil {
		return nil, errors.New("replay: Artifacts is required")
	}
	reader := &Reader{
		events:      cfg.Events,
		checkpoints: cfg.Checkpoints,
		artifacts:   cfg.Artifacts,
		verify:      cfg.VerifyArtifacts,
		logger:      cfg.Logger,
	}
	if reader.logger == nil {
		reader.logger = slog.New(slog.DiscardHandler)
	}
	return reader, nil
}

// HealthStatus classifies an artifact reference.
type HealthStatus string

const (
	HealthOK         HealthStatus = "ok"
	HealthUnverified HealthStatus = "unverified"
	HealthMissing    HealthStatus = "missing"
	HealthCorrupt    HealthStatus = "corrupt"

	// HealthUnreadable covers failures that say nothing about the
	// artifact itself, such as an unavailable database or a missing
	// decryption identity.
	HealthUnreadable HealthStatus = "unreadable"
)

// ArtifactHealth reports the state of one referenced artifact.
type ArtifactHealth struct {
	Hash   blob.Hash    `json:"hash"`
	Status HealthStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
}

func classify(hash blob.Hash, err error) ArtifactHealth {
	health := ArtifactHealth{Hash: hash, Status: HealthOK}
	switch {
	case err == nil:
	case errors.Is(err, traceerr.ErrCorruptArtifact):
		health.Status = HealthCorrupt
	case errors.Is(err, traceerr.ErrNotFound):
		health.Status = HealthMissing
	default:
		health.Status = HealthUnreadable
	}
	if err != nil {
		health.Error = err.Error()
	}
	return health
}

func (r *Reader) check(ctx context.Context, hash blob.Hash) ArtifactHealth {
	if !r.verify {
		return ArtifactHealth{Hash: hash, Status: HealthUnverified}
	}
	health := classify(hash, r.artifacts.Verify(ctx, hash))
	if health.Status != HealthOK {
		r.logger.Warn("referenced artifact is not healthy",
			"hash", hash.String(),
			"status", string(health.Status),
			"error", health.Error,
		)
	}
	return health
}
