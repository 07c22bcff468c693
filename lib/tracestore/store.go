// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

package tracestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"filippo.io/age"

	"github.com/jhacksman/compymac-sub000/lib/artifact"
	"github.com/jhacksman/compymac-sub000/lib/blob"
	"github.com/jhacksman/compymac-sub000/lib/checkpoint"
	"github.com/jhacksman/compymac-sub000/lib/clock"
	"github.com/jhacksman/compymac-sub000/lib/config"
	"github.com/jhacksman/compymac-sub000/lib/eventlog"
	"github.com/jhacksman/compymac-sub000/lib/provenance"
	"github.com/jhacksman/compymac-sub000/lib/replay"
	"github.com/jhacksman/compymac-sub000/lib/span"
	"github.com/jhacksman/compymac-sub000/lib/sqlitepool"
	"github.com/jhacksman/compymac-sub000/lib/tracedb"
)

// RecoveryReason is the error recorded on spans closed by recovery.
const RecoveryReason = "process exited before the span ended"

// Config describes a store to open.
type Config struct {
	// Root is the store directory. Required unless both DatabasePath
	// and ArtifactsPath are set.
	Root string

	// DatabasePath defaults to Root/trace.db.
	DatabasePath string

	// ArtifactsPath defaults to Root/artifacts.
	ArtifactsPath string

	PoolSize    int
	BusyTimeout time.Duration

	// InlineThreshold bounds inline attribute values. MaxPayload bounds
	// encoded event payloads. Zero uses the component defaults.
	InlineThreshold int
	MaxPayload      int

	RetryAttempts       int
	RetryBackoff        time.Duration
	BufferOnUnavailable bool

	// Compression is auto, none, lz4 or zstd. Empty means auto.
	Compression string

	// Recipients are age public keys new blobs are encrypted to.
	Recipients []string

	// IdentityFile holds age identities for reading encrypted blobs.
	IdentityFile string

	// PreStore transforms artifact content before hashing.
	PreStore artifact.Transform

	// CloseIncompleteOnOpen runs Recover during Open.
	CloseIncompleteOnOpen bool

	// VerifyArtifacts makes replay summaries re-hash referenced
	// artifacts.
	VerifyArtifacts bool

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Logger is required.
	Logger *slog.Logger
}

// FromConfig derives a store Config from loaded configuration.
func FromConfig(cfg *config.Config, logger *slog.Logger) (Config, error) {
	busyTimeout, err := cfg.BusyTimeout()
	if err != nil {
		return Config{}, err
	}
	retryBackoff, err := cfg.RetryBackoff()
	if err != nil {
		return Config{}, err
	}
	return Config{
		Root:                  cfg.Paths.Root,
		DatabasePath:          cfg.DatabasePath(),
		ArtifactsPath:         cfg.ArtifactsPath(),
		PoolSize:              cfg.Store.PoolSize,
		BusyTimeout:           busyTimeout,
		InlineThreshold:       cfg.Store.InlineThreshold,
		MaxPayload:            cfg.Store.MaxPayload,
		RetryAttempts:         cfg.Events.RetryAttempts,
		RetryBackoff:          retryBackoff,
		BufferOnUnavailable:   cfg.Events.BufferOnUnavailable,
		Compression:           cfg.Artifacts.Compression,
		Recipients:            cfg.Artifacts.Encryption.Recipients,
		IdentityFile:          cfg.Artifacts.Encryption.IdentityFile,
		CloseIncompleteOnOpen: cfg.Recovery.CloseIncompleteOnOpen,
		Logger:                logger,
	}, nil
}

// Store is an open trace store.
type Store struct {
	Pool        *sqlitepool.Pool
	Blobs       *blob.Store
	Artifacts   *artifact.Store
	Events      *eventlog.Log
	Spans       *span.Engine
	Provenance  *provenance.Graph
	Checkpoints *checkpoint.Manager
	Replay      *replay.Reader

	logger    *slog.Logger
	closeOnce sync.Once
	closeErr  error
}

// Open opens or creates the store described by cfg.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, errors.New("tracestore: Logger is required")
	}
	if cfg.DatabasePath == "" || cfg.ArtifactsPath == "" {
		if cfg.Root == "" {
			return nil, errors.New("tracestore: Root is required")
		}
		if cfg.DatabasePath == "" {
			cfg.DatabasePath = filepath.Join(cfg.Root, "trace.db")
		}
		if cfg.ArtifactsPath == "" {
			cfg.ArtifactsPath = filepath.Join(cfg.Root, "artifacts")
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	logger := cfg.Logger

	var recipients []age.Recipient
	if len(cfg.Recipients) > 0 {
		parsed, err := blob.ParseRecipients(cfg.Recipients)
		if err != nil {
			return nil, fmt.Errorf("tracestore: %w", err)
		}
		recipients = parsed
	}
	var identities []age.Identity
	if cfg.IdentityFile != "" {
		loaded, err := blob.LoadIdentities(cfg.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("tracestore: %w", err)
		}
		identities = loaded
	}

	blobs, err := blob.Open(blob.Config{
		Root:        cfg.ArtifactsPath,
		Compression: cfg.Compression,
		Recipients:  recipients,
		Identities:  identities,
		Logger:      logger.With("component", "blob"),
	})
	if err != nil {
		return nil, fmt.Errorf("tracestore: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return nil, fmt.Errorf("tracestore: creating database directory: %w", err)
	}
	pool, err := tracedb.Open(tracedb.Config{
		Path:        cfg.DatabasePath,
		PoolSize:    cfg.PoolSize,
		BusyTimeout: cfg.BusyTimeout,
		Logger:      logger.With("component", "tracedb"),
	})
	if err != nil {
		return nil, fmt.Errorf("tracestore: %w", err)
	}

	store, err := assemble(pool, blobs, cfg)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("tracestore: %w", err)
	}

	logger.Debug("trace store opened",
		"database", cfg.DatabasePath,
		"artifacts", cfg.ArtifactsPath,
		"encrypted", len(recipients) > 0,
	)

	if cfg.CloseIncompleteOnOpen {
		if _, err := store.Recover(ctx, RecoveryReason); err != nil {
			store.Close()
			return nil, fmt.Errorf("tracestore: recovery at open: %w", err)
		}
	}
	return store, nil
}

func assemble(pool *sqlitepool.Pool, blobs *blob.Store, cfg Config) (*Store, error) {
	logger := cfg.Logger
	artifacts, err := artifact.New(artifact.Config{
		Pool:     pool,
		Blobs:    blobs,
		Clock:    cfg.Clock,
		PreStore: cfg.PreStore,
		Logger:   logger.With("component", "artifact"),
	})
	if err != nil {
		return nil, err
	}
	events, err := eventlog.New(eventlog.Config{
		Pool:           pool,
		Clock:          cfg.Clock,
		MaxPayloadSize: cfg.MaxPayload,
		Logger:         logger.With("component", "eventlog"),
	})
	if err != nil {
		return nil, err
	}
	spans, err := span.New(span.Config{
		Log:                 events,
		Clock:               cfg.Clock,
		InlineThreshold:     cfg.InlineThreshold,
		RetryAttempts:       cfg.RetryAttempts,
		RetryBackoff:        cfg.RetryBackoff,
		BufferOnUnavailable: cfg.BufferOnUnavailable,
		Logger:              logger.With("component", "span"),
	})
	if err != nil {
		return nil, err
	}
	graph, err := provenance.New(provenance.Config{
		Pool:   pool,
		Clock:  cfg.Clock,
		Logger: logger.With("component", "provenance"),
	})
	if err != nil {
		return nil, err
	}
	checkpoints, err := checkpoint.New(checkpoint.Config{
		Pool:      pool,
		Artifacts: artifacts,
		Clock:     cfg.Clock,
		Logger:    logger.With("component", "checkpoint"),
	})
	if err != nil {
		return nil, err
	}
	reader, err := replay.New(replay.Config{
		Events:          events,
		Checkpoints:     checkpoints,
		Artifacts:       artifacts,
		VerifyArtifacts: cfg.VerifyArtifacts,
		Logger:          logger.With("component", "replay"),
	})
	if err != nil {
		return nil, err
	}
	return &Store{
		Pool:        pool,
		Blobs:       blobs,
		Artifacts:   artifacts,
		Events:      events,
		Spans:       spans,
		Provenance:  graph,
		Checkpoints: checkpoints,
		Replay:      reader,
		logger:      logger,
	}, nil
}

// Close flushes buffered span events and closes the database. A flush
// failure is returned after the database is closed. Later calls return
// the first call's result.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		flushErr := s.Spans.Flush(context.Background())
		if flushErr != nil {
			s.logger.Error("buffered span events lost at close",
				"pending", s.Spans.Pending(),
				"error", flushErr,
			)
		}
		s.closeErr = errors.Join(flushErr, s.Pool.Close())
	})
	return s.closeErr
}

// Recover closes every incomplete span of every trace with reason as
// the error. It returns the closed span ids by trace. Run it only when
// no other process is writing to the store.
func (s *Store) Recover(ctx context.Context, reason string) (map[string][]string, error) {
	traces, err := s.Events.Traces(ctx)
	if err != nil {
		return nil, fmt.Errorf("tracestore: recover: %w", err)
	}
	closed := make(map[string][]string)
	for _, trace := range traces {
		spanIDs, err := s.Spans.CloseIncomplete(ctx, trace.TraceID, reason)
		if err != nil {
			return closed, fmt.Errorf("tracestore: recover trace %s: %w", trace.TraceID, err)
		}
		if len(spanIDs) > 0 {
			closed[trace.TraceID] = spanIDs
		}
	}
	if len(closed) > 0 {
		s.logger.Warn("closed incomplete spans", "traces", len(closed))
	}
	return closed, nil
}

// LiveArtifacts returns every artifact hash referenced by a checkpoint
// state, a span input or output, an artifact attribute, or a provenance
// edge, sorted. Artifacts not in the result are unreferenced and may be
// collected by an external retention policy.
func (s *Store) LiveArtifacts(ctx context.Context) ([]blob.Hash, error) {
	live := make(map[blob.Hash]struct{})
	addText := func(values []string) error {
		for _, value := range values {
			hash, err := blob.ParseHash(value)
			if err != nil {
				return err
			}
			live[hash] = struct{}{}
		}
		return nil
	}
	add := func(hash *blob.Hash) {
		if hash != nil && !hash.IsZero() {
			live[*hash] = struct{}{}
		}
	}

	states, err := s.Checkpoints.StateArtifacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("tracestore: live artifacts: %w", err)
	}
	if err := addText(states); err != nil {
		return nil, fmt.Errorf("tracestore: live artifacts: %w", err)
	}
	edges, err := s.Provenance.Artifacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("tracestore: live artifacts: %w", err)
	}
	if err := addText(edges); err != nil {
		return nil, fmt.Errorf("tracestore: live artifacts: %w", err)
	}

	traces, err := s.Events.Traces(ctx)
	if err != nil {
		return nil, fmt.Errorf("tracestore: live artifacts: %w", err)
	}
	for _, trace := range traces {
		for event, err := range s.Events.ReadTrace(ctx, trace.TraceID) {
			if err != nil {
				return nil, fmt.Errorf("tracestore: live artifacts: %w", err)
			}
			add(event.Payload.Input)
			add(event.Payload.Output)
			if value := event.Payload.Value; value != nil && value.Kind == eventlog.KindArtifact {
				add(value.Artifact)
			}
		}
	}

	hashes := make([]blob.Hash, 0, len(live))
	for hash := range live {
		hashes = append(hashes, hash)
	}
	slices.SortFunc(hashes, func(a, b blob.Hash) int {
		return bytes.Compare(a[:], b[:])
	})
	return hashes, nil
}
