// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/jhacksman/compymac-sub000/lib/blob"
	"github.com/jhacksman/compymac-sub000/lib/clock"
	"github.com/jhacksman/compymac-sub000/lib/codec"
	"github.com/jhacksman/compymac-sub000/lib/sqlitepool"
	"github.com/jhacksman/compymac-sub000/lib/tracedb"
	"github.com/jhacksman/compymac-sub000/lib/traceerr"
)

// Transform rewrites content before it is stored. A policy layer
// registers one to redact secrets. Returning an error aborts the store.
type Transform func(content []byte) ([]byte, error)

// Artifact is the immutable metadata of a stored artifact.
type Artifact struct {
	Hash        blob.Hash `json:"hash"`
	Type        string    `json:"artifact_type"`
	ContentType string    `json:"content_type,omitempty"`

	// Size is the plaintext byte length.
	Size int64 `json:"byte_length"`

	// Location is the blob path relative to the blob store root.
	Location string `json:"storage_location"`

	// Compression names the on-disk stream encoding.
	Compression string `json:"compression"`

	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Content is an artifact together with its verified bytes.
type Content struct {
	Artifact
	Data []byte `json:"-"`
}

// StoreRequest describes an artifact to store.
type StoreRequest struct {
	// Type classifies the artifact for callers: "llm_response",
	// "tool_output", "checkpoint_state", and so on. Required.
	Type string

	// ContentType is a MIME type. It also steers compression.
	ContentType string

	// Metadata is attached when the artifact is first stored and
	// never changes afterwards.
	Metadata map[string]string

	// Verbatim bypasses the pre-store hook. Checkpoint states use it:
	// a resumed agent must get back exactly the bytes it saved.
	Verbatim bool
}

// Config holds the dependencies of a Store.
type Config struct {
	// Pool is the trace database pool. Required.
	Pool *sqlitepool.Pool

	// Blobs holds artifact bytes. Required.
	Blobs *blob.Store

	// Clock stamps CreatedAt. Nil uses the real clock.
	Clock clock.Clock

	// PreStore, if set, transforms content before hashing.
	PreStore Transform

	// Logger receives corruption reports. Nil discards them.
	Logger *slog.Logger
}

// Store is the artifact store. It is safe for concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	blobs  *blob.Store
	clock  clock.Clock
	logger *slog.Logger

	hookMu   sync.RWMutex
	preStore Transform
}

// New creates a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Pool == nil {
		return nil, errors.New("artifact: Pool is required")
	}
	if cfg.Blobs == nil {
		return nil, errors.New("artifact: Blobs is required")
	}
	store := &Store{
		pool:     cfg.Pool,
		blobs:    cfg.Blobs,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		preStore: cfg.PreStore,
	}
	if store.clock == nil {
		store.clock = clock.Real()
	}
	if store.logger == nil {
		store.logger = slog.New(slog.DiscardHandler)
	}
	return store, nil
}

// Blobs returns the underlying blob store.
func (s *Store) Blobs() *blob.Store {
	return s.blobs
}

// SetPreStoreHook registers the transform applied to content before it
// is stored, replacing any previous hook. Nil removes the hook.
func (s *Store) SetPreStoreHook(transform Transform) {
	s.hookMu.Lock()
	s.preStore = transform
	s.hookMu.Unlock()
}

func (s *Store) hook() Transform {
	s.hookMu.RLock()
	defer s.hookMu.RUnlock()
	return s.preStore
}

// Store persists content and returns the artifact's metadata. Storing
// content that already exists writes nothing and returns the existing
// metadata, including the original Type, ContentType and Metadata.
func (s *Store) Store(ctx context.Context, request StoreRequest, content []byte) (*Artifact, error) {
	if request.Type == "" {
		return nil, errors.New("artifact: store: Type is required")
	}

	if transform := s.hook(); transform != nil && !request.Verbatim {
		transformed, err := transform(content)
		if err != nil {
			return nil, fmt.Errorf("artifact: pre-store hook: %w", err)
		}
		content = transformed
	}

	put, err := s.blobs.Put(content, request.ContentType)
	if err != nil {
		return nil, fmt.Errorf("artifact: store: %w", err)
	}
	return s.record(ctx, request, put)
}

// StoreStream persists content read from r. Without a pre-store hook
// the content is never held in memory. With one, it is buffered so the
// hook can see the whole payload.
func (s *Store) StoreStream(ctx context.Context, request StoreRequest, r io.Reader) (*Artifact, error) {
	if request.Type == "" {
		return nil, errors.New("artifact: store: Type is required")
	}

	if s.hook() != nil && !request.Verbatim {
		content, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("artifact: reading content: %w", err)
		}
		return s.Store(ctx, request, content)
	}

	put, err := s.blobs.PutStream(r, request.ContentType)
	if err != nil {
		return nil, fmt.Errorf("artifact: store: %w", err)
	}
	return s.record(ctx, request, put)
}

// record inserts the metadata row unless one exists and returns the
// row as stored.
func (s *Store) record(ctx context.Context, request StoreRequest, put *blob.PutResult) (*Artifact, error) {
	var metadata []byte
	if len(request.Metadata) > 0 {
		encoded, err := codec.Marshal(request.Metadata)
		if err != nil {
			return nil, fmt.Errorf("artifact: encoding metadata: %w", err)
		}
		metadata = encoded
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, traceerr.Unavailable("artifact: store", err)
	}
	defer s.pool.Put(conn)

	stored, err := insertArtifact(conn, request, put, s.clock.Now(), metadata)
	if err != nil {
		return nil, traceerr.Storage("artifact: store", err)
	}
	return stored, nil
}

func insertArtifact(conn *sqlite.Conn, request StoreRequest, put *blob.PutResult, now time.Time, metadata []byte) (stored *Artifact, err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, err
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn,
		`INSERT OR IGNORE INTO artifacts
			(hash, artifact_type, content_type, byte_length, storage_location, compression, created_at, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				put.Hash.String(), request.Type, request.ContentType, put.Size,
				put.Location, put.Compression.String(), tracedb.UnixNanos(now), metadata,
			},
		})
	if err != nil {
		return nil, err
	}
	return selectArtifact(conn, put.Hash)
}

// Stat returns an artifact's metadata without reading its bytes.
func (s *Store) Stat(ctx context.Context, hash blob.Hash) (*Artifact, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, traceerr.Unavailable("artifact: stat", err)
	}
	defer s.pool.Put(conn)

	artifact, err := selectArtifact(conn, hash)
	if err != nil {
		return nil, traceerr.Storage("artifact: stat", err)
	}
	return artifact, nil
}

// Exists reports whether artifact metadata exists for hash.
func (s *Store) Exists(ctx context.Context, hash blob.Hash) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, traceerr.Unavailable("artifact: exists", err)
	}
	defer s.pool.Put(conn)

	exists, err := tracedb.ArtifactExists(conn, hash.String())
	if err != nil {
		return false, traceerr.Storage("artifact: exists", err)
	}
	return exists, nil
}

// Retrieve returns an artifact's metadata and verified bytes.
func (s *Store) Retrieve(ctx context.Context, hash blob.Hash) (*Content, error) {
	artifact, err := s.Stat(ctx, hash)
	if err != nil {
		return nil, err
	}

	data, err := s.blobs.Get(hash)
	if err != nil {
		return nil, s.readFailure(artifact, err)
	}
	return &Content{Artifact: *artifact, Data: data}, nil
}

// Open streams an artifact's bytes to w, verifying the digest once the
// stream ends. On ErrCorruptArtifact, w may already hold unverified
// bytes.
func (s *Store) Open(ctx context.Context, hash blob.Hash, w io.Writer) (*Artifact, error) {
	artifact, err := s.Stat(ctx, hash)
	if err != nil {
		return nil, err
	}
	if _, err := s.blobs.Copy(hash, w); err != nil {
		return nil, s.readFailure(artifact, err)
	}
	return artifact, nil
}

// Verify recomputes an artifact's digest from its stored bytes.
func (s *Store) Verify(ctx context.Context, hash blob.Hash) error {
	_, err := s.Open(ctx, hash, io.Discard)
	return err
}

// readFailure classifies a blob read error for an artifact whose
// metadata exists: a missing blob is corruption, and corruption is
// always logged.
func (s *Store) readFailure(artifact *Artifact, err error) error {
	if errors.Is(err, traceerr.ErrNotFound) {
		err = fmt.Errorf("blob %s missing: %w", artifact.Location, traceerr.ErrCorruptArtifact)
	}
	if errors.Is(err, traceerr.ErrCorruptArtifact) {
		s.logger.Error("artifact failed verification",
			"event", "corrupt_artifact",
			"hash", artifact.Hash.String(),
			"artifact_type", artifact.Type,
			"location", artifact.Location,
			"error", err,
		)
	}
	return fmt.Errorf("artifact: retrieve %s: %w", artifact.Hash, err)
}

func selectArtifact(conn *sqlite.Conn, hash blob.Hash) (*Artifact, error) {
	var artifact *Artifact
	var decodeErr error
	err := sqlitex.Execute(conn,
		`SELECT artifact_type, content_type, byte_length, storage_location, compression, created_at, metadata
			FROM artifacts WHERE hash = ?`,
		&sqlitex.ExecOptions{
			Args: []any{hash.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				artifact = &Artifact{
					Hash:        hash,
					Type:        stmt.ColumnText(0),
					ContentType: stmt.ColumnText(1),
					Size:        stmt.ColumnInt64(2),
					Location:    stmt.ColumnText(3),
					Compression: stmt.ColumnText(4),
					CreatedAt:   tracedb.FromUnixNanos(stmt.ColumnInt64(5)),
				}
				if stmt.ColumnLen(6) > 0 {
					raw := make([]byte, stmt.ColumnLen(6))
					stmt.ColumnBytes(6, raw)
					decodeErr = codec.Unmarshal(raw, &artifact.Metadata)
				}
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	if artifact == nil {
		return nil, fmt.Errorf("artifact %s: %w", hash, traceerr.ErrNotFound)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("artifact %s: decoding metadata: %w", hash, decodeErr)
	}
	return artifact, nil
}
