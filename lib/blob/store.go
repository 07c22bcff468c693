// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

package blob

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"filippo.io/age"

	"github.com/jhacksman/compymac-sub000/lib/traceerr"
)

// Directory names within the blob root.
const (
	objectsDir = "objects"
	tmpDir     = "tmp"
)

// Blob file header layout.
var magic = [4]byte{'C', 'M', 'B', '1'}

const (
	headerSize    = 6
	flagEncrypted = 1 << 0
)

// Config holds the parameters for a blob store.
type Config struct {
	// Root is the directory holding objects/ and tmp/. Created if
	// missing. Required.
	Root string

	// Compression is "auto" (the default when empty), "none", "lz4"
	// or "zstd". Auto selects per blob with SelectCompression.
	Compression string

	// Recipients, when non-empty, encrypt every newly written blob to
	// these age recipients.
	Recipients []age.Recipient

	// Identities decrypt encrypted blobs on read.
	Identities []age.Identity

	// Logger receives debug messages about writes. Nil discards them.
	Logger *slog.Logger
}

// Store keeps content-addressed blobs on the local filesystem. It is
// safe for concurrent use by multiple goroutines and by multiple
// processes sharing the same root.
type Store struct {
	root       string
	auto       bool
	fixed      Compression
	recipients []age.Recipient
	identities []age.Identity
	logger     *slog.Logger

	writes       atomic.Int64
	deduplicated atomic.Int64
}

// PutResult describes the outcome of a Put or PutStream.
type PutResult struct {
	Hash Hash

	// Size is the plaintext, uncompressed byte length.
	Size int64

	// Compression is the encoding of the file on disk. For a
	// deduplicated put this is the encoding chosen by whichever
	// writer published first.
	Compression Compression

	// Location is the blob's path relative to the store root.
	Location string

	// Deduplicated is true when the blob already existed and this
	// call published nothing.
	Deduplicated bool
}

// Stats counts publish outcomes since the store was opened.
type Stats struct {
	// Writes is the number of blobs this store published.
	Writes int64

	// Deduplicated is the number of puts that found the blob already
	// present.
	Deduplicated int64
}

// Open creates a Store rooted at cfg.Root, creating its directories.
func Open(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, errors.New("blob: root directory is required")
	}

	store := &Store{
		root:       cfg.Root,
		recipients: cfg.Recipients,
		identities: cfg.Identities,
		logger:     cfg.Logger,
	}
	if store.logger == nil {
		store.logger = slog.New(slog.DiscardHandler)
	}

	switch cfg.Compression {
	case "", "auto":
		store.auto = true
	default:
		fixed, err := ParseCompression(cfg.Compression)
		if err != nil {
			return nil, err
		}
		store.fixed = fixed
	}

	for _, dir := range []string{
		cfg.Root,
		filepath.Join(cfg.Root, objectsDir),
		filepath.Join(cfg.Root, tmpDir),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, traceerr.Unavailable("blob: creating "+dir, err)
		}
	}
	return store, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// Location returns the blob's path relative to the store root.
func (s *Store) Location(hash Hash) string {
	text := hash.String()
	return filepath.Join(objectsDir, text[:2], text[2:4], text)
}

// Path returns the blob's absolute path.
func (s *Store) Path(hash Hash) string {
	return filepath.Join(s.root, s.Location(hash))
}

// Stats returns the publish counters.
func (s *Store) Stats() Stats {
	return Stats{
		Writes:       s.writes.Load(),
		Deduplicated: s.deduplicated.Load(),
	}
}

// Has reports whether a blob exists for hash.
func (s *Store) Has(hash Hash) (bool, error) {
	_, err := os.Stat(s.Path(hash))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, traceerr.Unavailable("blob: stat", err)
	}
}

// Put stores content. The digest is computed before anything touches
// the disk: when an intact blob already exists the call returns with
// Deduplicated set and writes nothing. A damaged blob is replaced.
func (s *Store) Put(content []byte, contentType string) (*PutResult, error) {
	hash := Sum(content)

	if result, err := s.existing(hash, int64(len(content))); err != nil || result != nil {
		return result, err
	}

	compression := s.choose(content, contentType)
	tmpPath, _, size, err := s.stage(bytes.NewReader(content), compression)
	if err != nil {
		return nil, err
	}
	return s.commit(tmpPath, hash, size, compression)
}

// PutStream stores content read from r without holding it in memory.
// The content is hashed while it is compressed into a staging file, so
// a duplicate is only detected after the read completes; the staging
// file is then discarded and nothing is published.
func (s *Store) PutStream(r io.Reader, contentType string) (*PutResult, error) {
	buffered := bufio.NewReaderSize(r, probeSize)
	probe, err := buffered.Peek(probeSize)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, fmt.Errorf("blob: reading content: %w", err)
	}

	compression := s.choose(probe, contentType)
	tmpPath, hash, size, err := s.stage(buffered, compression)
	if err != nil {
		return nil, err
	}

	result, err := s.existing(hash, size)
	if err != nil || result != nil {
		os.Remove(tmpPath)
		return result, err
	}
	return s.commit(tmpPath, hash, size, compression)
}

// Get returns the verified plaintext of a blob.
func (s *Store) Get(hash Hash) ([]byte, error) {
	var buffer bytes.Buffer
	if _, err := s.Copy(hash, &buffer); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// Copy streams the plaintext of a blob to w and verifies the digest
// once the stream ends. On ErrCorruptArtifact, w may already have
// received some or all of the bad bytes; use Get when the caller must
// not see unverified content.
func (s *Store) Copy(hash Hash, w io.Writer) (int64, error) {
	file, err := os.Open(s.Path(hash))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("blob: %s: %w", hash, traceerr.ErrNotFound)
		}
		return 0, traceerr.Unavailable("blob: opening "+hash.String(), err)
	}
	defer file.Close()

	flags, compression, err := readHeader(file)
	if err != nil {
		return 0, corrupt(hash, err)
	}

	var source io.Reader = file
	if flags&flagEncrypted != 0 {
		if len(s.identities) == 0 {
			return 0, fmt.Errorf("blob: %s is encrypted and no identity is configured", hash)
		}
		decrypted, err := age.Decrypt(file, s.identities...)
		if err != nil {
			var noMatch *age.NoIdentityMatchError
			if errors.As(err, &noMatch) {
				return 0, fmt.Errorf("blob: %s: no configured identity can decrypt it: %w", hash, err)
			}
			return 0, corrupt(hash, err)
		}
		source = decrypted
	}

	decoded, release, err := decompressReader(source, compression)
	if err != nil {
		return 0, corrupt(hash, err)
	}
	defer release()

	hasher := NewHasher()
	sink := &trackingWriter{writer: w}
	written, err := io.Copy(io.MultiWriter(hasher, sink), decoded)
	if err != nil {
		if sink.err != nil {
			return written, fmt.Errorf("blob: copying %s: %w", hash, sink.err)
		}
		return written, corrupt(hash, err)
	}

	if actual := hasher.Sum(); actual != hash {
		return written, corrupt(hash, fmt.Errorf("content digest is %s", actual))
	}
	return written, nil
}

// Compression returns the stream encoding recorded in a blob's header.
func (s *Store) Compression(hash Hash) (Compression, error) {
	file, err := os.Open(s.Path(hash))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("blob: %s: %w", hash, traceerr.ErrNotFound)
		}
		return 0, traceerr.Unavailable("blob: opening "+hash.String(), err)
	}
	defer file.Close()

	_, compression, err := readHeader(file)
	if err != nil {
		return 0, corrupt(hash, err)
	}
	return compression, nil
}

func (s *Store) choose(probe []byte, contentType string) Compression {
	if !s.auto {
		return s.fixed
	}
	return SelectCompression(probe, contentType)
}

// existing returns a deduplicated result when the blob is already
// published and intact, or nil when it is not. A published blob that
// fails verification is removed so the caller publishes a fresh copy.
func (s *Store) existing(hash Hash, size int64) (*PutResult, error) {
	exists, err := s.Has(hash)
	if err != nil || !exists {
		return nil, err
	}
	if _, err := s.Copy(hash, io.Discard); errors.Is(err, traceerr.ErrCorruptArtifact) {
		s.logger.Warn("replacing damaged blob", "hash", hash.String(), "error", err)
		if err := os.Remove(s.Path(hash)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, traceerr.Unavailable("blob: removing damaged "+hash.String(), err)
		}
		return nil, nil
	} else if err != nil {
		// Unverifiable here, such as encrypted without an identity.
		s.logger.Debug("blob not verified before dedup", "hash", hash.String(), "error", err)
	}
	compression, err := s.Compression(hash)
	if err != nil {
		return nil, err
	}
	s.deduplicated.Add(1)
	s.logger.Debug("blob already stored", "hash", hash.String(), "size", size)
	return &PutResult{
		Hash:         hash,
		Size:         size,
		Compression:  compression,
		Location:     s.Location(hash),
		Deduplicated: true,
	}, nil
}

// stage writes header and encoded content to a temp file, returning
// its path, the digest of the plaintext, and the plaintext length. The
// temp file is fsynced before stage returns.
func (s *Store) stage(content io.Reader, compression Compression) (tmpPath string, hash Hash, size int64, err error) {
	tmpFile, err := os.CreateTemp(filepath.Join(s.root, tmpDir), "blob-*")
	if err != nil {
		return "", Hash{}, 0, traceerr.Unavailable("blob: creating staging file", err)
	}
	tmpPath = tmpFile.Name()

	success := false
	defer func() {
		if !success {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	header := [headerSize]byte{magic[0], magic[1], magic[2], magic[3], 0, byte(compression)}
	if len(s.recipients) > 0 {
		header[4] |= flagEncrypted
	}
	if _, err := tmpFile.Write(header[:]); err != nil {
		return "", Hash{}, 0, traceerr.Unavailable("blob: writing header", err)
	}

	var sink io.Writer = tmpFile
	var encryptor io.WriteCloser
	if len(s.recipients) > 0 {
		encryptor, err = age.Encrypt(tmpFile, s.recipients...)
		if err != nil {
			return "", Hash{}, 0, fmt.Errorf("blob: starting encryption: %w", err)
		}
		sink = encryptor
	}

	compressor, err := compressWriter(sink, compression)
	if err != nil {
		return "", Hash{}, 0, err
	}

	hasher := NewHasher()
	size, err = io.Copy(io.MultiWriter(hasher, compressor), content)
	if err != nil {
		return "", Hash{}, 0, fmt.Errorf("blob: staging content: %w", err)
	}
	if err := compressor.Close(); err != nil {
		return "", Hash{}, 0, fmt.Errorf("blob: finishing %s stream: %w", compression, err)
	}
	if encryptor != nil {
		if err := encryptor.Close(); err != nil {
			return "", Hash{}, 0, fmt.Errorf("blob: finishing encryption: %w", err)
		}
	}
	if err := tmpFile.Sync(); err != nil {
		return "", Hash{}, 0, traceerr.Unavailable("blob: syncing staging file", err)
	}
	if err := tmpFile.Close(); err != nil {
		return "", Hash{}, 0, traceerr.Unavailable("blob: closing staging file", err)
	}

	success = true
	return tmpPath, hasher.Sum(), size, nil
}

// commit publishes a staged file under its digest. Losing a publish
// race to another writer is a deduplicated put, not an error.
func (s *Store) commit(tmpPath string, hash Hash, size int64, compression Compression) (*PutResult, error) {
	finalPath := s.Path(hash)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		os.Remove(tmpPath)
		return nil, traceerr.Unavailable("blob: creating shard directory", err)
	}

	published, err := publish(tmpPath, finalPath)
	if err != nil {
		os.Remove(tmpPath)
		return nil, traceerr.Unavailable("blob: publishing "+hash.String(), err)
	}
	if !published {
		result, err := s.existing(hash, size)
		if err != nil || result != nil {
			os.Remove(tmpPath)
			return result, err
		}
		// The winner's blob was damaged and has been removed.
		published, err = publish(tmpPath, finalPath)
		if err != nil {
			os.Remove(tmpPath)
			return nil, traceerr.Unavailable("blob: republishing "+hash.String(), err)
		}
		if !published {
			os.Remove(tmpPath)
			return nil, fmt.Errorf("blob: %s: lost a second publish race", hash)
		}
	}

	s.writes.Add(1)
	s.logger.Debug("blob stored",
		"hash", hash.String(),
		"size", size,
		"compression", compression.String(),
	)
	return &PutResult{
		Hash:        hash,
		Size:        size,
		Compression: compression,
		Location:    s.Location(hash),
	}, nil
}

func readHeader(r io.Reader) (flags byte, compression Compression, err error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, 0, fmt.Errorf("reading header: %w", err)
	}
	if !bytes.Equal(header[:4], magic[:]) {
		return 0, 0, fmt.Errorf("bad magic %q", header[:4])
	}
	compression = Compression(header[5])
	if compression > CompressionZstd {
		return 0, 0, fmt.Errorf("unknown compression tag %d", header[5])
	}
	return header[4], compression, nil
}

func corrupt(hash Hash, cause error) error {
	return fmt.Errorf("blob: %s: %w: %v", hash, traceerr.ErrCorruptArtifact, cause)
}

// trackingWriter records the first error from the destination so Copy
// can tell a failing reader (corruption) from a failing writer.
type trackingWriter struct {
	writer io.Writer
	err    error
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	n, err := t.writer.Write(p)
	if err != nil && t.err == nil {
		t.err = err
	}
	return n, err
}
