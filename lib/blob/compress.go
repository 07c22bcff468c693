// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

package blob

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the stream encoding of a blob file. Values
// are written into blob headers; changing them breaks existing files.
type Compression uint8

const (
	// CompressionNone stores content as-is. Used for already
	// compressed media and data that does not shrink.
	CompressionNone Compression = 0

	// CompressionLZ4 is an LZ4 frame stream. Fast; chosen for mildly
	// compressible binary data.
	CompressionLZ4 Compression = 1

	// CompressionZstd is a zstd stream at the default level. Chosen
	// for text-like content such as prompts, responses and JSON state.
	CompressionZstd Compression = 2
)

// String returns the name stored in the artifacts table.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a compression name.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("blob: unknown compression %q", name)
	}
}

// probeSize is how much leading content SelectCompression examines.
const probeSize = 64 * 1024

// probeEncoder is shared by all probes. zstd.Encoder is safe for
// concurrent EncodeAll calls.
var probeEncoder *zstd.Encoder

func init() {
	var err error
	probeEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic("blob: zstd probe encoder initialization failed: " + err.Error())
	}
}

// SelectCompression picks a stream encoding from the content type and
// a prefix of the content. Known text types go straight to zstd and
// known compressed media straight to none. Otherwise the prefix is
// compressed with zstd: a ratio of at least 1.5 selects zstd, at least
// 1.1 selects LZ4, and anything less stores the content uncompressed.
func SelectCompression(probe []byte, contentType string) Compression {
	mediaType, _, _ := strings.Cut(contentType, ";")
	mediaType = strings.TrimSpace(strings.ToLower(mediaType))

	switch {
	case strings.HasPrefix(mediaType, "text/"),
		mediaType == "application/json",
		mediaType == "application/x-ndjson",
		mediaType == "application/cbor",
		mediaType == "application/xml",
		mediaType == "application/yaml",
		mediaType == "application/x-diff":
		return CompressionZstd
	case strings.HasPrefix(mediaType, "image/"),
		strings.HasPrefix(mediaType, "video/"),
		strings.HasPrefix(mediaType, "audio/"),
		mediaType == "application/zip",
		mediaType == "application/gzip",
		mediaType == "application/zstd":
		return CompressionNone
	}

	if len(probe) == 0 {
		return CompressionNone
	}
	if len(probe) > probeSize {
		probe = probe[:probeSize]
	}

	compressed := probeEncoder.EncodeAll(probe, nil)
	ratio := float64(len(probe)) / float64(len(compressed))
	switch {
	case ratio >= 1.5:
		return CompressionZstd
	case ratio >= 1.1:
		return CompressionLZ4
	default:
		return CompressionNone
	}
}

// compressWriter wraps w so that writes are encoded with c. The
// returned writer must be closed to flush the final frame; closing it
// does not close w.
func compressWriter(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case CompressionNone:
		return nopWriteCloser{w}, nil
	case CompressionLZ4:
		return lz4.NewWriter(w), nil
	case CompressionZstd:
		encoder, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("blob: creating zstd encoder: %w", err)
		}
		return encoder, nil
	default:
		return nil, fmt.Errorf("blob: unsupported compression %s", c)
	}
}

// decompressReader wraps r so that reads decode c. The returned closer
// releases decoder resources; it does not close r.
func decompressReader(r io.Reader, c Compression) (io.Reader, func(), error) {
	switch c {
	case CompressionNone:
		return r, func() {}, nil
	case CompressionLZ4:
		return lz4.NewReader(r), func() {}, nil
	case CompressionZstd:
		decoder, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("blob: creating zstd decoder: %w", err)
		}
		return decoder, decoder.Close, nil
	default:
		return nil, nil, fmt.Errorf("blob: unsupported compression %s", c)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
