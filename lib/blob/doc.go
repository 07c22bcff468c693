// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

// Package blob is the hashing and blob layer of the trace store: it
// computes content digests and keeps each distinct byte sequence on
// disk exactly once.
//
// A blob is addressed by the BLAKE3 keyed hash of its plaintext,
// uncompressed bytes. The on-disk file for a blob is:
//
//	magic "CMB1" | flags (1 byte) | compression tag (1 byte) | stream
//
// where flags bit 0 marks an age-encrypted stream and the stream is the
// (optionally encrypted) compressed content. Files live under
// objects/ab/cd/<hex>, sharded by digest prefix to bound directory
// fan-out.
//
// Writes are staged in tmp/, fsynced, and published with an atomic
// rename that refuses to replace an existing file, so a reader never
// observes a partial blob and two writers racing on the same content
// leave exactly one file. Reads recompute the digest and fail with
// [traceerr.ErrCorruptArtifact] when the stored bytes no longer match
// their address.
package blob
