// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

// Package artifact persists the raw inputs and outputs of agent work
// (prompts, responses, tool output, screenshots, serialized state) as
// immutable content-addressed artifacts.
//
// The bytes live in a [blob.Store]; this package adds the metadata row
// in the trace database: type, content type, size, storage location,
// compression and creation time, plus caller metadata. The row is
// inserted with INSERT OR IGNORE inside an IMMEDIATE transaction, so
// the first writer of a digest fixes its metadata and later writers of
// identical content get that row back unchanged.
//
// A pre-store hook lets a policy layer rewrite content (for example to
// redact secrets) before it is hashed. The digest, and therefore the
// artifact's identity, is always that of the transformed bytes.
//
// Reads verify the digest. A mismatch, or a metadata row whose blob is
// gone, is logged at error level with event=corrupt_artifact and
// returned as [traceerr.ErrCorruptArtifact].
package artifact
