// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the trace store's CBOR encoding configuration.
//
// Everything the store persists in structured form goes through this
// package: event payloads, artifact and checkpoint metadata, and the
// checkpoint records themselves. The encoder uses Core Deterministic
// Encoding (RFC 8949 §4.2), so the same logical value always encodes
// to the same bytes. That property matters twice over here: payload
// size limits are enforced on encoded length, and identical attribute
// values must never look different on disk.
//
//	data, err := codec.Marshal(payload)
//	err = codec.Unmarshal(data, &payload)
//
// Struct types use json tags; fxamacker/cbor falls back to json tags
// when cbor tags are absent, so the same types serve the CLI's --json
// output and the on-disk encoding.
package codec
