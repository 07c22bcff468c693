// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for the tracestore binary.
//
// [GitCommit], [GitDirty] and [BuildTime] are injected with -ldflags -X
// and default to "unknown" in development builds and tests. When they
// are not injected, [Info] falls back to the VCS stamp the Go toolchain
// embeds in module builds.
package version
