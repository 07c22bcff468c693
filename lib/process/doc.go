// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers. It centralizes
// the raw I/O that happens before the structured logger exists or
// after an unrecoverable error in main():
//
//   - [Fatal] reports an error on stderr and exits.
//   - [NewLogger] builds the process-wide slog logger from the
//     configured level and format.
package process
