// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli provides the command-line framework for the tracestore
// CLI.
//
// The central type is [Command], a named command with optional nested
// [Command.Subcommands], a [pflag.FlagSet] factory and a Run function.
// [Command.Execute] parses flags, routes subcommands and prints
// structured help. An unknown subcommand or flag gets a suggestion
// when an existing name is within edit distance 3.
//
// Output helpers: [JSONOutput] adds a --json flag and [Styles] renders
// human output, coloured only when the writer is a terminal.
package cli
