// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads trace store configuration.
//
// Configuration comes from a single file named by either the
// TRACESTORE_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There is no discovery and no search path. Files
// ending in .json or .jsonc are read as JSON with comments and trailing
// commas allowed; anything else is YAML.
//
// The file may contain development, staging and production sections
// that override base values when [Config].Environment matches.
// Production defaults to JSON logs at info level.
//
// Path fields are expanded after loading: ${HOME}, ${TRACESTORE_ROOT}
// and ${VAR:-default} patterns are replaced. Relative database and
// artifact paths resolve against paths.root.
//
// This package depends on no other packages of this module.
package config
