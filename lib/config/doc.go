// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for hashserv.
//
// Configuration comes from a single file named by the --config flag
// or the HASHSERV_CONFIG environment variable. [Resolve] applies that
// precedence and falls back to [Default] when neither is set. There is
// no automatic file search, and environment variables never override
// individual values.
//
// Variable expansion is performed on path-like fields after loading:
// ${HOME}, ${STATE_DIRECTORY}, and ${VAR:-default} patterns are
// expanded.
//
// This package depends on no other hashserv packages.
package config
