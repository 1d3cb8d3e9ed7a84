// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
)

// Set with -ldflags -X. Unset values fall back to the VCS stamp that
// the go command embeds in the binary.
var (
	GitCommit = ""
	GitDirty  = ""
	BuildTime = ""

	// Version is bumped by hand for releases.
	Version = "0.1.0-dev"
)

// readBuildInfo is replaced in tests.
var readBuildInfo = debug.ReadBuildInfo

var stampOnce = sync.OnceValue(func() map[string]string {
	settings := make(map[string]string)
	info, ok := readBuildInfo()
	if !ok {
		return settings
	}
	for _, setting := range info.Settings {
		settings[setting.Key] = setting.Value
	}
	return settings
})

// commit returns the short commit, whether the tree was dirty, and
// the build time.
func commit() (revision string, dirty bool, built string) {
	revision, built = GitCommit, BuildTime
	dirty = GitDirty == "true"

	stamp := stampOnce()
	if revision == "" {
		revision = stamp["vcs.revision"]
		dirty = stamp["vcs.modified"] == "true"
	}
	if built == "" {
		built = stamp["vcs.time"]
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	if revision == "" {
		revision = "unknown"
	}
	if built == "" {
		built = "unknown"
	}
	return revision, dirty, built
}

// Info returns "<version> (<commit>[-dirty], <build time>)".
func Info() string {
	revision, dirty, built := commit()
	if dirty {
		revision += "-dirty"
	}
	return fmt.Sprintf("%s (%s, %s)", Version, revision, built)
}

// Full adds the Go toolchain and platform to Info.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Short returns the version number alone. It is what the server
// reports in its handshake.
func Short() string {
	return Version
}

// Print writes "<binary> <Full()>" to stdout.
func Print(binary string) {
	fprint(os.Stdout, binary)
}

func fprint(w io.Writer, binary string) {
	fmt.Fprintf(w, "%s %s\n", binary, Full())
}
