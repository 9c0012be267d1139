// Package version carries build information set through -ldflags:
//
//	-X github.com/tokligence/tokligence-chatstream/internal/version.Version=v0.1.0
package version

import "runtime"

var (
	// Version is the semantic version of chatstream.
	Version = "v0.1.0-dev"

	// Commit is the git commit hash.
	Commit = "unknown"

	// BuiltAt is the build timestamp.
	BuiltAt = "unknown"
)

// Info returns the version alone.
func Info() string {
	return Version
}

// FullInfo returns complete build information.
func FullInfo() string {
	return "version=" + Version + " commit=" + Commit + " built_at=" + BuiltAt + " go=" + runtime.Version()
}
