// Package version exposes build metadata stamped in via -ldflags.
package version

import "fmt"

// Set at build time:
//
//	go build -ldflags "-X .../internal/version.Version=v0.3.0 -X .../internal/version.Commit=abc1234"
var (
	Version = "dev"
	Commit  = "unknown"
)

// Info returns the full human-readable version string.
func Info() string {
	return fmt.Sprintf("argos %s (%s)", Version, Commit)
}

// Short returns just the version number.
func Short() string {
	return Version
}
