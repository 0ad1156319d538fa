package version

import "fmt"

var (
	// Version of the ts3-updater build, set with -ldflags "-X ...".
	Version = "0.1.0"
	// Commit is the short git SHA, or "none" for local builds.
	Commit = "none"
	// BuildTime is the UTC build timestamp.
	BuildTime = "unknown"
)

// Short returns only the version number.
func Short() string {
	return Version
}

// Full returns the version with commit and build time.
func Full() string {
	return fmt.Sprintf("ts3-updater %s (commit %s, built %s)", Version, Commit, BuildTime)
}
