// Package version carries build metadata injected with -ldflags.
package version

import "fmt"

var (
	// Version is the release tag, set with
	// -ldflags "-X github.com/ManuGH/hlsingest/internal/version.Version=v1.2.3".
	Version = "v0.1.0-dev"

	// Commit is the git short hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)

// String renders the version line printed by -version.
func String() string {
	return fmt.Sprintf("hlsingest %s (commit: %s, built: %s)", Version, Commit, Date)
}
