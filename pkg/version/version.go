// Package version holds build information, set at link time with
// -ldflags "-X github.com/m-lab/speedcheck/pkg/version.Version=...".
package version

var (
	// Version is the release version.
	Version = "v0.1.0"
	// GitShortCommit is the short hash of the commit this binary was built from.
	GitShortCommit = "unknown"
)
