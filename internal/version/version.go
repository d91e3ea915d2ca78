package version

import "fmt"

// Set at build time with -ldflags "-X github.com/banshee-data/serialbridge/internal/version.Version=...".
var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String formats the build information for -version output and the debug page.
func String() string {
	return fmt.Sprintf("serialbridge %s (%s, built %s)", Version, GitSHA, BuildTime)
}
