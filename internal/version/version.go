// Package version exposes build metadata stamped in via -ldflags.
package version

var (
	// Version is the semantic version of the mandiwatcher binary.
	Version = "dev"
	// Commit is the git commit hash the binary was built from.
	Commit = "unknown"
	// BuildDate is the UTC build timestamp.
	BuildDate = "unknown"
)
