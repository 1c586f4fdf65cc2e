package version

// Build metadata injected via -ldflags at release time; the defaults apply
// to plain local builds.
var (
	// BuildNumber is a monotonically increasing string set by the release
	// pipeline.
	BuildNumber = "0"
	// GitCommit is the short commit hash when available.
	GitCommit = "unknown"
)

// String returns a concise version string for logs and the CLI.
func String() string {
	if GitCommit == "unknown" || GitCommit == "" {
		return "build " + BuildNumber
	}
	return "build " + BuildNumber + " (" + GitCommit + ")"
}
