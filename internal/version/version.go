package version

// Build information, set at build time via -ldflags.
var (
	Version = "v0.1.0"
	Commit  = "unknown"
	BuiltAt = "unknown"
)

// Info returns the version string reported by /health.
func Info() string {
	return Version
}

// FullInfo returns complete build information for the startup log line.
func FullInfo() string {
	return "chatd version=" + Version + " commit=" + Commit + " built_at=" + BuiltAt
}
