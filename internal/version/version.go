// Package version carries build metadata stamped in with -ldflags.
package version

// Defaults apply to plain `go build`; release builds overwrite all three.
var (
	Version   = "0.0.0-dev"
	Commit    = "none"
	BuildDate = "unknown"
)
