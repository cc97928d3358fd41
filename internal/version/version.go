// Package version carries build metadata stamped in with -ldflags.
package version

import (
	"fmt"
	"runtime/debug"
)

var (
	// Version is the release tag
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String formats the metadata for a -version flag. A build without
// ldflags falls back to the VCS stamp the Go toolchain embeds.
func String(program string) string {
	sha, built := GitSHA, BuildTime
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			switch {
			case s.Key == "vcs.revision" && sha == "unknown":
				sha = shortSHA(s.Value)
			case s.Key == "vcs.time" && built == "unknown":
				built = s.Value
			}
		}
	}
	return fmt.Sprintf("%s %s (%s, built %s)", program, Version, sha, built)
}

func shortSHA(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
