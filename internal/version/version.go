// Package version reports the squad release and the VCS revision it was built from.
package version

import (
	_ "embed"
	"runtime/debug"
	"strings"
)

//go:embed VERSION
var versionContent string

// Get returns the release version from the embedded VERSION file.
func Get() string {
	return strings.TrimSpace(versionContent)
}

// Revision returns the short VCS revision recorded by the Go toolchain,
// suffixed with "-dirty" for modified trees, or "" when unavailable.
func Revision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	var rev string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if rev != "" && dirty {
		rev += "-dirty"
	}
	return rev
}

// String joins the release and revision for display.
func String() string {
	if rev := Revision(); rev != "" {
		return Get() + " (" + rev + ")"
	}
	return Get()
}
