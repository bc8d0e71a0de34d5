// Package appversion provides build-time version information.
package appversion

import "runtime/debug"

// version is set at build time via -ldflags.
var version = "" //nolint:gochecknoglobals // ldflags requires package-level var

// String returns the release version when one was stamped at build
// time, otherwise the VCS revision embedded by the Go toolchain, and
// "dev" as a last resort for plain source builds.
func String() string {
	if version != "" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && len(s.Value) >= 12 {
				return s.Value[:12]
			}
		}
	}
	return "dev"
}
