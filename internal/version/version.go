// Package version provides build-time version information.
package version

import (
	"fmt"
	"runtime/debug"
)

// version and commit are set at build time via -ldflags.
var (
	version = "dev" //nolint:gochecknoglobals // ldflags requires package-level var
	commit  = ""    //nolint:gochecknoglobals // ldflags requires package-level var
)

// String returns the current version.
func String() string {
	return version
}

// Commit returns the VCS revision the binary was built from. When it was
// not injected via -ldflags the module build info is consulted.
func Commit() string {
	if commit != "" {
		return commit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}

// Full returns "corebus <version>" with the short commit when known.
func Full() string {
	c := Commit()
	if len(c) > 12 {
		c = c[:12]
	}
	if c == "" {
		return "corebus " + version
	}
	return fmt.Sprintf("corebus %s (%s)", version, c)
}
