// Package version derives the build identity reported in logs, the
// dashboard /status payload, and outgoing user-agent strings.
package version

import (
	"path"
	"runtime/debug"
)

// commitOverride is injected via -ldflags for builds without VCS metadata
// (container builds from a source tarball).
var commitOverride string

var appName, commit = identify()

// identify resolves the app name from the module path and the commit from
// VCS stamping, falling back to "squadron" / "dev" under `go test` and
// non-git builds. A locally modified tree is marked with a "+dirty" suffix.
func identify() (name, rev string) {
	name, rev = "squadron", "dev"

	info, ok := debug.ReadBuildInfo()
	if ok && info.Main.Path != "" {
		name = path.Base(info.Main.Path)
	}

	if commitOverride != "" {
		return name, shorten(commitOverride)
	}
	if !ok {
		return name, rev
	}
	dirty := false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if s.Value != "" {
				rev = shorten(s.Value)
			}
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if dirty && rev != "dev" {
		rev += "+dirty"
	}
	return name, rev
}

func shorten(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// AppName is the binary's name as derived from the module path.
func AppName() string { return appName }

// Commit is the short VCS revision the binary was built from.
func Commit() string { return commit }

// Full returns "name/commit" for user-agent strings and startup logs.
func Full() string { return appName + "/" + commit }
