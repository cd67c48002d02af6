package version

import (
	"fmt"
	"runtime/debug"
)

// Set at link time with -ldflags "-X github.com/ongoingai/goldentrace/internal/version.Version=...".
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var readBuildInfo = debug.ReadBuildInfo

func String() string {
	return fmt.Sprintf("%s (%s, %s)", resolvedVersion(), Commit, Date)
}

// resolvedVersion falls back to the module version recorded by `go install`
// when no version was linked in.
func resolvedVersion() string {
	if Version != "dev" {
		return Version
	}
	info, ok := readBuildInfo()
	if !ok || info == nil {
		return Version
	}
	if v := info.Main.Version; v != "" && v != "(devel)" {
		return v
	}
	return Version
}
