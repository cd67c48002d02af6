package version

import (
	"runtime/debug"
	"testing"
)

// Tests in this file swap package globals and must not run in parallel.

func TestStringUsesBuildInfoWhenUnlinked(t *testing.T) {
	restore := readBuildInfo
	t.Cleanup(func() { readBuildInfo = restore })

	tests := []struct {
		name string
		info *debug.BuildInfo
		ok   bool
		want string
	}{
		{name: "module version", info: &debug.BuildInfo{Main: debug.Module{Version: "v0.4.1"}}, ok: true, want: "v0.4.1 (none, unknown)"},
		{name: "devel build", info: &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}}, ok: true, want: "dev (none, unknown)"},
		{name: "no build info", ok: false, want: "dev (none, unknown)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			readBuildInfo = func() (*debug.BuildInfo, bool) { return tt.info, tt.ok }
			if got := String(); got != tt.want {
				t.Fatalf("String()=%q, want %q", got, tt.want)
			}
		})
	}
}

func TestStringPrefersLinkedVersion(t *testing.T) {
	restoreVersion, restoreCommit := Version, Commit
	t.Cleanup(func() { Version, Commit = restoreVersion, restoreCommit })

	Version, Commit = "v1.2.3", "abc123"
	if got := String(); got != "v1.2.3 (abc123, unknown)" {
		t.Fatalf("String()=%q, want linked version", got)
	}
}
