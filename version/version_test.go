package version

import (
	"runtime"
	"strings"
	"testing"
)

func setBuild(t *testing.T, v, commit, built string) {
	t.Helper()
	origVersion, origCommit, origBuildTime := Version, GitCommit, BuildTime
	t.Cleanup(func() {
		Version, GitCommit, BuildTime = origVersion, origCommit, origBuildTime
	})
	Version, GitCommit, BuildTime = v, commit, built
}

func TestVersion_Default(t *testing.T) {
	// Version may be set by ldflags in CI, so just check it's not empty
	if Version == "" {
		t.Error("Version should not be empty")
	}
}

func TestFull(t *testing.T) {
	tests := []struct {
		name   string
		commit string
		built  string
		want   string
	}{
		{"version only", "", "", "1.0.0"},
		{"with commit", "abc1234", "", "1.0.0-abc1234"},
		{"with build time", "", "2026-01-29T12:00:00Z", "1.0.0 (2026-01-29T12:00:00Z)"},
		{"complete", "abc1234", "2026-01-29T12:00:00Z", "1.0.0-abc1234 (2026-01-29T12:00:00Z)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBuild(t, "1.0.0", tt.commit, tt.built)
			if got := Full(); got != tt.want {
				t.Errorf("Full() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGet(t *testing.T) {
	setBuild(t, "2.1.0", "deadbeef", "2026-10-19T00:00:00Z")

	info := Get()
	if info.Version != "2.1.0" || info.Commit != "deadbeef" || info.BuildTime != "2026-10-19T00:00:00Z" {
		t.Errorf("Get() = %+v", info)
	}
	if info.GoVersion != runtime.Version() {
		t.Errorf("GoVersion = %q", info.GoVersion)
	}
	if !strings.Contains(info.Platform, "/") {
		t.Errorf("Platform = %q", info.Platform)
	}
}

func TestGet_CommitFallback(t *testing.T) {
	setBuild(t, "dev", "", "")

	// Test binaries may or may not carry a VCS stamp; either way the
	// fallback must be a short revision.
	if c := Get().Commit; len(c) > 12 {
		t.Errorf("Commit = %q, want at most 12 characters", c)
	}
}
