// Package version provides build-time version information for dbpool.
//
// Values are set at build time using ldflags:
//
//	go build -ldflags "-X github.com/go-i2p/dbpool/version.Version=1.0.0 \
//	  -X github.com/go-i2p/dbpool/version.GitCommit=$(git rev-parse --short HEAD) \
//	  -X github.com/go-i2p/dbpool/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
//
// For development builds, the default "dev" version is used and the commit
// is taken from the module's embedded VCS stamp when present.
package version

import (
	"runtime"
	"runtime/debug"
)

// Version is the software version.
var Version = "dev"

// GitCommit is the git commit hash.
var GitCommit = ""

// BuildTime is when the binary was built.
var BuildTime = ""

// Full returns the full version string including commit and build time if available.
func Full() string {
	v := Version
	if GitCommit != "" {
		v += "-" + GitCommit
	}
	if BuildTime != "" {
		v += " (" + BuildTime + ")"
	}
	return v
}

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get returns build information, filling the commit from the embedded
// VCS stamp when GitCommit was not set.
func Get() Info {
	info := Info{
		Version:   Version,
		Commit:    GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if info.Commit == "" {
		info.Commit = vcsRevision()
	}
	return info
}

func vcsRevision() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" {
			if len(s.Value) > 12 {
				return s.Value[:12]
			}
			return s.Value
		}
	}
	return ""
}
