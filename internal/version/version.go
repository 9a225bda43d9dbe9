// Package version provides build-time version information for vidrelay.
//
// Version, Commit, and Date are injected at build time via ldflags:
//
//	go build -ldflags "-X github.com/jmylchreest/vidrelay/internal/version.Version=x.y.z \
//	                   -X github.com/jmylchreest/vidrelay/internal/version.Commit=$(git rev-parse HEAD) \
//	                   -X github.com/jmylchreest/vidrelay/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
//
// When ldflags are absent, Commit and Date fall back to the VCS stamp the
// Go toolchain embeds in the binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// ApplicationName is the canonical name of this application.
const ApplicationName = "vidrelay"

// Info contains structured version information.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

var (
	vcsOnce     sync.Once
	vcsRevision string
	vcsTime     string
	vcsModified bool
)

func readVCS() {
	vcsOnce.Do(func() {
		bi, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				vcsRevision = s.Value
			case "vcs.time":
				vcsTime = s.Value
			case "vcs.modified":
				vcsModified = s.Value == "true"
			}
		}
	})
}

// GetInfo returns all version information as a structured type.
func GetInfo() Info {
	readVCS()
	info := Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if info.Commit == "unknown" && vcsRevision != "" {
		info.Commit = vcsRevision
		info.Modified = vcsModified
	}
	if info.Date == "unknown" && vcsTime != "" {
		info.Date = vcsTime
	}
	return info
}

// ShortCommit returns the first 8 characters of the commit, or "" when unknown.
func (i Info) ShortCommit() string {
	if i.Commit == "unknown" || len(i.Commit) < 8 {
		return ""
	}
	return i.Commit[:8]
}

// String returns a human-readable version string.
func String() string {
	info := GetInfo()
	if c := info.ShortCommit(); c != "" {
		return fmt.Sprintf("%s version %s (commit: %s, built: %s, %s, %s)",
			ApplicationName, info.Version, c, info.Date, info.GoVersion, info.Platform)
	}
	return fmt.Sprintf("%s version %s (%s, %s)", ApplicationName, info.Version, info.GoVersion, info.Platform)
}

// Short returns the version with an abbreviated commit, for --version output.
func Short() string {
	if c := GetInfo().ShortCommit(); c != "" {
		return fmt.Sprintf("%s (%s)", Version, c)
	}
	return Version
}

// UserAgent returns the User-Agent sent to origins.
func UserAgent() string {
	return fmt.Sprintf("%s/%s (+%s)", ApplicationName, Version, runtime.GOOS)
}

// IsDevelopment reports whether the binary was built without a release version.
func IsDevelopment() bool {
	return Version == "dev"
}
