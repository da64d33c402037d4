// Package version reports build metadata. Release builds set the variables
// through -ldflags; local builds fall back to the VCS stamp of the binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

const unknown = "unknown"

var (
	// Version is the release tag, set via ldflags during build.
	Version = "dev"
	// GitCommit is the git commit hash, set via ldflags during build.
	GitCommit = unknown
	// BuildDate is the build timestamp, set via ldflags during build.
	BuildDate = unknown
)

// Info contains version and build metadata.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

var vcsOnce = sync.OnceValue(func() map[string]string {
	settings := make(map[string]string)
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			settings[s.Key] = s.Value
		}
	}
	return settings
})

// Get returns version and build information.
func Get() Info {
	return fromSettings(vcsOnce())
}

func fromSettings(vcs map[string]string) Info {
	info := Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
	if info.GitCommit == unknown && vcs["vcs.revision"] != "" {
		info.GitCommit = vcs["vcs.revision"]
	}
	if info.BuildDate == unknown && vcs["vcs.time"] != "" {
		info.BuildDate = vcs["vcs.time"]
	}
	info.Modified = vcs["vcs.modified"] == "true"
	return info
}

// String renders a one-line version for --version and logs.
func String() string {
	info := Get()
	commit := info.GitCommit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if info.Modified {
		commit += "-dirty"
	}
	return fmt.Sprintf("mirrornode %s (%s, %s)", info.Version, commit, info.Platform)
}
