// Package buildinfo reports the presenced build, stamped at compile time
// via -ldflags "-X github.com/nugget/presence-node/internal/buildinfo.Version=...".
package buildinfo

import (
	"fmt"
	"log/slog"
	"runtime"
)

// Stamped at build time. Unstamped builds report "dev".
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	GitBranch string `json:"git_branch"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Current returns the stamped build of this binary.
func Current() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		GitBranch: GitBranch,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// String is the one-line form printed by "presenced version".
func (i Info) String() string {
	return fmt.Sprintf("presenced %s (%s@%s) built %s", i.Version, i.GitCommit, i.GitBranch, i.BuildTime)
}

// LogValue groups the build under one key in the startup record.
func (i Info) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("version", i.Version),
		slog.String("commit", i.GitCommit),
		slog.String("branch", i.GitBranch),
		slog.String("built", i.BuildTime),
	)
}

// SWVersion is the firmware version advertised in the Home Assistant
// device registry. Development builds carry the commit so two units on
// different snapshots can be told apart.
func SWVersion() string {
	if Version == "dev" && GitCommit != "unknown" {
		return "dev+" + GitCommit
	}
	return Version
}
