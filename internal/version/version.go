// Package version holds build information stamped in by the linker:
//
//	go build -ldflags "-X github.com/shepherd-project/evolver/internal/version.Version=0.2.0"
package version

import (
	"fmt"
	"runtime"
	"strings"
)

// Name is the program name reported by the CLI and /api/info.
const Name = "evolver"

var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// VersionInfo contains complete version information
type VersionInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetVersionInfo returns complete version information
func GetVersionInfo() *VersionInfo {
	return &VersionInfo{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// String returns the version, with the commit when known.
func (v *VersionInfo) String() string {
	if v.GitCommit == "" || v.GitCommit == "unknown" {
		return v.Version
	}
	return fmt.Sprintf("%s (commit: %s)", v.Version, v.GitCommit)
}

// FullString returns one "key: value" line per field.
func (v *VersionInfo) FullString() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", Name, v.Version)
	fmt.Fprintf(&b, "Git Commit: %s\n", v.GitCommit)
	fmt.Fprintf(&b, "Build Date: %s\n", v.BuildDate)
	fmt.Fprintf(&b, "Go Version: %s\n", v.GoVersion)
	fmt.Fprintf(&b, "Platform: %s", v.Platform)
	return b.String()
}

// GetVersion returns the current version string
func GetVersion() string {
	return Version
}

// SetVersion overrides the build information, for builds without ldflags.
func SetVersion(version, commit, date string) {
	Version = version
	GitCommit = commit
	BuildDate = date
}
