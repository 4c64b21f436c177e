// Package buildinfo reports the version of the running binary. Release
// builds stamp the variables with -ldflags; development builds fall
// back to the VCS metadata the Go toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Set with -ldflags "-X github.com/nugget/thane-runtime/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

var vcsOnce sync.Once

// fillFromVCS replaces unstamped commit and build time with the
// toolchain's vcs.revision and vcs.time settings when present.
func fillFromVCS() {
	vcsOnce.Do(func() {
		bi, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		for _, s := range bi.Settings {
			switch {
			case s.Key == "vcs.revision" && GitCommit == "unknown" && len(s.Value) >= 7:
				GitCommit = s.Value[:7]
			case s.Key == "vcs.time" && BuildTime == "unknown":
				BuildTime = s.Value
			}
		}
	})
}

// Info returns build and runtime details keyed for JSON output.
func Info() map[string]string {
	fillFromVCS()
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime is the time since process start, to the second.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent is sent on outbound HTTP requests and as clientInfo to
// tool servers.
func UserAgent() string {
	return "thane-runtime/" + Version
}

// String is the one-line form used in logs and `version` output.
func String() string {
	fillFromVCS()
	return fmt.Sprintf("thane-runtime %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
