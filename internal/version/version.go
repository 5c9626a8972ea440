// Package version identifies an iothing build to users and to devices.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// Release builds stamp these with -ldflags "-X <pkg>.Version=v1.2.3 -X <pkg>.Commit=abc1234".
// Anything left empty is filled from the module build info at startup.
var (
	Version = ""
	Commit  = ""
)

const (
	develVersion  = "devel"
	unknownCommit = "unknown"
	shortCommit   = 7
)

// Info describes the running binary.
type Info struct {
	Version   string
	Commit    string
	Modified  bool
	BuildTime time.Time
	GoVersion string
	Platform  string
}

var current Info

func init() {
	info, _ := debug.ReadBuildInfo()
	current = resolve(Version, Commit, info)
	Version, Commit = current.Version, current.Commit
}

// resolve merges stamped values with what the toolchain recorded. Stamped
// values win. A `go install module@vX` build carries its module version.
func resolve(version, commit string, info *debug.BuildInfo) Info {
	out := Info{
		Version:   version,
		Commit:    commit,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}

	if info != nil {
		if out.Version == "" && info.Main.Version != "" && info.Main.Version != "(devel)" {
			out.Version = info.Main.Version
		}
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if out.Commit == "" {
					out.Commit = s.Value
				}
			case "vcs.modified":
				out.Modified = s.Value == "true"
			case "vcs.time":
				if t, err := time.Parse(time.RFC3339, s.Value); err == nil {
					out.BuildTime = t
				}
			}
		}
	}

	if len(out.Commit) > shortCommit {
		out.Commit = out.Commit[:shortCommit]
	}
	if out.Version == "" {
		out.Version = develVersion
		if !out.BuildTime.IsZero() {
			out.Version += "-" + out.BuildTime.UTC().Format("20060102")
		}
	}
	if out.Commit == "" {
		out.Commit = unknownCommit
	}
	return out
}

// Get returns the build description of the running binary.
func Get() Info {
	return current
}

// String renders the line printed by `iothing version`.
func (i Info) String() string {
	commit := i.Commit
	if i.Modified {
		commit += "-dirty"
	}
	return fmt.Sprintf("iothing %s (commit: %s, %s %s)", i.Version, commit, i.GoVersion, i.Platform)
}

// UserAgent is sent to devices with every provisioning request, e.g.
// "iothing/v1.2.3 (linux/arm64)".
func UserAgent() string {
	return fmt.Sprintf("iothing/%s (%s)", current.Version, current.Platform)
}
