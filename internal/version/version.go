package version

import (
	"fmt"
	"runtime/debug"
	"time"
)

// Build identity. Release builds stamp both through the linker:
//
//	go build -ldflags="-X github.com/muurk/headunit/internal/version.Version=v0.3.0 \
//	                   -X github.com/muurk/headunit/internal/version.Commit=1a2b3c4"
//
// Anything left empty is filled in from the module and VCS build info.
var (
	Version = ""
	Commit  = ""
)

// ProtocolMajor and ProtocolMinor are the link protocol version this build
// speaks in its version request on the control channel.
const (
	ProtocolMajor = 1
	ProtocolMinor = 1
)

func init() {
	info, _ := debug.ReadBuildInfo()
	Version, Commit = resolve(Version, Commit, info, time.Now())
}

// resolve completes a partially stamped identity. Precedence for the
// version: linker value, module version from `go install pkg@vX`, then a
// dev tag dated by the commit time or by now. The commit is the short VCS
// revision, suffixed -dirty for modified trees, or "unknown".
func resolve(version, commit string, info *debug.BuildInfo, now time.Time) (string, string) {
	vcs := make(map[string]string)
	if info != nil {
		for _, s := range info.Settings {
			vcs[s.Key] = s.Value
		}
	}

	if commit == "" {
		commit = "unknown"
		if rev := vcs["vcs.revision"]; rev != "" {
			commit = rev[:min(len(rev), 7)]
			if vcs["vcs.modified"] == "true" {
				commit += "-dirty"
			}
		}
	}

	if version == "" && info != nil && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
	if version == "" {
		stamp := now.Format("20060102-150405")
		if t, err := time.Parse(time.RFC3339, vcs["vcs.time"]); err == nil {
			stamp = t.Format("20060102")
		}
		version = "dev-" + stamp
	}
	return version, commit
}

// Full returns the version with commit and protocol, as printed by the
// version commands.
func Full() string {
	return fmt.Sprintf("%s (commit: %s, protocol %d.%d)", Version, Commit, ProtocolMajor, ProtocolMinor)
}
