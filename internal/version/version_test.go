package version

import (
	"runtime/debug"
	"strings"
	"testing"
	"time"
)

func TestFull(t *testing.T) {
	if Version == "" || Commit == "" {
		t.Fatalf("Version = %q, Commit = %q, both should be populated", Version, Commit)
	}
	full := Full()
	if !strings.Contains(full, Version) || !strings.Contains(full, "protocol 1.1") {
		t.Errorf("Full() = %q", full)
	}
}

func TestResolve(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	vcs := func(main string, kv ...string) *debug.BuildInfo {
		info := &debug.BuildInfo{Main: debug.Module{Version: main}}
		for i := 0; i+1 < len(kv); i += 2 {
			info.Settings = append(info.Settings, debug.BuildSetting{Key: kv[i], Value: kv[i+1]})
		}
		return info
	}

	tests := []struct {
		name        string
		version     string
		commit      string
		info        *debug.BuildInfo
		wantVersion string
		wantCommit  string
	}{
		{"linker stamped", "v0.3.0", "1a2b3c4", vcs("v9.9.9", "vcs.revision", "ffffffffff"), "v0.3.0", "1a2b3c4"},
		{"no build info", "", "", nil, "dev-20260304-050607", "unknown"},
		{"module version", "", "", vcs("v1.2.0"), "v1.2.0", "unknown"},
		{
			"vcs stamped", "", "",
			vcs("(devel)", "vcs.revision", "0123456789abcdef", "vcs.time", "2026-01-02T03:04:05Z", "vcs.modified", "false"),
			"dev-20260102", "0123456",
		},
		{
			"dirty tree", "", "",
			vcs("(devel)", "vcs.revision", "abc", "vcs.modified", "true"),
			"dev-20260304-050607", "abc-dirty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, c := resolve(tt.version, tt.commit, tt.info, now)
			if v != tt.wantVersion || c != tt.wantCommit {
				t.Errorf("resolve() = %q, %q, want %q, %q", v, c, tt.wantVersion, tt.wantCommit)
			}
		})
	}
}
