package version

import (
	"strings"
	"testing"
)

func TestFromSettings(t *testing.T) {
	tests := []struct {
		name       string
		commit     string
		vcs        map[string]string
		wantCommit string
		wantDate   string
		wantDirty  bool
	}{
		{"no vcs stamp", unknown, nil, unknown, unknown, false},
		{"vcs fallback", unknown, map[string]string{"vcs.revision": "abc123", "vcs.time": "2026-10-01T00:00:00Z", "vcs.modified": "true"}, "abc123", "2026-10-01T00:00:00Z", true},
		{"ldflags win", "deadbeef", map[string]string{"vcs.revision": "abc123"}, "deadbeef", unknown, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			saved := GitCommit
			GitCommit = tt.commit
			defer func() { GitCommit = saved }()

			info := fromSettings(tt.vcs)
			if info.GitCommit != tt.wantCommit || info.BuildDate != tt.wantDate || info.Modified != tt.wantDirty {
				t.Errorf("got %+v", info)
			}
		})
	}
}

func TestString(t *testing.T) {
	if s := String(); !strings.HasPrefix(s, "mirrornode "+Version) {
		t.Errorf("String() = %q", s)
	}
}
