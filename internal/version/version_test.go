package version

import (
	"runtime/debug"
	"testing"
)

func TestGet_VCSDirtyFromVariable(t *testing.T) {
	defer func(old *bool) { VCSDirty = old }(VCSDirty)

	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			if s.Key == "vcs.modified" {
				t.Skip("binary carries vcs stamps")
			}
		}
	}

	dirty := true
	VCSDirty = &dirty
	info := Get()
	if info.VCSDirty == nil || !*info.VCSDirty {
		t.Fatalf("VCSDirty = %v, want true", info.VCSDirty)
	}
}

func TestApplyBuildInfo(t *testing.T) {
	bi := &debug.BuildInfo{
		GoVersion: "go1.24.11",
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
			{Key: "vcs.modified", Value: "false"},
		},
	}
	out := Info{Version: "1.0.0", Commit: "none"}
	applyBuildInfo(&out, bi)

	if out.Commit != "0123456789abcdef" {
		t.Errorf("Commit = %q", out.Commit)
	}
	if out.BuildDate != "2026-01-02T03:04:05Z" || out.CommitDate != out.BuildDate {
		t.Errorf("dates = %q %q", out.BuildDate, out.CommitDate)
	}
	if out.VCSDirty == nil || *out.VCSDirty {
		t.Errorf("VCSDirty = %v, want false", out.VCSDirty)
	}
	if out.GoVersion != "go1.24.11" {
		t.Errorf("GoVersion = %q", out.GoVersion)
	}

	pinned := Info{Commit: "ldflags"}
	applyBuildInfo(&pinned, bi)
	if pinned.Commit != "ldflags" {
		t.Errorf("ldflags commit should win, got %q", pinned.Commit)
	}
}

func TestInfoString(t *testing.T) {
	dirty := true
	tests := []struct {
		info Info
		want string
	}{
		{Info{Version: "1.2.3", Commit: "abc"}, "1.2.3 (abc)"},
		{Info{Version: "1.2.3", Commit: "abc", VCSDirty: &dirty, GoVersion: "go1.24"}, "1.2.3 (abc-dirty) go1.24"},
	}
	for _, tt := range tests {
		if got := tt.info.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
