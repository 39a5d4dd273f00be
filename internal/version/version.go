// Package version reports build metadata set through -ldflags, falling
// back to the VCS stamps the go toolchain embeds.
package version

import "runtime/debug"

// Set with -ldflags "-X github.com/keithlinneman/instancehub/internal/version.Version=..."
var (
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildId    string
	GoVersion  string
	VCSDirty   *bool
)

type Info struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date"`
	BuildDate  string `json:"build_date"`
	BuildId    string `json:"build_id"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

func (i Info) BuildVersion() string { return i.Version }
func (i Info) BuildCommit() string  { return i.Commit }

// String is the one-line form printed by -V.
func (i Info) String() string {
	s := i.Version + " (" + i.Commit
	if i.VCSDirty != nil && *i.VCSDirty {
		s += "-dirty"
	}
	s += ")"
	if i.GoVersion != "" {
		s += " " + i.GoVersion
	}
	return s
}

func Get() Info {
	out := Info{
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildId:    BuildId,
		GoVersion:  GoVersion,
		VCSDirty:   VCSDirty,
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	applyBuildInfo(&out, bi)
	return out
}

func applyBuildInfo(out *Info, bi *debug.BuildInfo) {
	out.GoVersion = bi.GoVersion
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if out.Commit == "none" && s.Value != "" {
				out.Commit = s.Value
			}
		case "vcs.time":
			if out.BuildDate == "" {
				out.BuildDate = s.Value
			}
			out.CommitDate = s.Value
		case "vcs.modified":
			switch s.Value {
			case "true":
				t := true
				out.VCSDirty = &t
			case "false":
				f := false
				out.VCSDirty = &f
			}
		}
	}
}
