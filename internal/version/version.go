// Package version reports the build version of the scopedstore binary.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const (
	defaultModule  = "pkt.systems/scopedstore"
	unknownVersion = "v0.0.0-unknown"
)

// buildVersion is set via -ldflags "-X pkt.systems/scopedstore/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running build.
type Info struct {
	Module    string
	Version   string
	Revision  string
	Time      time.Time
	Modified  bool
	GoVersion string
}

// Read collects Info from the linker flag and the embedded build info.
func Read() Info {
	info := Info{Module: defaultModule, Version: unknownVersion}
	bi, ok := debug.ReadBuildInfo()
	if ok {
		if p := strings.TrimSpace(bi.Main.Path); p != "" {
			info.Module = p
		}
		info.GoVersion = bi.GoVersion
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				info.Revision = s.Value
			case "vcs.time":
				if t, err := time.Parse(time.RFC3339, s.Value); err == nil {
					info.Time = t.UTC()
				}
			case "vcs.modified":
				info.Modified = s.Value == "true"
			}
		}
		if v := strings.TrimSpace(bi.Main.Version); v != "" && v != "(devel)" {
			info.Version = v
		} else if v := info.pseudo(); v != "" {
			info.Version = v
		}
	}
	if v := strings.TrimSpace(buildVersion); v != "" {
		info.Version = v
	}
	return info
}

// Current returns the best available version string.
func Current() string { return Read().Version }

// Module returns the module path from build info when available.
func Module() string { return Read().Module }

// pseudo renders a Go pseudo-version from VCS stamps, e.g.
// v0.0.0-20260101120000-abcdef012345+dirty.
func (i Info) pseudo() string {
	if i.Revision == "" || i.Time.IsZero() {
		return ""
	}
	rev := i.Revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	v := "v0.0.0-" + i.Time.Format("20060102150405") + "-" + rev
	if i.Modified {
		v += "+dirty"
	}
	return v
}
