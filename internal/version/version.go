// Package version tracks build metadata for the application.
package version

import (
	"runtime/debug"
	"sync"
)

// Info describes build metadata for the application.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	Modified  bool   `json:"modified,omitempty"`
}

var (
	info      = Info{Version: "dev"}
	infoMutex sync.RWMutex

	readBuildInfo = debug.ReadBuildInfo
)

// Set updates the version metadata exposed by the application. Fields left
// empty by the linker are filled from the embedded module build info.
func Set(v Info) {
	v = fillFromBuildInfo(v)

	infoMutex.Lock()
	defer infoMutex.Unlock()

	if v.Version == "" {
		v.Version = "dev"
	}
	info = v
}

// Current returns the currently configured build metadata.
func Current() Info {
	infoMutex.RLock()
	defer infoMutex.RUnlock()
	return info
}

// String renders the version the way the CLI prints it.
func (i Info) String() string {
	out := i.Version
	if i.Commit != "" {
		out += " (" + shortCommit(i.Commit)
		if i.Modified {
			out += ", modified"
		}
		out += ")"
	}
	return out
}

func fillFromBuildInfo(v Info) Info {
	bi, ok := readBuildInfo()
	if !ok || bi == nil {
		return v
	}

	if (v.Version == "" || v.Version == "dev") && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		v.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if v.Commit == "" {
				v.Commit = s.Value
			}
		case "vcs.time":
			if v.BuildTime == "" {
				v.BuildTime = s.Value
			}
		case "vcs.modified":
			v.Modified = s.Value == "true"
		}
	}
	return v
}

func shortCommit(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}
