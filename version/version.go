// Package version reports build information stamped in at link time.
package version

import (
	"fmt"
	"runtime"
)

// Set via -ldflags "-X github.com/teranos/batchpub/version.Version=...".
var (
	Version    = "dev"
	CommitHash = "dev"
	BuildTime  = "unknown"
)

// Info is the build information served by /health and the version command.
type Info struct {
	Version    string `json:"version"`
	CommitHash string `json:"commit_hash"`
	BuildTime  string `json:"build_time"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

// Get returns the current build information.
func Get() Info {
	return Info{
		Version:    Version,
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func (i Info) String() string {
	return fmt.Sprintf("batchpub %s (commit %s, built %s, %s %s)",
		i.Version, i.Short(), i.BuildTime, i.GoVersion, i.Platform)
}

// Short returns the abbreviated commit hash.
func (i Info) Short() string {
	if len(i.CommitHash) >= 7 {
		return i.CommitHash[:7]
	}
	return i.CommitHash
}

// UserAgent identifies this build in outgoing connections.
func UserAgent() string {
	return "batchpub/" + Version
}
