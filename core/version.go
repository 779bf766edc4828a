package core

import (
	"fmt"
	"runtime"
	"strings"
)

// Build metadata, injected with:
//
//	go build -ldflags "-X llamacore/core.Version=$(git describe --tags --always) \
//	  -X llamacore/core.GitCommit=$(git rev-parse --short HEAD) \
//	  -X llamacore/core.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" .
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// GetVersionInfo returns "v1.0.0 (built 2024-01-15T10:30:00Z, commit abc1234, go1.24 linux/amd64)".
func GetVersionInfo() string {
	return fmt.Sprintf("%s (built %s, commit %s, %s %s/%s)",
		Version, BuildTime, GitCommit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// BuildLdflags returns the -ldflags value that injects the given metadata.
// Empty values are skipped.
func BuildLdflags(version, buildTime, gitCommit string) string {
	var flags []string
	add := func(name, value string) {
		if value != "" {
			flags = append(flags, "-X llamacore/core."+name+"="+value)
		}
	}
	add("Version", version)
	add("BuildTime", buildTime)
	add("GitCommit", gitCommit)
	return strings.Join(flags, " ")
}
