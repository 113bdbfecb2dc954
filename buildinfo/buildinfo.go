package buildinfo

import (
	"runtime/debug"
)

const modulePath = "github.com/coder/airouter"

var version string

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	// Built as the main module (cmd/airouter) or embedded as a library.
	if info.Main.Path == modulePath && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
	for _, dep := range info.Deps {
		if dep.Path == modulePath {
			version = dep.Version
		}
	}
}

func Version() string {
	if version == "" {
		return "unknown"
	}
	return version
}

// UserAgent is sent upstream when the client did not send its own.
func UserAgent() string {
	return "airouter/" + Version()
}
