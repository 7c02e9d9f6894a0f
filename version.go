package main

import (
	"runtime/debug"
	"strings"
)

// Set at build time:
//
//	go build -ldflags "-X main.buildVersion=v1.2.3 -X main.buildCommit=$(git rev-parse HEAD)"
var (
	buildVersion = "dev"
	buildCommit  = "unknown"
)

func versionString() string {
	version, commit := buildVersion, buildCommit
	if version == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok {
			version, commit = versionFromBuildInfo(info, commit)
		}
	}
	return formatVersion(version, commit)
}

// versionFromBuildInfo uses the module version of a `go install`ed binary,
// or the VCS revision stamped into a local build.
func versionFromBuildInfo(info *debug.BuildInfo, commit string) (string, string) {
	version := "dev"
	if v := info.Main.Version; v != "" && v != "(devel)" {
		version = v
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && (commit == "" || commit == "unknown") {
			commit = s.Value
		}
	}
	return version, commit
}

func formatVersion(version, commit string) string {
	v := strings.TrimSpace(version)
	if v == "" {
		v = "dev"
	}
	if v != "dev" {
		return v
	}

	c := shortCommit(commit)
	if c == "" {
		return "dev"
	}
	return "dev-" + c
}

func shortCommit(commit string) string {
	c := strings.TrimSpace(commit)
	if c == "" || c == "unknown" {
		return ""
	}
	if len(c) > 7 {
		return c[:7]
	}
	return c
}
