package main

import (
	"runtime/debug"
	"strings"
)

// Overridden at release time:
//
//	go build -ldflags "-X main.buildVersion=v1.2.0 -X main.buildCommit=<sha>"
var (
	buildVersion = "dev"
	buildCommit  = ""
)

func versionString() string {
	commit := buildCommit
	if shortCommit(commit) == "" {
		commit = vcsCommit()
	}
	return formatVersion(buildVersion, commit)
}

func formatVersion(version, commit string) string {
	v := strings.TrimSpace(version)
	if v == "" {
		v = "dev"
	}
	if v != "dev" {
		return v
	}
	if c := shortCommit(commit); c != "" {
		return "dev-" + c
	}
	return "dev"
}

func shortCommit(commit string) string {
	c := strings.TrimSpace(commit)
	if c == "" || c == "unknown" {
		return ""
	}
	if len(c) > 7 {
		c = c[:7]
	}
	return c
}

// vcsCommit reads the revision the Go toolchain stamped into the
// binary, for builds without ldflags.
func vcsCommit() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}
