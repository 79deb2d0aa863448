// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package versions provides version information for the authgate binary.
package versions

import (
	"fmt"
	"runtime"
	"time"
)

const unknownStr = "unknown"

// Build information set at link time via -ldflags.
var (
	// Version is the release version, or "dev" for local builds.
	Version = "dev"

	// Commit is the git commit the binary was built from.
	Commit = unknownStr

	// BuildDate is the RFC 3339 build timestamp.
	BuildDate = unknownStr
)

// VersionInfo represents the version information of the binary.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetVersionInfo returns the current version information.
func GetVersionInfo() VersionInfo {
	version := Version
	if version == "dev" {
		// Local build: derive a build identifier from the commit.
		commit := Commit
		if commit != unknownStr && len(commit) > 8 {
			commit = commit[:8]
		}
		if commit == unknownStr {
			version = "build-unknown"
		} else {
			version = "build-" + commit
		}
	}

	buildDate := BuildDate
	if parsed, err := time.Parse(time.RFC3339, buildDate); err == nil {
		buildDate = parsed.UTC().Format("2006-01-02 15:04:05 UTC")
	}

	return VersionInfo{
		Version:   version,
		Commit:    Commit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}
