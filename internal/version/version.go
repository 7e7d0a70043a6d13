// Package version reports build information stamped in by the linker.
package version

import (
	"fmt"
	"runtime"
)

// Set via ldflags at build time:
//
//	go build -ldflags "-X github.com/soyeahso/shipbot/internal/version.Version=1.0.0
//	  -X github.com/soyeahso/shipbot/internal/version.Commit=abc123
//	  -X github.com/soyeahso/shipbot/internal/version.Date=2026-01-01"
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a formatted version string.
func Info() string {
	return fmt.Sprintf("shipbot %s (commit: %s, built: %s, %s/%s)",
		Version, short(Commit), Date, runtime.GOOS, runtime.GOARCH)
}

// UserAgent identifies the bot to the carrier and payment APIs.
func UserAgent() string {
	return "shipbot/" + Version + " (+" + short(Commit) + ")"
}

func short(s string) string {
	if len(s) > 7 {
		return s[:7]
	}
	return s
}
