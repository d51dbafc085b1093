package main

import (
	"fmt"
	"os"

	"github.com/buildpulse/crmsync/cmd"
	"github.com/buildpulse/crmsync/internal/buildinfo"
	"github.com/buildpulse/crmsync/internal/conf"
)

// Set at build time with -ldflags "-X main.version=... -X main.commit=... -X main.buildDate=..."
var (
	version   string
	commit    string
	buildDate string
)

func main() {
	settings := &conf.Settings{}
	info := buildinfo.New(version, commit, buildDate)

	if err := cmd.RootCommand(settings, info).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
