// Package buildinfo carries build-time metadata injected through ldflags
package buildinfo

import (
	"fmt"
	"runtime"
)

// UnknownValue is reported for metadata the build did not provide
const UnknownValue = "unknown"

// Info describes the running binary
type Info struct {
	version   string
	commit    string
	buildDate string
}

// New returns build metadata. Empty values report UnknownValue.
func New(version, commit, buildDate string) *Info {
	return &Info{version: version, commit: commit, buildDate: buildDate}
}

func orUnknown(s string) string {
	if s == "" {
		return UnknownValue
	}
	return s
}

// Version returns the release tag
func (i *Info) Version() string {
	if i == nil {
		return UnknownValue
	}
	return orUnknown(i.version)
}

// Commit returns the source revision
func (i *Info) Commit() string {
	if i == nil {
		return UnknownValue
	}
	return orUnknown(i.commit)
}

// BuildDate returns when the binary was built
func (i *Info) BuildDate() string {
	if i == nil {
		return UnknownValue
	}
	return orUnknown(i.buildDate)
}

// String formats the metadata for the version command
func (i *Info) String() string {
	return fmt.Sprintf("crmsync %s (commit %s, built %s, %s %s/%s)",
		i.Version(), i.Commit(), i.BuildDate(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
