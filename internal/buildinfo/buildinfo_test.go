package buildinfo

import (
	"strings"
	"testing"
)

func TestInfo_Accessors(t *testing.T) {
	tests := []struct {
		name      string
		info      *Info
		version   string
		commit    string
		buildDate string
	}{
		{
			name:      "nil info",
			info:      nil,
			version:   UnknownValue,
			commit:    UnknownValue,
			buildDate: UnknownValue,
		},
		{
			name:      "empty values",
			info:      New("", "", ""),
			version:   UnknownValue,
			commit:    UnknownValue,
			buildDate: UnknownValue,
		},
		{
			name:      "release build",
			info:      New("1.4.0", "9f2c1ab", "2026-10-01T08:00:00Z"),
			version:   "1.4.0",
			commit:    "9f2c1ab",
			buildDate: "2026-10-01T08:00:00Z",
		},
		{
			name:      "pre-release tag",
			info:      New("1.5.0-rc.1", "", "2026-10-02"),
			version:   "1.5.0-rc.1",
			commit:    UnknownValue,
			buildDate: "2026-10-02",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.info.Version(); got != tt.version {
				t.Errorf("Version() = %v, want %v", got, tt.version)
			}
			if got := tt.info.Commit(); got != tt.commit {
				t.Errorf("Commit() = %v, want %v", got, tt.commit)
			}
			if got := tt.info.BuildDate(); got != tt.buildDate {
				t.Errorf("BuildDate() = %v, want %v", got, tt.buildDate)
			}
		})
	}
}

func TestInfo_String(t *testing.T) {
	got := New("1.4.0", "9f2c1ab", "").String()
	for _, want := range []string{"crmsync 1.4.0", "commit 9f2c1ab", "built unknown"} {
		if !strings.Contains(got, want) {
			t.Errorf("String() = %q, missing %q", got, want)
		}
	}
}
