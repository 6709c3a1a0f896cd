package buildinfo

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func stamp(t *testing.T, version, commit string) {
	t.Helper()
	oldVersion, oldCommit := Version, GitCommit
	Version, GitCommit = version, commit
	t.Cleanup(func() { Version, GitCommit = oldVersion, oldCommit })
}

func TestSWVersion(t *testing.T) {
	tests := []struct {
		name    string
		version string
		commit  string
		want    string
	}{
		{"release", "v1.2.0", "abc1234", "v1.2.0"},
		{"dev snapshot", "dev", "abc1234", "dev+abc1234"},
		{"unstamped", "dev", "unknown", "dev"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stamp(t, tt.version, tt.commit)
			if got := SWVersion(); got != tt.want {
				t.Errorf("SWVersion() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInfo_LogValue(t *testing.T) {
	stamp(t, "v1.2.0", "abc1234")

	var buf bytes.Buffer
	slog.New(slog.NewTextHandler(&buf, nil)).Info("starting", "build", Current())

	for _, want := range []string{"build.version=v1.2.0", "build.commit=abc1234"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("log missing %q: %s", want, buf.String())
		}
	}
}
